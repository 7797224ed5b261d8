package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
)

type captureSender struct {
	mu   sync.Mutex
	sent []*discordgo.WebhookParams
}

func (c *captureSender) WebhookExecute(_, _ string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureSender) last() *discordgo.WebhookParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func newTestNotifier(t *testing.T, cfg config.DiscordConfig) (*Notifier, *captureSender, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	sender := &captureSender{}
	n := &Notifier{
		cfg:      cfg,
		hostname: "test-host",
		session:  sender,
		bus:      bus,
	}
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n, sender, bus
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := parseWebhookURL("https://discord.com/api/webhooks/123456/abc-def")
	require.NoError(t, err)
	assert.Equal(t, "123456", id)
	assert.Equal(t, "abc-def", token)

	id, token, err = parseWebhookURL("https://discord.com/api/webhooks/9/tok?wait=true")
	require.NoError(t, err)
	assert.Equal(t, "9", id)
	assert.Equal(t, "tok", token)

	_, _, err = parseWebhookURL("https://example.com/not-a-webhook")
	assert.Error(t, err)

	_, _, err = parseWebhookURL("https://discord.com/api/webhooks/only-id")
	assert.Error(t, err)
}

func TestCriticalAlertNotified(t *testing.T) {
	_, sender, bus := newTestNotifier(t, config.DiscordConfig{
		Enabled: true, NotifyOnCritical: true,
	})

	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind: alerts.EventNew,
		Alert: &models.Alert{
			Severity:     models.SeverityCritical,
			Message:      "CPU usage critical: 97.0%",
			Metric:       "cpu.usage",
			CurrentValue: 97,
			Threshold:    95,
			CreatedAt:    time.Now(),
		},
	})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	embed := sender.last().Embeds[0]
	assert.Contains(t, embed.Title, "test-host")
	assert.Equal(t, "CPU usage critical: 97.0%", embed.Description)
	assert.Equal(t, colorCritical, embed.Color)
}

func TestWarningAlertNotNotified(t *testing.T) {
	_, sender, bus := newTestNotifier(t, config.DiscordConfig{
		Enabled: true, NotifyOnCritical: true,
	})

	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind:  alerts.EventNew,
		Alert: &models.Alert{Severity: models.SeverityWarning, Message: "warning"},
	})
	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind:  alerts.EventUpdated,
		Alert: &models.Alert{Severity: models.SeverityCritical, Message: "update"},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.count())
}

func TestCriticalDisabledByConfig(t *testing.T) {
	_, sender, bus := newTestNotifier(t, config.DiscordConfig{
		Enabled: true, NotifyOnCritical: false,
	})

	bus.Publish(events.TypeAlert, alerts.AlertEvent{
		Kind:  alerts.EventNew,
		Alert: &models.Alert{Severity: models.SeverityCritical, Message: "critical"},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.count())
}

func TestAgentActionNotified(t *testing.T) {
	_, sender, bus := newTestNotifier(t, config.DiscordConfig{
		Enabled: true, NotifyOnAgentAction: true,
	})

	bus.Publish(events.TypePluginToolExecuted, map[string]any{
		"instance_id": "inst-1",
		"plugin_id":   "postgres",
		"tool":        "analyze_table",
		"success":     true,
		"duration_ms": int64(12),
	})

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	embed := sender.last().Embeds[0]
	assert.Contains(t, embed.Title, "analyze_table")
	assert.Contains(t, embed.Title, "succeeded")
	assert.Equal(t, colorAction, embed.Color)
}

func TestDisabledNotifierIsNil(t *testing.T) {
	n, err := NewNotifier(config.DiscordConfig{Enabled: false}, "h", nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}
