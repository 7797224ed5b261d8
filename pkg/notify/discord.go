// Package notify pushes selected agent events to a Discord webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
)

// Embed colours per severity.
const (
	colorCritical = 0xE74C3C
	colorWarning  = 0xF1C40F
	colorResolved = 0x2ECC71
	colorAction   = 0x3498DB
)

// webhookSender abstracts the Discord call for tests.
type webhookSender interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier forwards critical alerts and agent tool actions to a Discord
// webhook. It is an ordinary bus subscriber; a slow or failing webhook
// never stalls the pipeline.
type Notifier struct {
	cfg       config.DiscordConfig
	hostname  string
	session   webhookSender
	webhookID string
	token     string
	bus       *events.Bus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier parses the webhook URL and prepares a notifier. Returns nil
// with no error when the notifier is disabled.
func NewNotifier(cfg config.DiscordConfig, hostname string, bus *events.Bus) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	webhookID, token, err := parseWebhookURL(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution needs no bot token; the webhook URL is the secret.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return &Notifier{
		cfg:       cfg,
		hostname:  hostname,
		session:   session,
		webhookID: webhookID,
		token:     token,
		bus:       bus,
	}, nil
}

// parseWebhookURL splits a Discord webhook URL into its id and token.
func parseWebhookURL(raw string) (string, string, error) {
	marker := "/api/webhooks/"
	idx := strings.Index(raw, marker)
	if idx < 0 {
		return "", "", fmt.Errorf("not a discord webhook URL: %q", raw)
	}
	rest := strings.Trim(raw[idx+len(marker):], "/")
	id, token, ok := strings.Cut(rest, "/")
	if !ok || id == "" || token == "" {
		return "", "", fmt.Errorf("discord webhook URL missing id or token")
	}
	if i := strings.IndexByte(token, '?'); i >= 0 {
		token = token[:i]
	}
	return id, token, nil
}

// Start subscribes to the bus and begins forwarding.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	ch, unsubscribe := n.bus.Subscribe(128)

	go func() {
		defer close(n.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				n.handle(evt)
			}
		}
	}()

	slog.Info("Discord notifier started",
		"notify_on_critical", n.cfg.NotifyOnCritical,
		"notify_on_agent_action", n.cfg.NotifyOnAgentAction)
	return nil
}

// Stop ends forwarding. Already queued events are dropped.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
}

func (n *Notifier) handle(evt events.Event) {
	switch evt.Type {
	case events.TypeAlert:
		alertEvt, ok := evt.Payload.(alerts.AlertEvent)
		if !ok {
			return
		}
		n.handleAlert(alertEvt)
	case events.TypePluginToolExecuted:
		if n.cfg.NotifyOnAgentAction {
			n.handleToolExecuted(evt.Payload)
		}
	}
}

func (n *Notifier) handleAlert(evt alerts.AlertEvent) {
	if !n.cfg.NotifyOnCritical {
		return
	}
	alert := evt.Alert
	switch evt.Kind {
	case alerts.EventNew:
		if alert.Severity != models.SeverityCritical {
			return
		}
		n.send(&discordgo.MessageEmbed{
			Title:       fmt.Sprintf(":rotating_light: Critical alert on %s", n.hostname),
			Description: alert.Message,
			Color:       colorCritical,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Metric", Value: alert.Metric, Inline: true},
				{Name: "Value", Value: fmt.Sprintf("%.2f", alert.CurrentValue), Inline: true},
				{Name: "Threshold", Value: fmt.Sprintf("%.2f", alert.Threshold), Inline: true},
			},
			Timestamp: alert.CreatedAt.Format(time.RFC3339),
		})
	case alerts.EventResolved:
		if alert.Severity != models.SeverityCritical {
			return
		}
		n.send(&discordgo.MessageEmbed{
			Title:       fmt.Sprintf(":white_check_mark: Resolved on %s", n.hostname),
			Description: alert.Message,
			Color:       colorResolved,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (n *Notifier) handleToolExecuted(payload any) {
	fields, ok := payload.(map[string]any)
	if !ok {
		return
	}
	tool, _ := fields["tool"].(string)
	pluginID, _ := fields["plugin_id"].(string)
	success, _ := fields["success"].(bool)
	durationMs, _ := fields["duration_ms"].(int64)

	color := colorAction
	outcome := "succeeded"
	if !success {
		color = colorWarning
		outcome = "failed"
	}
	n.send(&discordgo.MessageEmbed{
		Title: fmt.Sprintf(":robot: Tool %s %s on %s", tool, outcome, n.hostname),
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Plugin", Value: pluginID, Inline: true},
			{Name: "Duration", Value: fmt.Sprintf("%dms", durationMs), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (n *Notifier) send(embed *discordgo.MessageEmbed) {
	_, err := n.session.WebhookExecute(n.webhookID, n.token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	if err != nil {
		slog.Warn("Discord notification failed", "error", err)
	}
}
