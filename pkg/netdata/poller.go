// Package netdata polls a Netdata agent's alarms endpoint and feeds
// raised/cleared transitions into the alert stream. When this feed is
// active the internal rule engine stays off.
package netdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/models"
)

const requestTimeout = 10 * time.Second

// Sink is the alert-manager capability the poller needs.
type Sink interface {
	Ingest(ctx context.Context, alert *models.Alert)
	Resolve(ctx context.Context, fingerprint string)
}

// alarm is one entry in the alarms endpoint response.
type alarm struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Chart            string  `json:"chart"`
	Status           string  `json:"status"`
	Value            float64 `json:"value"`
	Units            string  `json:"units"`
	Info             string  `json:"info"`
	LastStatusChange int64   `json:"last_status_change"`
}

type alarmsResponse struct {
	Hostname string           `json:"hostname"`
	Alarms   map[string]alarm `json:"alarms"`
}

// Poller pulls the alarms endpoint on an interval and diffs the raised set
// against the previous poll.
type Poller struct {
	cfg      config.NetdataConfig
	serverID string
	sink     Sink
	client   *http.Client

	// raised maps fingerprints seen on the previous poll to their status,
	// so a WARNING escalating to CRITICAL re-ingests into the same alert.
	raised map[string]string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller builds a poller over the configured Netdata base URL.
func NewPoller(cfg config.NetdataConfig, serverID string, sink Sink) *Poller {
	return &Poller{
		cfg:      cfg,
		serverID: serverID,
		sink:     sink,
		client:   &http.Client{Timeout: requestTimeout},
		raised:   make(map[string]string),
	}
}

// Start begins polling. The first poll happens immediately.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	interval := p.cfg.PollInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()

	slog.Info("Netdata poller started", "url", p.cfg.URL, "interval", interval)
	return nil
}

// Stop ends polling.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Poller) poll(ctx context.Context) {
	resp, err := p.fetchAlarms(ctx)
	if err != nil {
		slog.Warn("Netdata poll failed", "error", err)
		return
	}

	current := make(map[string]string, len(resp.Alarms))
	for _, a := range resp.Alarms {
		if !p.monitored(a) {
			continue
		}
		fp := fingerprint(a)
		current[fp] = a.Status
		if p.raised[fp] != a.Status {
			p.sink.Ingest(ctx, p.translate(a, fp))
		}
	}

	// Alarms absent from the raised set have cleared.
	for fp := range p.raised {
		if _, ok := current[fp]; !ok {
			p.sink.Resolve(ctx, fp)
		}
	}
	p.raised = current
}

func (p *Poller) fetchAlarms(ctx context.Context) (*alarmsResponse, error) {
	url := strings.TrimRight(p.cfg.URL, "/") + "/api/v1/alarms"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alarms request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alarms request returned status %d", res.StatusCode)
	}

	var out alarmsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode alarms response: %w", err)
	}
	return &out, nil
}

// monitored applies the ignore list, the force list and the severity
// filter, in that order.
func (p *Poller) monitored(a alarm) bool {
	for _, name := range p.cfg.IgnoreAlerts {
		if name == a.Name {
			return false
		}
	}
	for _, name := range p.cfg.ForceAlerts {
		if name == a.Name {
			return true
		}
	}
	switch p.cfg.MonitorSeverity {
	case config.NetdataCritical:
		return a.Status == "CRITICAL"
	case config.NetdataWarning, config.NetdataAll, "":
		return a.Status == "WARNING" || a.Status == "CRITICAL"
	default:
		return false
	}
}

func (p *Poller) translate(a alarm, fp string) *models.Alert {
	message := a.Info
	if message == "" {
		message = fmt.Sprintf("%s on %s", a.Name, a.Chart)
	}
	return &models.Alert{
		ServerID:     p.serverID,
		Fingerprint:  fp,
		Severity:     p.severity(a),
		Message:      message,
		Metric:       a.Name,
		CurrentValue: a.Value,
		Source:       models.AlertSourceNetdata,
		Metadata: map[string]any{
			"chart": a.Chart,
			"units": a.Units,
		},
	}
}

// severity maps an alarm status to an internal severity, honouring the
// configured per-alert overrides.
func (p *Poller) severity(a alarm) models.Severity {
	if mapped, ok := p.cfg.SeverityMapping[a.Name]; ok {
		return models.Severity(mapped)
	}
	if a.Status == "CRITICAL" {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

// fingerprint is stable across severity changes so a WARNING escalating to
// CRITICAL updates the same alert.
func fingerprint(a alarm) string {
	return "netdata|" + a.Name + "|" + a.Chart
}
