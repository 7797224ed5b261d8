package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/collector"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/issues"
	"github.com/goshops-com/opsagent/pkg/rules"
	"github.com/goshops-com/opsagent/pkg/storage"
)

// startPipeline drains the collector: every sample runs through the rule
// engine into the alert manager; every Nth sample is snapshotted and
// doubles as the heartbeat.
func startPipeline(ctx context.Context, coll *collector.Collector, engine *rules.Engine, alertMgr *alerts.Manager, store storage.Store, serverID string, snapshotEvery int) <-chan struct{} {
	done := make(chan struct{})
	if snapshotEvery <= 0 {
		snapshotEvery = 1
	}

	go func() {
		defer close(done)
		n := 0
		for sample := range coll.Samples() {
			violations := engine.Evaluate(sample)
			alertMgr.ProcessViolations(ctx, violations)

			n++
			if n%snapshotEvery == 0 {
				if err := store.InsertMetricsSnapshot(ctx, serverID, sample); err != nil {
					slog.Warn("Failed to persist metrics snapshot", "error", err)
				}
				if err := store.TouchServer(ctx, serverID, time.Now().UTC()); err != nil {
					slog.Warn("Failed to update heartbeat", "error", err)
				}
			}
		}
	}()
	return done
}

// startIssueSync folds alert transitions into long-lived issues: new alerts
// open or escalate an issue, resolved alerts close it.
func startIssueSync(ctx context.Context, bus *events.Bus, issueMgr *issues.Manager) <-chan struct{} {
	done := make(chan struct{})
	ch, unsubscribe := bus.Subscribe(128)

	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.Type != events.TypeAlert {
					continue
				}
				alertEvt, ok := evt.Payload.(alerts.AlertEvent)
				if !ok {
					continue
				}
				switch alertEvt.Kind {
				case alerts.EventNew:
					if _, err := issueMgr.HandleAlert(ctx, alertEvt.Alert); err != nil {
						slog.Warn("Failed to route alert into issue", "error", err)
					}
				case alerts.EventResolved:
					if err := issueMgr.HandleAlertResolved(ctx, alertEvt.Alert); err != nil {
						slog.Warn("Failed to resolve issue", "error", err)
					}
				}
			}
		}
	}()
	return done
}
