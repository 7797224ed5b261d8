// opsagent is a per-host operations agent: metrics collection, rule-based
// alerting, LLM-assisted diagnosis and risk-gated database tooling, exposed
// to the central control panel over REST plus a WebSocket stream.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/goshops-com/opsagent/pkg/agent"
	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/api"
	"github.com/goshops-com/opsagent/pkg/approval"
	"github.com/goshops-com/opsagent/pkg/audit"
	"github.com/goshops-com/opsagent/pkg/chat"
	"github.com/goshops-com/opsagent/pkg/collector"
	"github.com/goshops-com/opsagent/pkg/config"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/issues"
	"github.com/goshops-com/opsagent/pkg/llm"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/netdata"
	"github.com/goshops-com/opsagent/pkg/notify"
	"github.com/goshops-com/opsagent/pkg/plugin"
	"github.com/goshops-com/opsagent/pkg/plugin/postgres"
	"github.com/goshops-com/opsagent/pkg/plugin/redis"
	"github.com/goshops-com/opsagent/pkg/rules"
	"github.com/goshops-com/opsagent/pkg/storage"
	"github.com/goshops-com/opsagent/pkg/vault"
	"github.com/goshops-com/opsagent/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using existing environment")
	}

	production := os.Getenv("OPSAGENT_ENV") == "production"
	slog.Info("Starting opsagent", "version", version.Full(), "production", production)

	ctx, cancel := context.WithCancel(context.Background())

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Credential vault (fatal without a key in production)
	v, err := vault.New(production)
	if err != nil {
		slog.Error("Failed to initialise credential vault", "error", err)
		os.Exit(1)
	}

	// 3. Durable storage
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing storage", "error", err)
		}
	}()

	// 4. Server identity
	server := serverIdentity()
	if err := store.UpsertServer(ctx, server); err != nil {
		slog.Error("Failed to record server identity", "error", err)
		os.Exit(1)
	}
	slog.Info("Server identity", "server_id", server.ID, "hostname", server.Hostname, "ip", server.IP)

	// 5. Event bus
	bus := events.NewBus()
	defer bus.Close()

	// 6. Audit log and approval workflow
	auditLog := audit.NewLog(cfg.Audit.MaxEntries, store)
	approvals := approval.NewManager(cfg.Approvals.DefaultExpiry.Std(), cfg.Approvals.CleanupInterval.Std(), bus, store)
	approvals.Start(ctx)
	defer approvals.Stop()

	// 7. LLM client. A missing key disables the agent side; monitoring
	// continues without it.
	var llmClient *llm.Client
	if c, err := llm.NewClient(cfg.Agent); err != nil {
		slog.Warn("LLM disabled", "error", err)
	} else {
		llmClient = c
	}

	// 8. Issue manager, with the LLM feedback hook when available
	var feedback issues.FeedbackFunc
	if llmClient != nil {
		feedback = func(ctx context.Context, issue *models.Issue, timeline []*models.IssueComment, text string) (string, error) {
			result, err := llmClient.Feedback(ctx, llm.BuildFeedbackPrompt(issue, timeline, text))
			if err != nil {
				return "", err
			}
			return result.Analysis, nil
		}
	}
	issueMgr := issues.NewManager(server.ID, store, feedback)

	// 9. Plugin registry with the builtin drivers, restoring persisted
	// instances
	registry := plugin.NewRegistry(server.ID, cfg.Plugins.HealthInterval.Std(), cfg.Plugins.QueryTimeout.Std(), bus, store, v, auditLog)
	for _, driver := range []plugin.Driver{postgres.New(), redis.New()} {
		if err := registry.Register(ctx, driver); err != nil {
			slog.Error("Failed to register plugin", "error", err)
			os.Exit(1)
		}
	}
	registry.RestoreInstances(ctx)
	defer registry.Shutdown(ctx)

	// 10. Alert manager and the alert-to-issue subscriber
	alertMgr := alerts.NewManager(server.ID, cfg.Alerts.Cooldown.Std(), cfg.Alerts.ResolveAfter.Std(), cfg.Alerts.MaxHistory, bus, store)
	issueSyncDone := startIssueSync(ctx, bus, issueMgr)
	defer func() { <-issueSyncDone }()

	// 11. Metric driver: intrinsic collector or the external alarm feed.
	// One variant runs at a time.
	var stopDriver func()
	if cfg.Netdata != nil {
		poller := netdata.NewPoller(*cfg.Netdata, server.ID, alertMgr)
		if err := poller.Start(ctx); err != nil {
			slog.Error("Failed to start netdata poller", "error", err)
			os.Exit(1)
		}
		stopDriver = poller.Stop
	} else {
		coll := collector.New(cfg.Collector.Interval.Std(), bus)
		engine := rules.NewEngine(rules.Build(&cfg.Rules), &cfg.Rules)
		coll.Start(ctx)
		pipelineDone := startPipeline(ctx, coll, engine, alertMgr, store, server.ID, cfg.Storage.SnapshotEvery)
		stopDriver = func() {
			coll.Stop()
			<-pipelineDone
		}
	}
	defer stopDriver()

	// 12. Agent responder and chat orchestrator (LLM-dependent)
	var responder *agent.Responder
	var orchestrator *chat.Orchestrator
	if llmClient != nil {
		responder = agent.NewResponder(server.ID, cfg.Agent, llmClient, issueMgr, store, bus)
		if err := responder.Start(ctx); err != nil {
			slog.Error("Failed to start agent responder", "error", err)
			os.Exit(1)
		}
		defer responder.Stop()

		orchestrator = chat.NewOrchestrator(server.ID, cfg.Agent.ChatTimeout.Std(), llmClient, registry, approvals, auditLog, store, bus)
		if err := orchestrator.Start(ctx); err != nil {
			slog.Error("Failed to start chat orchestrator", "error", err)
			os.Exit(1)
		}
		defer orchestrator.Stop()
	}

	// 13. Discord notifier
	notifier, err := notify.NewNotifier(cfg.Discord, server.Hostname, bus)
	if err != nil {
		slog.Error("Invalid Discord configuration", "error", err)
		os.Exit(1)
	}
	if notifier != nil {
		if err := notifier.Start(ctx); err != nil {
			slog.Error("Failed to start Discord notifier", "error", err)
			os.Exit(1)
		}
		defer notifier.Stop()
	}

	// 14. Dashboard: WebSocket hub plus the REST surface
	var httpErrs <-chan error
	if cfg.Dashboard.Enabled {
		hub := events.NewHub(bus, func() any {
			return map[string]any{
				"server":    server,
				"alerts":    alertMgr.Active(),
				"approvals": approvals.Pending(server.ID),
				"plugins":   registry.Instances(),
			}
		})
		hub.Start(ctx)
		defer hub.Stop()

		httpServer := api.NewServer(cfg.Dashboard.Port, api.Deps{
			ServerID:  server.ID,
			Alerts:    alertMgr,
			Agent:     responder,
			Registry:  registry,
			Chat:      orchestrator,
			Approvals: approvals,
			Audit:     auditLog,
			Issues:    issueMgr,
			Hub:       hub,
		})
		httpErrs = httpServer.Start()
		defer func() {
			if err := httpServer.Stop(context.Background()); err != nil {
				slog.Error("HTTP server shutdown failed", "error", err)
			}
		}()
	}

	slog.Info("opsagent started", "dashboard", cfg.Dashboard.Enabled, "agent", llmClient != nil)

	// 15. Wait for a shutdown signal or a fatal server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-httpErrs:
		if err != nil {
			slog.Error("Dashboard server failed", "error", err)
			os.Exit(1)
		}
	}

	// Cancelling the root context unblocks every subscriber before the
	// deferred stops wait on them.
	cancel()
}

// serverIdentity builds this host's identity record. The machine id keeps
// the identity stable across restarts.
func serverIdentity() *models.Server {
	now := time.Now().UTC()
	server := &models.Server{
		ID:          uuid.NewString(),
		Hostname:    "unknown",
		FirstSeenAt: now,
		LastSeenAt:  now,
		Status:      "active",
	}
	if info, err := host.Info(); err == nil {
		if info.HostID != "" {
			server.ID = info.HostID
		}
		server.Hostname = info.Hostname
		server.OS = info.Platform + " " + info.PlatformVersion
	}
	if ip := outboundIP(); ip != "" {
		server.IP = ip
	}
	return server
}

// outboundIP discovers the primary interface address without sending any
// traffic; the dial target is never contacted for UDP.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
