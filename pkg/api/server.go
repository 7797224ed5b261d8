// Package api exposes the agent's REST surface and the realtime stream
// consumed by the central control panel.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goshops-com/opsagent/pkg/agent"
	"github.com/goshops-com/opsagent/pkg/alerts"
	"github.com/goshops-com/opsagent/pkg/approval"
	"github.com/goshops-com/opsagent/pkg/audit"
	"github.com/goshops-com/opsagent/pkg/chat"
	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/issues"
	"github.com/goshops-com/opsagent/pkg/plugin"
)

// Deps carries the subsystems the server exposes. Nil members answer their
// routes with 501.
type Deps struct {
	ServerID  string
	Alerts    *alerts.Manager
	Agent     *agent.Responder
	Registry  *plugin.Registry
	Chat      *chat.Orchestrator
	Approvals *approval.Manager
	Audit     *audit.Log
	Issues    *issues.Manager
	Hub       *events.Hub
}

// Server is the embedded HTTP server on the dashboard port.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the route table. Call Start to bind the port.
func NewServer(port int, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		engine: engine,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: engine,
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/health", s.health)

	api.GET("/alerts", s.listAlerts)
	api.POST("/alerts/:id/acknowledge", s.acknowledgeAlert)

	api.GET("/agent/results", s.agentResults)
	api.POST("/agent/approve/:alertId/:actionIndex", s.approveAgentAction)

	api.GET("/plugins", s.listPlugins)
	servers := api.Group("/servers/:sid")
	servers.GET("/plugins", s.listInstances)
	servers.POST("/plugins", s.createInstance)
	servers.GET("/plugins/:iid", s.getInstance)
	servers.DELETE("/plugins/:iid", s.removeInstance)
	servers.GET("/plugins/:iid/health", s.instanceHealth)
	servers.GET("/plugins/:iid/tools", s.instanceTools)
	servers.POST("/plugins/:iid/execute", s.executeTool)

	api.GET("/sessions", s.listSessions)
	api.POST("/sessions", s.createSession)
	api.GET("/sessions/:sid", s.getSession)
	api.POST("/sessions/:sid/close", s.closeSession)
	api.GET("/sessions/:sid/messages", s.listMessages)
	api.POST("/sessions/:sid/messages", s.postMessage)

	api.GET("/approvals", s.listApprovals)
	api.GET("/approvals/:id", s.getApproval)
	api.POST("/approvals/:id/approve", s.approveRequest)
	api.POST("/approvals/:id/reject", s.rejectRequest)

	api.GET("/audit", s.queryAudit)
	api.GET("/audit/stats", s.auditStats)

	api.POST("/issues/:issueId/process-feedback", s.processFeedback)

	if s.deps.Hub != nil {
		s.engine.GET("/ws", func(c *gin.Context) {
			s.deps.Hub.HandleWS(c.Writer, c.Request)
		})
	}
}

// Start binds the dashboard port. A bind failure is fatal for the process,
// so it is reported on the returned channel.
func (s *Server) Start() <-chan error {
	errs := make(chan error, 1)
	go func() {
		slog.Info("Dashboard server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()
	return errs
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// fail writes the uniform error body.
func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// errDisabled is the body for routes whose subsystem is not configured.
var errDisabled = errors.New("subsystem disabled")

func disabled(c *gin.Context) {
	fail(c, http.StatusNotImplemented, errDisabled)
}
