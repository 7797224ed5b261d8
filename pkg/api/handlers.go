package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goshops-com/opsagent/pkg/agent"
	"github.com/goshops-com/opsagent/pkg/approval"
	"github.com/goshops-com/opsagent/pkg/chat"
	"github.com/goshops-com/opsagent/pkg/models"
	"github.com/goshops-com/opsagent/pkg/plugin"
	"github.com/goshops-com/opsagent/pkg/storage"
)

const alertHistoryLimit = 100

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- Alerts ---

func (s *Server) listAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		disabled(c)
		return
	}
	history := s.deps.Alerts.History()
	if len(history) > alertHistoryLimit {
		history = history[len(history)-alertHistoryLimit:]
	}
	c.JSON(http.StatusOK, gin.H{
		"active":  s.deps.Alerts.Active(),
		"history": history,
	})
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	if s.deps.Alerts == nil {
		disabled(c)
		return
	}
	if err := s.deps.Alerts.Acknowledge(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Agent results ---

func (s *Server) agentResults(c *gin.Context) {
	if s.deps.Agent == nil {
		disabled(c)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	results, err := s.deps.Agent.Results(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) approveAgentAction(c *gin.Context) {
	if s.deps.Agent == nil {
		disabled(c)
		return
	}
	actionIndex, err := strconv.Atoi(c.Param("actionIndex"))
	if err != nil {
		fail(c, http.StatusBadRequest, errors.New("actionIndex must be an integer"))
		return
	}
	var body struct {
		ApprovedBy string `json:"approvedBy"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.ApprovedBy == "" {
		body.ApprovedBy = "dashboard"
	}

	resp, err := s.deps.Agent.ApproveAction(c.Request.Context(), c.Param("alertId"), actionIndex, body.ApprovedBy)
	if err != nil {
		if errors.Is(err, agent.ErrActionNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "response": resp})
}

// --- Plugins ---

// ownServer rejects paths addressing a server this agent does not own.
func (s *Server) ownServer(c *gin.Context) bool {
	if c.Param("sid") != s.deps.ServerID {
		fail(c, http.StatusNotFound, errors.New("unknown server"))
		return false
	}
	return true
}

func (s *Server) listPlugins(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": s.deps.Registry.Plugins()})
}

func (s *Server) listInstances(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": s.deps.Registry.Instances()})
}

func (s *Server) createInstance(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	var body struct {
		PluginID string         `json:"pluginId" binding:"required"`
		Config   map[string]any `json:"config"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	inst, err := s.deps.Registry.CreateInstance(c.Request.Context(), body.PluginID, body.Config)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "instance": inst})
}

func (s *Server) getInstance(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	iid := c.Param("iid")
	for _, inst := range s.deps.Registry.Instances() {
		if inst.ID == iid {
			c.JSON(http.StatusOK, gin.H{"instance": inst})
			return
		}
	}
	fail(c, http.StatusNotFound, plugin.ErrInstanceNotFound)
}

func (s *Server) removeInstance(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	if err := s.deps.Registry.RemoveInstance(c.Request.Context(), c.Param("iid")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, plugin.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) instanceHealth(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	status, message, err := s.deps.Registry.InstanceHealth(c.Param("iid"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "message": message})
}

func (s *Server) instanceTools(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	tools, err := s.deps.Registry.InstanceTools(c.Param("iid"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (s *Server) executeTool(c *gin.Context) {
	if s.deps.Registry == nil {
		disabled(c)
		return
	}
	if !s.ownServer(c) {
		return
	}
	var body struct {
		Tool       string         `json:"tool" binding:"required"`
		Params     map[string]any `json:"params"`
		ApprovalID string         `json:"approvalId"`
		UserID     string         `json:"userId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	result, err := s.deps.Registry.ExecuteTool(c.Request.Context(), c.Param("iid"), body.Tool, body.Params,
		models.ToolContext{
			ServerID:   s.deps.ServerID,
			UserID:     body.UserID,
			ApprovalID: body.ApprovalID,
		})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, plugin.ErrInstanceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, plugin.ErrInstanceUnavailable):
			status = http.StatusConflict
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": result.Success, "result": result})
}

// --- Chat sessions ---

func (s *Server) listSessions(c *gin.Context) {
	if s.deps.Chat == nil {
		disabled(c)
		return
	}
	sessions, err := s.deps.Chat.Sessions(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) createSession(c *gin.Context) {
	if s.deps.Chat == nil {
		disabled(c)
		return
	}
	var body struct {
		Title             string   `json:"title"`
		PluginInstanceIDs []string `json:"pluginInstanceIds"`
		CreatedBy         string   `json:"createdBy"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	session, err := s.deps.Chat.CreateSession(c.Request.Context(), body.Title, body.PluginInstanceIDs, body.CreatedBy)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "session": session})
}

func (s *Server) getSession(c *gin.Context) {
	if s.deps.Chat == nil {
		disabled(c)
		return
	}
	session, err := s.deps.Chat.Session(c.Request.Context(), c.Param("sid"))
	if err != nil {
		fail(c, sessionStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (s *Server) closeSession(c *gin.Context) {
	if s.deps.Chat == nil {
		disabled(c)
		return
	}
	if err := s.deps.Chat.CloseSession(c.Request.Context(), c.Param("sid")); err != nil {
		fail(c, sessionStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listMessages(c *gin.Context) {
	if s.deps.Chat == nil {
		disabled(c)
		return
	}
	msgs, err := s.deps.Chat.Messages(c.Request.Context(), c.Param("sid"))
	if err != nil {
		fail(c, sessionStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// postMessage runs one chat turn and returns its full event log.
func (s *Server) postMessage(c *gin.Context) {
	if s.deps.Chat == nil {
		disabled(c)
		return
	}
	var body struct {
		Content string `json:"content" binding:"required"`
		UserID  string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	turn, err := s.deps.Chat.SendMessage(c.Request.Context(), c.Param("sid"), body.UserID, body.Content)
	if err != nil {
		fail(c, sessionStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": turn})
}

func sessionStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- Approvals ---

func (s *Server) listApprovals(c *gin.Context) {
	if s.deps.Approvals == nil {
		disabled(c)
		return
	}
	status := models.ApprovalStatus(c.Query("status"))
	if status == "" || status == models.ApprovalPending {
		c.JSON(http.StatusOK, gin.H{"approvals": s.deps.Approvals.Pending(s.deps.ServerID)})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	reqs, err := s.deps.Approvals.List(c.Request.Context(), storage.ApprovalFilter{
		ServerID: s.deps.ServerID,
		Status:   status,
		Limit:    limit,
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": reqs})
}

func (s *Server) getApproval(c *gin.Context) {
	if s.deps.Approvals == nil {
		disabled(c)
		return
	}
	req, err := s.deps.Approvals.Get(c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": req})
}

func (s *Server) approveRequest(c *gin.Context) {
	s.respondToApproval(c, true)
}

func (s *Server) rejectRequest(c *gin.Context) {
	s.respondToApproval(c, false)
}

func (s *Server) respondToApproval(c *gin.Context, approve bool) {
	if s.deps.Approvals == nil {
		disabled(c)
		return
	}
	var body struct {
		ApprovedBy string `json:"approvedBy" binding:"required"`
		Reason     string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	var req *models.ApprovalRequest
	var err error
	if approve {
		req, err = s.deps.Approvals.Approve(c.Request.Context(), c.Param("id"), body.ApprovedBy, body.Reason)
	} else {
		req, err = s.deps.Approvals.Reject(c.Request.Context(), c.Param("id"), body.ApprovedBy, body.Reason)
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, approval.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, approval.ErrStaleState):
			status = http.StatusConflict
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "approval": req})
}

// --- Audit ---

func (s *Server) queryAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		disabled(c)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	filter := storage.AuditFilter{
		PluginID:  c.Query("pluginId"),
		SessionID: c.Query("sessionId"),
		RiskLevel: models.RiskLevel(c.Query("riskLevel")),
		Status:    models.AuditStatus(c.Query("status")),
		Limit:     limit,
	}
	c.JSON(http.StatusOK, gin.H{"entries": s.deps.Audit.Query(filter)})
}

func (s *Server) auditStats(c *gin.Context) {
	if s.deps.Audit == nil {
		disabled(c)
		return
	}
	c.JSON(http.StatusOK, s.deps.Audit.Stats())
}

// --- Issue feedback ---

func (s *Server) processFeedback(c *gin.Context) {
	if s.deps.Issues == nil {
		disabled(c)
		return
	}
	var body struct {
		Feedback string `json:"feedback" binding:"required"`
		Author   string `json:"author"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if body.Author == "" {
		body.Author = "dashboard"
	}

	analysis, err := s.deps.Issues.ProcessFeedback(c.Request.Context(), c.Param("issueId"), body.Author, body.Feedback)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		fail(c, status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": analysis})
}
