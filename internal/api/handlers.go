package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/outposthq/outpost/internal/agent/adapter"
	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/msgqueue"
	"github.com/outposthq/outpost/internal/process"
	"github.com/outposthq/outpost/internal/session"
	"github.com/outposthq/outpost/internal/workerqueue"
)

func (h *Handler) listProjects(c *gin.Context) {
	projects, err := h.scanner.ListProjects()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) registerProject(c *gin.Context) {
	var body struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("path is required"))
		return
	}
	p, err := h.scanner.RegisterVirtual(body.Path)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// listSessions merges every family's sessions for a project, decorated
// with stored metadata and ownership.
func (h *Handler) listSessions(c *gin.Context) {
	projectID := c.Param("projectId")
	if _, ok := session.DecodeProjectID(projectID); !ok {
		h.fail(c, errors.InvalidInput("invalid project id"))
		return
	}

	var all []*session.Summary
	for _, r := range h.scanner.Readers() {
		summaries, err := h.index.ListSessions(r, projectID)
		if err != nil {
			h.fail(c, err)
			return
		}
		all = append(all, summaries...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if err := h.metadata.Apply(all); err != nil {
		h.fail(c, err)
		return
	}
	for _, s := range all {
		s.Ownership = h.supervisor.Ownership(s.ID)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": all})
}

// findSession locates a session across family readers.
func (h *Handler) findSession(id, projectID, afterMessageID string, computeOrphans bool) (*session.Session, error) {
	for _, r := range h.scanner.Readers() {
		sess, err := r.GetSession(id, projectID, afterMessageID, computeOrphans)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
	}
	return nil, errors.NotFound("session", id)
}

func (h *Handler) getSession(c *gin.Context) {
	projectID := c.Param("projectId")
	sessionID := c.Param("sessionId")
	after := c.Query("after")

	// Orphan detection is skipped for externally-owned sessions; the file
	// is still being written by another supervisor.
	computeOrphans := h.supervisor.Ownership(sessionID) != session.OwnershipExternal

	sess, err := h.findSession(sessionID, projectID, after, computeOrphans)
	if err != nil {
		h.fail(c, err)
		return
	}
	if meta, err := h.metadata.Get(sessionID); err == nil && meta != nil {
		sess.CustomTitle = meta.CustomTitle
	}
	sess.Ownership = h.supervisor.Ownership(sessionID)
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) updateSessionMetadata(c *gin.Context) {
	var body session.SessionMetadata
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("invalid metadata body"))
		return
	}
	if err := h.metadata.Set(c.Param("sessionId"), body); err != nil {
		h.fail(c, err)
		return
	}
	h.index.Invalidate(c.Param("sessionId"))
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) listAgentMappings(c *gin.Context) {
	projectID := c.Param("projectId")
	sessionID := c.Param("sessionId")
	for _, r := range h.scanner.Readers() {
		mappings, err := r.GetAgentMappings(sessionID, projectID)
		if err != nil {
			h.fail(c, err)
			return
		}
		if len(mappings) > 0 {
			c.JSON(http.StatusOK, gin.H{"agents": mappings})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"agents": []session.AgentMapping{}})
}

func (h *Handler) getAgentSession(c *gin.Context) {
	projectID := c.Param("projectId")
	agentID := c.Param("agentId")
	for _, r := range h.scanner.Readers() {
		sess, err := r.GetAgentSession(agentID, projectID)
		if err != nil {
			h.fail(c, err)
			return
		}
		if sess != nil {
			c.JSON(http.StatusOK, sess)
			return
		}
	}
	h.fail(c, errors.NotFound("agent session", agentID))
}

// enqueueStart queues a start-session request and returns its queue
// position. The worker resolves it asynchronously; clients watch the
// activity channel or poll the queue.
func (h *Handler) enqueueStart(c *gin.Context) {
	projectID := c.Param("projectId")
	projectPath, ok := session.DecodeProjectID(projectID)
	if !ok {
		h.fail(c, errors.InvalidInput("invalid project id"))
		return
	}

	var body struct {
		SessionID      string `json:"session_id"`
		Family         string `json:"family"`
		Model          string `json:"model"`
		PermissionMode string `json:"permission_mode"`
		Message        string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("invalid request body"))
		return
	}
	mode := adapter.PermissionMode(body.PermissionMode)
	if body.PermissionMode != "" && !mode.Valid() {
		h.fail(c, errors.InvalidInput("unknown permission mode"))
		return
	}

	kind := workerqueue.KindNewSession
	if body.SessionID != "" {
		kind = workerqueue.KindResumeSession
		if existing := h.queue.FindBySessionID(body.SessionID); existing != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":    "session already queued",
				"queue_id": existing.QueueID,
			})
			return
		}
	}

	req, pos := h.queue.Enqueue(&workerqueue.Request{
		Kind:        kind,
		ProjectID:   projectID,
		ProjectPath: projectPath,
		SessionID:   body.SessionID,
		Family:      body.Family,
		Model:       body.Model,
		Mode:        mode,
		Message:     body.Message,
	})
	c.JSON(http.StatusAccepted, gin.H{"queue_id": req.QueueID, "position": pos})
}

func (h *Handler) getQueueInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queue": h.queue.GetQueueInfo(c.Param("projectId"))})
}

func (h *Handler) cancelQueued(c *gin.Context) {
	if !h.queue.Cancel(c.Param("queueId")) {
		h.fail(c, errors.NotFound("queue request", c.Param("queueId")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// requireProcess resolves a live process or fails the request.
func (h *Handler) requireProcess(c *gin.Context) *process.Process {
	id := c.Param("sessionId")
	p := h.supervisor.GetProcessForSession(id)
	if p == nil {
		h.fail(c, errors.NotFound("process", id))
		return nil
	}
	return p
}

func (h *Handler) getProcessState(c *gin.Context) {
	p := h.requireProcess(c)
	if p == nil {
		return
	}
	mode, modeVersion := p.Mode()
	c.JSON(http.StatusOK, gin.H{
		"session_id":      p.SessionID(),
		"project_id":      p.ProjectID(),
		"family":          p.Family(),
		"state":           p.State(),
		"permission_mode": mode,
		"mode_version":    modeVersion,
		"pending_request": p.GetPendingInputRequest(),
		"started_at":      p.StartedAt(),
	})
}

func (h *Handler) queueMessage(c *gin.Context) {
	p := h.requireProcess(c)
	if p == nil {
		return
	}
	var body struct {
		Text        string                `json:"text" binding:"required"`
		Attachments []msgqueue.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("text is required"))
		return
	}
	pos, err := p.QueueMessage(body.Text, body.Attachments)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "position": pos})
}

func (h *Handler) respondToInput(c *gin.Context) {
	p := h.requireProcess(c)
	if p == nil {
		return
	}
	var body struct {
		Outcome string         `json:"outcome" binding:"required"`
		Payload map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("outcome is required"))
		return
	}
	if body.Outcome != "approve" && body.Outcome != "deny" {
		h.fail(c, errors.InvalidInput("outcome must be approve or deny"))
		return
	}
	if !p.RespondToInput(c.Param("requestId"), body.Outcome, body.Payload) {
		h.fail(c, errors.NotFound("input request", c.Param("requestId")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) setPermissionMode(c *gin.Context) {
	p := h.requireProcess(c)
	if p == nil {
		return
	}
	var body struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("mode is required"))
		return
	}
	if err := p.SetPermissionMode(adapter.PermissionMode(body.Mode)); err != nil {
		h.fail(c, err)
		return
	}
	mode, version := p.Mode()
	c.JSON(http.StatusOK, gin.H{"mode": mode, "mode_version": version})
}

func (h *Handler) setHold(c *gin.Context) {
	p := h.requireProcess(c)
	if p == nil {
		return
	}
	var body struct {
		On *bool `json:"on" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.On == nil {
		h.fail(c, errors.InvalidInput("on is required"))
		return
	}
	p.SetHold(*body.On)
	c.JSON(http.StatusOK, gin.H{"state": p.State()})
}

func (h *Handler) abortSession(c *gin.Context) {
	p := h.requireProcess(c)
	if p == nil {
		return
	}
	p.Abort()
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

func (h *Handler) setCredential(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("username and password are required"))
		return
	}

	// A changed credential invalidates every session of the previous
	// username as well as the new one.
	if prev, err := h.creds.Get(); err == nil && prev != nil {
		if _, err := h.sessions.InvalidateUserSessions(prev.Username); err != nil {
			h.fail(c, err)
			return
		}
	}
	cred, err := h.creds.Set(body.Username, body.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	if _, err := h.sessions.InvalidateUserSessions(body.Username); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": cred.Username})
}

func (h *Handler) clearCredential(c *gin.Context) {
	if cred, err := h.creds.Get(); err == nil && cred != nil {
		if _, err := h.sessions.InvalidateUserSessions(cred.Username); err != nil {
			h.fail(c, err)
			return
		}
	}
	if err := h.creds.Clear(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (h *Handler) relayState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled": h.relay.IsEnabled(),
		"state":   h.relay.GetState(),
	})
}

func (h *Handler) updateRelay(c *gin.Context) {
	var body struct {
		URL      *string `json:"url"`
		Username *string `json:"username"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, errors.InvalidInput("invalid request body"))
		return
	}
	if body.URL != nil {
		h.relay.UpdateRelayURL(*body.URL)
	}
	if body.Username != nil {
		h.relay.UpdateUsername(*body.Username)
	}
	c.JSON(http.StatusOK, gin.H{"state": h.relay.GetState()})
}
