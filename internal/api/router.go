// Package api exposes the HTTP surface. The same handler stack serves
// direct HTTP and requests tunneled over the secure transport.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/outposthq/outpost/internal/auth"
	"github.com/outposthq/outpost/internal/common/errors"
	"github.com/outposthq/outpost/internal/common/logger"
	"github.com/outposthq/outpost/internal/project"
	"github.com/outposthq/outpost/internal/relay"
	"github.com/outposthq/outpost/internal/session"
	"github.com/outposthq/outpost/internal/supervisor"
	"github.com/outposthq/outpost/internal/workerqueue"
)

// Handler bundles the collaborators the HTTP surface talks to.
type Handler struct {
	scanner    *project.Scanner
	index      *session.Index
	metadata   *session.MetadataStore
	supervisor *supervisor.Supervisor
	queue      *workerqueue.Queue
	creds      *auth.CredentialStore
	sessions   *auth.SessionStore
	relay      *relay.Client
	logger     *logger.Logger
}

// Options wires a Handler.
type Options struct {
	Scanner    *project.Scanner
	Index      *session.Index
	Metadata   *session.MetadataStore
	Supervisor *supervisor.Supervisor
	Queue      *workerqueue.Queue
	Creds      *auth.CredentialStore
	Sessions   *auth.SessionStore
	Relay      *relay.Client
	Logger     *logger.Logger
}

// New creates the HTTP handler bundle.
func New(opts Options) *Handler {
	return &Handler{
		scanner:    opts.Scanner,
		index:      opts.Index,
		metadata:   opts.Metadata,
		supervisor: opts.Supervisor,
		queue:      opts.Queue,
		creds:      opts.Creds,
		sessions:   opts.Sessions,
		relay:      opts.Relay,
		logger:     opts.Logger.WithFields(zap.String("component", "api")),
	}
}

// Register mounts all routes on the router group.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")

	api.GET("/projects", h.listProjects)
	api.POST("/projects", h.registerProject)
	api.GET("/projects/:projectId/sessions", h.listSessions)
	api.POST("/projects/:projectId/sessions", h.enqueueStart)
	api.GET("/projects/:projectId/sessions/:sessionId", h.getSession)
	api.PATCH("/projects/:projectId/sessions/:sessionId", h.updateSessionMetadata)
	api.GET("/projects/:projectId/sessions/:sessionId/agents", h.listAgentMappings)
	api.GET("/projects/:projectId/sessions/:sessionId/agents/:agentId", h.getAgentSession)
	api.GET("/projects/:projectId/queue", h.getQueueInfo)
	api.DELETE("/queue/:queueId", h.cancelQueued)

	api.GET("/sessions/:sessionId/state", h.getProcessState)
	api.POST("/sessions/:sessionId/messages", h.queueMessage)
	api.POST("/sessions/:sessionId/input/:requestId", h.respondToInput)
	api.POST("/sessions/:sessionId/permission-mode", h.setPermissionMode)
	api.POST("/sessions/:sessionId/hold", h.setHold)
	api.POST("/sessions/:sessionId/abort", h.abortSession)

	api.POST("/auth/credential", h.setCredential)
	api.DELETE("/auth/credential", h.clearCredential)

	api.GET("/relay/state", h.relayState)
	api.PUT("/relay", h.updateRelay)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// fail writes the error with its taxonomy-derived HTTP status.
func (h *Handler) fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	body := gin.H{"error": err.Error()}
	if e, ok := err.(*errors.AppError); ok {
		body = gin.H{"error": e.Message, "code": e.Code}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
