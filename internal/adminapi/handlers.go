// Package adminapi exposes a strictly read-only HTTP introspection
// surface for human operators: channel status, registry discovery,
// work queue depth, and the dead-letter queue. It never mutates
// broker state and is deliberately separate from the agent-facing
// tool surface.
package adminapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/apperr"
	"github.com/agentmesh/agentmesh/internal/channel"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/pagination"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/workqueue"
)

// Deps bundles the read paths the admin surface calls into.
type Deps struct {
	Registry  *registry.Registry
	Channels  *channel.Manager
	WorkQueue *workqueue.Manager
	DLQ       *workqueue.DLQ

	AdminToken       string
	DefaultPageLimit int
	MaxPageLimit     int
}

// Handler holds the dependencies backing every admin route.
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{deps: deps, logger: log.WithFields(zap.String("component", "admin-api"))}
}

func httpStatusFor(code string) int {
	switch code {
	case apperr.CodeInvalidArgument, apperr.CodeInvalidCursor, apperr.CodePaginationFilterMismatch:
		return http.StatusBadRequest
	case apperr.CodeNotFound, apperr.CodeNoWorkAvailable:
		return http.StatusNotFound
	case apperr.CodeNotRegistered:
		return http.StatusUnprocessableEntity
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code := apperr.Code(err)
	message := err.Error()
	if appErr, ok := err.(*apperr.AppError); ok {
		message = appErr.Message
	}
	c.JSON(httpStatusFor(code), gin.H{"error": gin.H{"code": code, "message": message}})
}

// isAdmin reports whether the request carries a valid admin bearer
// token, per Deps.AdminToken. When no token is configured, every
// caller is treated as non-admin (visibility bypass never applies).
func (h *Handler) isAdmin(c *gin.Context) bool {
	if h.deps.AdminToken == "" {
		return false
	}
	return c.GetHeader("Authorization") == "Bearer "+h.deps.AdminToken
}

// ListChannels returns every channel this process knows about.
// GET /channels
func (h *Handler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.deps.Channels.List()})
}

// ChannelStatus returns one channel's stream metadata.
// GET /channels/:name/status
func (h *Handler) ChannelStatus(c *gin.Context) {
	name := c.Param("name")
	status, err := h.deps.Channels.Status(c.Request.Context(), name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListRegistry returns agent presence records, bypassing per-record
// visibility only when the caller presents a valid admin token.
// GET /registry
func (h *Handler) ListRegistry(c *gin.Context) {
	filters := registry.DiscoverFilters{
		AgentType:  c.Query("agent_type"),
		Capability: c.Query("capability"),
		Status:     registry.Status(c.Query("status")),
		Hostname:   c.Query("hostname"),
	}

	limit := h.deps.DefaultPageLimit
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	page, err := pagination.Resolve(c.Query("cursor"), limit, h.deps.DefaultPageLimit, h.deps.MaxPageLimit, filters.FilterMap())
	if err != nil {
		h.writeError(c, err)
		return
	}

	var records []*registry.Record
	var total int
	if h.isAdmin(c) {
		records, total, err = h.deps.Registry.DiscoverAdmin(c.Request.Context(), filters, page)
	} else {
		records, total, err = h.deps.Registry.Discover(c.Request.Context(), filters, page)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	meta := pagination.BuildMeta(page, len(records), filters.FilterMap())
	c.JSON(http.StatusOK, gin.H{"agents": records, "total": total, "page": meta})
}

// WorkQueueStatus returns pending-item depth for one capability.
// GET /workqueue/:capability/status
func (h *Handler) WorkQueueStatus(c *gin.Context) {
	capability := c.Param("capability")
	status, err := h.deps.WorkQueue.Status(c.Request.Context(), capability)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListWorkQueueCapabilities returns every capability this process has
// ever seen a work item offered for.
// GET /workqueue
func (h *Handler) ListWorkQueueCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"capabilities": h.deps.WorkQueue.Capabilities()})
}

// ListDLQ previews dead-lettered work items.
// GET /dlq
func (h *Handler) ListDLQ(c *gin.Context) {
	filters := workqueue.ListDLQFilters{Capability: c.Query("capability")}

	limit := h.deps.DefaultPageLimit
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	offset := 0
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	entries, total, err := h.deps.DLQ.List(c.Request.Context(), filters, offset, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}
