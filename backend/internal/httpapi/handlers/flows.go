package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"flowcollab/backend/internal/cache"
	"flowcollab/backend/internal/collab"
)

// SnapshotReader reads the newest archived copy of a flow.
type SnapshotReader interface {
	LatestFlowSnapshot(ctx context.Context, flowID string) (uint64, []byte, error)
}

// FlowHandler serves read-mostly inspection endpoints next to the websocket.
// presence and snapshots are optional.
type FlowHandler struct {
	svc       collab.Service
	presence  cache.PresenceCache
	snapshots SnapshotReader
}

func NewFlowHandler(svc collab.Service, presence cache.PresenceCache, snapshots SnapshotReader) *FlowHandler {
	return &FlowHandler{svc: svc, presence: presence, snapshots: snapshots}
}

// Register mounts the routes on g.
func (h *FlowHandler) Register(g *gin.RouterGroup) {
	g.GET("/flows", h.ListFlows)
	g.GET("/flows/:flowId/users", h.ActiveUsers)
	g.GET("/flows/:flowId/history", h.History)
	g.GET("/flows/:flowId/presence", h.Presence)
	g.GET("/flows/:flowId/snapshot", h.LatestSnapshot)
	g.POST("/flows/:flowId/snapshot", h.SaveSnapshot)
}

func (h *FlowHandler) ActiveUsers(c *gin.Context) {
	flowID := c.Param("flowId")
	users, err := h.svc.GetActiveUsers(c.Request.Context(), flowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flowId": flowID, "users": users})
}

func (h *FlowHandler) History(c *gin.Context) {
	flowID := c.Param("flowId")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.svc.GetHistory(c.Request.Context(), flowID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flowId": flowID, "entries": entries})
}

// ListFlows returns the flows that have members in the distributed presence
// record, across every instance.
func (h *FlowHandler) ListFlows(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": "presence record not configured"})
		return
	}
	flows, err := h.presence.GetDocuments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if flows == nil {
		flows = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

type presenceView struct {
	cache.PresenceMember
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// Presence lists the live members of a flow from the distributed record,
// with their last known cursor.
func (h *FlowHandler) Presence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": "presence record not configured"})
		return
	}
	ctx := c.Request.Context()
	flowID := c.Param("flowId")
	members, err := h.presence.GetAliveMembersWithNames(ctx, flowID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]presenceView, 0, len(members))
	for _, m := range members {
		v := presenceView{PresenceMember: m}
		// a missing cursor only means the member has not moved yet
		if cur, err := h.presence.GetCursor(ctx, flowID, m.UserID); err == nil && json.Valid(cur) {
			v.Cursor = cur
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"flowId": flowID, "members": out})
}

func (h *FlowHandler) LatestSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "UNAVAILABLE", "message": "snapshot store not configured"})
		return
	}
	flowID := c.Param("flowId")
	seq, content, err := h.snapshots.LatestFlowSnapshot(c.Request.Context(), flowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "no snapshot for flow " + flowID})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flowId": flowID, "sequence": seq, "graph": json.RawMessage(content)})
}

func (h *FlowHandler) SaveSnapshot(c *gin.Context) {
	flowID := c.Param("flowId")
	seq, err := h.svc.SaveSnapshot(c.Request.Context(), flowID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flowId": flowID, "sequence": seq})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, collab.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, collab.ErrNoSnapshotSrc):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, collab.ErrShuttingDown):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
