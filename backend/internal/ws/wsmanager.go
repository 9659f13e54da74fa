package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"flowcollab/backend/internal/collab"
	"flowcollab/backend/internal/httpapi/middleware"
	"flowcollab/backend/internal/session"
)

// local development origins accepted when none are configured
var defaultOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type ManagerOptions struct {
	// AllowedOrigins are origin prefixes; "*" accepts any origin.
	AllowedOrigins []string
	ReadLimit      int64
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	RequestTimeout time.Duration
	AcquireTimeout time.Duration
	Logger         *slog.Logger
}

func (o *ManagerOptions) withDefaults() {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = defaultOriginPrefixes
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 200 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Manager struct {
	h        *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	opt      ManagerOptions
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, opt ManagerOptions) *Manager {
	opt.withDefaults()
	opt.Logger = opt.Logger.With("component", "ws")
	m := &Manager{h: h, svc: svc, sem: sem, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// some clients send no Origin, or "null"
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect upgrades the request and serves the connection until the
// client goes away. The identity comes from middleware.Identity; a flowId
// query parameter joins that flow right away.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing identity"})
		return
	}
	info := session.UserInfo{
		DisplayName: c.GetString(middleware.DisplayNameKey),
		Avatar:      c.GetString(middleware.AvatarKey),
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.opt.Logger.Warn("websocket upgrade failed", "origin", c.Request.Header.Get("Origin"), "err", err)
		return
	}

	wsConn := newConn(conn, m.h, m.svc, m.sem, userID, info, m.opt)
	// the write loop starts first so queued replies go out right away
	go wsConn.writeLoop()
	wsConn.Enqueue(wsConn.reply(ClientMessage{}, MsgWelcome, "", 0, gin.H{"color": session.ColorFor(userID)}))

	ctx := c.Request.Context()
	if flowID := strings.TrimSpace(c.Query("flowId")); flowID != "" {
		if reply, ok := wsConn.handle(ctx, ClientMessage{Type: MsgJoin, FlowID: flowID}); ok {
			wsConn.Enqueue(reply)
		}
	}
	m.opt.Logger.Debug("websocket connected", "user", userID)
	wsConn.readLoop(ctx)
}
