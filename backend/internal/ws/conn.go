package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"flowcollab/backend/internal/collab"
	"flowcollab/backend/internal/oplog"
	"flowcollab/backend/internal/ot/flowop"
	"flowcollab/backend/internal/session"
)

// Conn is one client connection. A connection is in at most one flow room
// at a time; joining another flow leaves the current one.
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	svc    collab.Service
	sem    *collab.SemaphoreControl
	opt    ManagerOptions
	logger *slog.Logger

	// id tells this connection apart from other connections of the user.
	id     string
	userID string
	info   session.UserInfo

	// flowID is only touched by the read loop.
	flowID string

	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, hub *Hub, svc collab.Service, sem *collab.SemaphoreControl, userID string, info session.UserInfo, opt ManagerOptions) *Conn {
	return &Conn{
		ws:     ws,
		hub:    hub,
		svc:    svc,
		sem:    sem,
		opt:    opt,
		logger: opt.Logger.With("user", userID),
		id:     uuid.NewString(),
		userID: userID,
		info:   info,
		send:   make(chan ServerMessage, opt.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Enqueue queues msg for the write loop. A slow client loses messages
// instead of stalling the sender; it recovers through resync.
func (c *Conn) Enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.logger.Warn("send queue full, drop message", "flow", msg.FlowID, "type", msg.Type)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.release()

	c.ws.SetReadLimit(c.opt.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", "flow", c.flowID, "err", err)
			}
			return
		}
		if reply, ok := c.handle(ctx, msg); ok {
			c.Enqueue(reply)
		}
	}
}

// release leaves the current flow once the client is gone.
func (c *Conn) release() {
	c.close()
	if c.flowID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.RequestTimeout)
	defer cancel()
	c.leaveFlow(ctx)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opt.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "err", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opt.WriteWait))
			return
		}
	}
}

// handle runs one client message and builds the reply, if any.
func (c *Conn) handle(ctx context.Context, msg ClientMessage) (ServerMessage, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opt.RequestTimeout)
	defer cancel()

	flowID := msg.FlowID
	if flowID == "" {
		flowID = c.flowID
	}
	if flowID == "" {
		return c.errorReply(msg, flowID, collab.ErrInvalidArgument, "flowId is required"), true
	}

	switch msg.Type {
	case MsgJoin:
		info := c.info
		if msg.DisplayName != "" {
			info.DisplayName = msg.DisplayName
		}
		if msg.Avatar != "" {
			info.Avatar = msg.Avatar
		}
		c.enterFlow(ctx, flowID)
		view, err := c.svc.Join(ctx, flowID, c.userID, info)
		if err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		c.info = info
		return c.reply(msg, MsgJoined, flowID, view.Sequence, view), true

	case MsgLeave:
		if flowID == c.flowID {
			c.leaveFlow(ctx)
		}
		return c.reply(msg, MsgLeft, flowID, 0, nil), true

	case MsgOpSubmit:
		if msg.Operation == nil {
			return c.errorReply(msg, flowID, collab.ErrInvalidArgument, "operation is required"), true
		}
		return c.submit(ctx, msg, flowID, *msg.Operation), true

	case MsgCursorUpdate:
		if msg.Cursor == nil {
			return c.errorReply(msg, flowID, collab.ErrInvalidArgument, "cursor is required"), true
		}
		if err := c.svc.UpdateCursor(ctx, flowID, c.userID, *msg.Cursor); err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return ServerMessage{}, false

	case MsgSelectionUpdate:
		if msg.Selection == nil {
			return c.errorReply(msg, flowID, collab.ErrInvalidArgument, "selection is required"), true
		}
		if err := c.svc.UpdateSelection(ctx, flowID, c.userID, *msg.Selection); err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return ServerMessage{}, false

	case MsgHeartbeat:
		if err := c.svc.Heartbeat(ctx, flowID, c.userID); err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return c.reply(msg, MsgHeartbeatAck, flowID, 0, nil), true

	case MsgGetActiveUsers:
		users, err := c.svc.GetActiveUsers(ctx, flowID)
		if err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return c.reply(msg, MsgActiveUsers, flowID, 0, users), true

	case MsgGetHistory:
		entries, err := c.svc.GetHistory(ctx, flowID, msg.Limit)
		if err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return c.reply(msg, MsgHistory, flowID, 0, entries), true

	case MsgResync:
		view, err := c.svc.Resync(ctx, flowID)
		if err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return c.reply(msg, MsgResyncState, flowID, view.Sequence, view), true

	case MsgSaveSnapshot:
		seq, err := c.svc.SaveSnapshot(ctx, flowID)
		if err != nil {
			return c.errorReply(msg, flowID, err, ""), true
		}
		return c.reply(msg, MsgSnapshotSaved, flowID, seq, nil), true

	default:
		return c.errorReply(msg, flowID, collab.ErrInvalidArgument, "unknown message type "+msg.Type), true
	}
}

func (c *Conn) submit(ctx context.Context, msg ClientMessage, flowID string, op flowop.Operation) ServerMessage {
	if c.sem != nil {
		semCtx, cancel := context.WithTimeout(ctx, c.opt.AcquireTimeout)
		err := c.sem.Acquire(semCtx)
		cancel()
		if err != nil {
			return c.errorReply(msg, flowID, err, "")
		}
		defer func() { _ = c.sem.Release() }()
	}

	c.enterFlow(ctx, flowID)
	res, err := c.svc.SubmitOperation(collab.WithConnID(ctx, c.id), flowID, c.userID, op)
	if err != nil {
		return c.errorReply(msg, flowID, err, "")
	}
	ack := OpAck{
		Sequence:       res.Sequence,
		WasTransformed: res.WasTransformed,
		Noop:           res.Noop,
		Operation:      res.Operation,
	}
	if res.ApplyErr != nil {
		ack.ApplyError = res.ApplyErr.Error()
	}
	return c.reply(msg, MsgOpAck, flowID, res.Sequence, ack)
}

// enterFlow moves the connection into flowID's room.
func (c *Conn) enterFlow(ctx context.Context, flowID string) {
	if c.flowID == flowID {
		return
	}
	if c.flowID != "" {
		c.leaveFlow(ctx)
	}
	c.hub.Join(flowID, c)
	c.flowID = flowID
}

// leaveFlow leaves the current room. The user stays in the session while
// another of its connections on this instance is still in the room.
func (c *Conn) leaveFlow(ctx context.Context) {
	flowID := c.flowID
	c.flowID = ""
	c.hub.Leave(flowID, c)
	if c.hub.HasUser(flowID, c.userID) {
		return
	}
	if err := c.svc.Leave(ctx, flowID, c.userID); err != nil {
		c.logger.Warn("leave failed", "flow", flowID, "err", err)
	}
}

func (c *Conn) reply(req ClientMessage, typ, flowID string, seq uint64, payload any) ServerMessage {
	msg := ServerMessage{
		Type:      typ,
		RequestID: req.RequestID,
		FlowID:    flowID,
		UserID:    c.userID,
		Sequence:  seq,
		Timestamp: time.Now(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return c.errorReply(req, flowID, err, "")
		}
		msg.Payload = b
	}
	return msg
}

func (c *Conn) errorReply(req ClientMessage, flowID string, err error, detail string) ServerMessage {
	code := ErrorCode(err)
	if detail == "" {
		detail = err.Error()
	}
	if code == "INTERNAL" {
		c.logger.Error("request failed", "flow", flowID, "type", req.Type, "err", err)
	}
	return ServerMessage{
		Type:      MsgError,
		RequestID: req.RequestID,
		FlowID:    flowID,
		UserID:    c.userID,
		Error:     &ErrorBody{Code: code, Message: detail},
		Timestamp: time.Now(),
	}
}

// ErrorCode maps service errors to the codes clients act on.
func ErrorCode(err error) string {
	var notFound *flowop.TargetNotFoundError
	switch {
	case errors.Is(err, oplog.ErrDesync):
		return "RESYNC_REQUIRED"
	case errors.Is(err, collab.ErrSessionReset):
		return "SESSION_RESET"
	case errors.Is(err, oplog.ErrFutureSequence):
		return "FUTURE_SEQUENCE"
	case errors.Is(err, collab.ErrInvalidArgument), errors.Is(err, flowop.ErrInvalidOperation):
		return "INVALID_ARGUMENT"
	case errors.Is(err, collab.ErrNotJoined):
		return "NOT_JOINED"
	case errors.As(err, &notFound):
		return "NOT_FOUND"
	case errors.Is(err, collab.ErrShuttingDown):
		return "SHUTTING_DOWN"
	case errors.Is(err, collab.ErrNoSnapshotSrc):
		return "UNAVAILABLE"
	case errors.Is(err, collab.ErrAcquireTimeout):
		return "BUSY"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}
