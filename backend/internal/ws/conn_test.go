package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"flowcollab/backend/internal/broadcast"
	"flowcollab/backend/internal/collab"
	"flowcollab/backend/internal/oplog"
	"flowcollab/backend/internal/ot/flowop"
	"flowcollab/backend/internal/session"
	"flowcollab/backend/internal/store"
)

type fixture struct {
	hub    *Hub
	engine *collab.Engine
	opt    ManagerOptions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bc := broadcast.New(nil, broadcast.Options{Origin: "test"})
	hub := NewHub()
	detach := hub.Attach(bc)
	flows := store.NewMemoryFlowStore()
	engine := collab.NewEngine(flows, bc, collab.Options{
		Snapshots: flows,
		Archive:   store.NewMemorySnapshotStore(),
	})
	t.Cleanup(func() {
		_ = engine.Shutdown(context.Background())
		detach()
	})
	opt := ManagerOptions{}
	opt.withDefaults()
	return &fixture{hub: hub, engine: engine, opt: opt}
}

func (f *fixture) conn(userID string) *Conn {
	return newConn(nil, f.hub, f.engine, collab.NewSemaphoreControl(4), userID, session.UserInfo{DisplayName: userID}, f.opt)
}

func mustHandle(t *testing.T, c *Conn, msg ClientMessage) ServerMessage {
	t.Helper()
	reply, ok := c.handle(context.Background(), msg)
	if !ok {
		t.Fatalf("handle(%s) sent no reply", msg.Type)
	}
	return reply
}

// drain returns the queued messages of c without blocking.
func drain(c *Conn) []ServerMessage {
	var out []ServerMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestConn_JoinSubmitLeave(t *testing.T) {
	f := newFixture(t)
	alice := f.conn("alice")

	joined := mustHandle(t, alice, ClientMessage{Type: MsgJoin, RequestID: "r1", FlowID: "flow-1"})
	if joined.Type != MsgJoined || joined.RequestID != "r1" || joined.FlowID != "flow-1" {
		t.Fatalf("join reply = %+v", joined)
	}
	if f.hub.Members("flow-1") != 1 {
		t.Fatalf("Members() = %d, want 1", f.hub.Members("flow-1"))
	}

	op := flowop.Operation{Type: flowop.KindAddNode, TargetID: "n1", Payload: flowop.Payload{"label": "A"}}
	ack := mustHandle(t, alice, ClientMessage{Type: MsgOpSubmit, RequestID: "r2", Operation: &op})
	if ack.Type != MsgOpAck || ack.Sequence != 1 {
		t.Fatalf("submit reply = %+v", ack)
	}
	var body OpAck
	if err := json.Unmarshal(ack.Payload, &body); err != nil || body.Sequence != 1 || body.ApplyError != "" {
		t.Fatalf("op ack = %+v, %v", body, err)
	}

	history := mustHandle(t, alice, ClientMessage{Type: MsgGetHistory})
	var entries []flowop.Entry
	if err := json.Unmarshal(history.Payload, &entries); err != nil || len(entries) != 1 {
		t.Fatalf("history = %s, %v", history.Payload, err)
	}

	left := mustHandle(t, alice, ClientMessage{Type: MsgLeave})
	if left.Type != MsgLeft || f.hub.Members("flow-1") != 0 {
		t.Fatalf("leave reply = %+v, members = %d", left, f.hub.Members("flow-1"))
	}
	users, _ := f.engine.GetActiveUsers(context.Background(), "flow-1")
	if len(users) != 0 {
		t.Fatalf("GetActiveUsers() after leave = %+v", users)
	}
}

func TestConn_PeersReceiveEvents(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.conn("alice"), f.conn("bob")
	mustHandle(t, alice, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})
	mustHandle(t, bob, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})

	op := flowop.Operation{Type: flowop.KindAddNode, TargetID: "n1"}
	mustHandle(t, alice, ClientMessage{Type: MsgOpSubmit, Operation: &op})

	var gotOp bool
	for _, m := range drain(bob) {
		if m.Type == string(broadcast.EventOperation) {
			gotOp = true
			if m.UserID != "alice" || m.FlowID != "flow-1" {
				t.Fatalf("operation event = %+v", m)
			}
		}
	}
	if !gotOp {
		t.Fatal("bob did not receive the operation")
	}
	for _, m := range drain(alice) {
		if m.Type == string(broadcast.EventOperation) {
			t.Fatalf("author received its own operation: %+v", m)
		}
	}
}

func TestConn_CursorRepliesOnlyOnError(t *testing.T) {
	f := newFixture(t)
	alice := f.conn("alice")

	reply, ok := alice.handle(context.Background(), ClientMessage{Type: MsgCursorUpdate, FlowID: "flow-1", Cursor: &session.Cursor{X: 1}})
	if !ok || reply.Error == nil || reply.Error.Code != "NOT_JOINED" {
		t.Fatalf("cursor before join = %+v, %v", reply, ok)
	}

	mustHandle(t, alice, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})
	if _, ok := alice.handle(context.Background(), ClientMessage{Type: MsgCursorUpdate, Cursor: &session.Cursor{X: 1}}); ok {
		t.Fatal("cursor update sent a reply")
	}
	if _, ok := alice.handle(context.Background(), ClientMessage{Type: MsgSelectionUpdate, Selection: &session.Selection{NodeIDs: []string{"n1"}}}); ok {
		t.Fatal("selection update sent a reply")
	}
}

func TestConn_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	alice := f.conn("alice")

	tests := []struct {
		name string
		msg  ClientMessage
		code string
	}{
		{name: "no flow", msg: ClientMessage{Type: MsgJoin}, code: "INVALID_ARGUMENT"},
		{name: "no operation", msg: ClientMessage{Type: MsgOpSubmit, FlowID: "flow-1"}, code: "INVALID_ARGUMENT"},
		{name: "no cursor", msg: ClientMessage{Type: MsgCursorUpdate, FlowID: "flow-1"}, code: "INVALID_ARGUMENT"},
		{name: "unknown type", msg: ClientMessage{Type: "dance", FlowID: "flow-1"}, code: "INVALID_ARGUMENT"},
		{
			name: "invalid operation",
			msg:  ClientMessage{Type: MsgOpSubmit, FlowID: "flow-1", Operation: &flowop.Operation{Type: flowop.KindAddEdge, TargetID: "e1"}},
			code: "INVALID_ARGUMENT",
		},
		{
			name: "future base",
			msg:  ClientMessage{Type: MsgOpSubmit, FlowID: "flow-1", Operation: &flowop.Operation{Type: flowop.KindAddNode, TargetID: "n1", BaseSequence: 7}},
			code: "FUTURE_SEQUENCE",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := mustHandle(t, alice, tt.msg)
			if reply.Type != MsgError || reply.Error == nil || reply.Error.Code != tt.code {
				t.Fatalf("reply = %+v, want %s", reply, tt.code)
			}
		})
	}
}

func TestConn_SecondTabKeepsMembership(t *testing.T) {
	f := newFixture(t)
	tab1, tab2 := f.conn("alice"), f.conn("alice")
	mustHandle(t, tab1, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})
	mustHandle(t, tab2, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})

	tab1.release()
	users, _ := f.engine.GetActiveUsers(context.Background(), "flow-1")
	if len(users) != 1 {
		t.Fatalf("GetActiveUsers() after closing one tab = %+v", users)
	}
	tab2.release()
	users, _ = f.engine.GetActiveUsers(context.Background(), "flow-1")
	if len(users) != 0 {
		t.Fatalf("GetActiveUsers() after closing both tabs = %+v", users)
	}
}

func TestConn_SecondTabReceivesOwnOperations(t *testing.T) {
	f := newFixture(t)
	tab1, tab2, bob := f.conn("alice"), f.conn("alice"), f.conn("bob")
	for _, c := range []*Conn{tab1, tab2, bob} {
		mustHandle(t, c, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})
	}
	drain(tab1)
	drain(tab2)
	drain(bob)

	op := flowop.Operation{Type: flowop.KindAddNode, TargetID: "n1"}
	mustHandle(t, tab1, ClientMessage{Type: MsgOpSubmit, Operation: &op})

	countOps := func(c *Conn) int {
		n := 0
		for _, m := range drain(c) {
			if m.Type == string(broadcast.EventOperation) {
				n++
			}
		}
		return n
	}
	if got := countOps(tab2); got != 1 {
		t.Fatalf("second tab got %d operation events, want 1", got)
	}
	if got := countOps(bob); got != 1 {
		t.Fatalf("bob got %d operation events, want 1", got)
	}
	if got := countOps(tab1); got != 0 {
		t.Fatalf("submitting tab got %d operation events, want 0", got)
	}
}

func TestConn_SwitchingFlowsLeavesPrevious(t *testing.T) {
	f := newFixture(t)
	alice := f.conn("alice")
	mustHandle(t, alice, ClientMessage{Type: MsgJoin, FlowID: "flow-1"})
	mustHandle(t, alice, ClientMessage{Type: MsgJoin, FlowID: "flow-2"})

	if f.hub.Members("flow-1") != 0 || f.hub.Members("flow-2") != 1 {
		t.Fatalf("members = %d/%d", f.hub.Members("flow-1"), f.hub.Members("flow-2"))
	}
	users, _ := f.engine.GetActiveUsers(context.Background(), "flow-1")
	if len(users) != 0 {
		t.Fatalf("still in flow-1: %+v", users)
	}
}

func TestConn_EnqueueAfterClose(t *testing.T) {
	f := newFixture(t)
	c := f.conn("alice")
	c.close()
	c.Enqueue(ServerMessage{Type: MsgHeartbeatAck})
	if got := len(c.send); got != 0 {
		t.Fatalf("queued %d messages after close", got)
	}
}

func TestConn_EnqueueDropsWhenFull(t *testing.T) {
	f := newFixture(t)
	f.opt.SendBuffer = 2
	c := f.conn("alice")
	for i := 0; i < 5; i++ {
		c.Enqueue(ServerMessage{Type: MsgHeartbeatAck, Sequence: uint64(i)})
	}
	if got := len(c.send); got != 2 {
		t.Fatalf("queued %d messages, want 2", got)
	}
}

func TestHub_DeliverSkipsExcludedUser(t *testing.T) {
	hub := NewHub()
	opt := ManagerOptions{}
	opt.withDefaults()
	alice := newConn(nil, hub, nil, nil, "alice", session.UserInfo{}, opt)
	bob := newConn(nil, hub, nil, nil, "bob", session.UserInfo{}, opt)
	other := newConn(nil, hub, nil, nil, "carol", session.UserInfo{}, opt)
	hub.Join("flow-1", alice)
	hub.Join("flow-1", bob)
	hub.Join("flow-2", other)

	evt, err := broadcast.NewEvent(broadcast.EventCursorUpdate, "flow-1", "alice", map[string]int{"x": 1}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	hub.Deliver(evt.Excluding("alice"))

	if len(alice.send) != 0 || len(bob.send) != 1 || len(other.send) != 0 {
		t.Fatalf("queued alice=%d bob=%d carol=%d", len(alice.send), len(bob.send), len(other.send))
	}
	if m := <-bob.send; m.Type != string(broadcast.EventCursorUpdate) || string(m.Payload) != `{"x":1}` {
		t.Fatalf("delivered = %+v", m)
	}
	if !hub.HasUser("flow-1", "bob") || hub.HasUser("flow-2", "bob") {
		t.Fatal("HasUser() mismatch")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", oplog.ErrDesync), "RESYNC_REQUIRED"},
		{oplog.ErrFutureSequence, "FUTURE_SEQUENCE"},
		{collab.ErrSessionReset, "SESSION_RESET"},
		{collab.ErrInvalidArgument, "INVALID_ARGUMENT"},
		{flowop.ErrInvalidOperation, "INVALID_ARGUMENT"},
		{collab.ErrNotJoined, "NOT_JOINED"},
		{&collab.ApplyError{Err: &flowop.TargetNotFoundError{Kind: "node", ID: "n1"}}, "NOT_FOUND"},
		{collab.ErrShuttingDown, "SHUTTING_DOWN"},
		{collab.ErrNoSnapshotSrc, "UNAVAILABLE"},
		{collab.ErrAcquireTimeout, "BUSY"},
		{context.DeadlineExceeded, "TIMEOUT"},
		{errors.New("boom"), "INTERNAL"},
	}
	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Fatalf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
