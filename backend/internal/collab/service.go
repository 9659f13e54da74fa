package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"flowcollab/backend/internal/broadcast"
	"flowcollab/backend/internal/cache"
	"flowcollab/backend/internal/oplog"
	"flowcollab/backend/internal/ot"
	"flowcollab/backend/internal/ot/flowop"
	"flowcollab/backend/internal/session"
)

const (
	DefaultActivityWindow    = 60 * time.Second
	DefaultPresenceTTL       = 5 * time.Minute
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultDisposeGrace      = 30 * time.Second
	DefaultApplyTimeout      = 5 * time.Second
	DefaultPresenceTimeout   = 300 * time.Millisecond
	DefaultOutboundQueue     = 256
	DefaultHistoryLimit      = 50
)

// Service is the collaboration surface used by the websocket layer and the
// HTTP handlers.
type Service interface {
	Join(ctx context.Context, docID, userID string, info session.UserInfo) (SessionView, error)
	Leave(ctx context.Context, docID, userID string) error
	SubmitOperation(ctx context.Context, docID, userID string, op flowop.Operation) (SubmitResult, error)
	UpdateCursor(ctx context.Context, docID, userID string, c session.Cursor) error
	UpdateSelection(ctx context.Context, docID, userID string, sel session.Selection) error
	Heartbeat(ctx context.Context, docID, userID string) error
	GetActiveUsers(ctx context.Context, docID string) ([]session.Presence, error)
	GetHistory(ctx context.Context, docID string, limit int) ([]flowop.Entry, error)
	Resync(ctx context.Context, docID string) (ResyncView, error)
	SaveSnapshot(ctx context.Context, docID string) (uint64, error)
}

// DocumentApplier persists a logged operation into the flow's stored nodes
// and edges.
type DocumentApplier interface {
	ApplyToDocument(ctx context.Context, docID string, op flowop.Operation) error
}

// SnapshotSource loads the current stored state of a flow.
type SnapshotSource interface {
	LoadFlow(ctx context.Context, docID string) (*flowop.Graph, error)
}

// SnapshotStore keeps point-in-time copies of a flow.
type SnapshotStore interface {
	SaveFlowSnapshot(ctx context.Context, docID string, seq uint64, content []byte) error
}

// OpEventSink receives one event per logged entry. KafkaDispatcher is the
// production sink.
type OpEventSink interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

type Options struct {
	MaxLogEntries     int
	ActivityWindow    time.Duration
	PresenceTTL       time.Duration
	InactivityTimeout time.Duration
	// DisposeGrace is how long an empty session survives before it is
	// dropped; zero drops it at once.
	DisposeGrace    time.Duration
	ApplyTimeout    time.Duration
	PresenceTimeout time.Duration
	OutboundQueue   int

	Clock  func() time.Time
	Logger *slog.Logger

	Presence  cache.PresenceCache
	Events    OpEventSink
	Snapshots SnapshotSource
	Archive   SnapshotStore
}

func (o *Options) withDefaults() {
	if o.MaxLogEntries <= 0 {
		o.MaxLogEntries = oplog.DefaultMaxEntries
	}
	if o.ActivityWindow <= 0 {
		o.ActivityWindow = DefaultActivityWindow
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = DefaultPresenceTTL
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = DefaultInactivityTimeout
	}
	if o.DisposeGrace < 0 {
		o.DisposeGrace = 0
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = DefaultApplyTimeout
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = DefaultPresenceTimeout
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = DefaultOutboundQueue
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// SessionView is what a joining user gets back.
type SessionView struct {
	DocumentID string             `json:"documentId"`
	Users      []session.Presence `json:"users"`
	Sequence   uint64             `json:"sequence"`
}

type SubmitResult struct {
	Sequence       uint64           `json:"sequence"`
	WasTransformed bool             `json:"wasTransformed"`
	// Noop is set when the operation was transformed away; it still took a
	// sequence.
	Noop      bool             `json:"noop"`
	Operation flowop.Operation `json:"operation"`
	// ApplyErr reports a store failure. The operation stays logged and
	// broadcast either way.
	ApplyErr error `json:"-"`
}

// ResyncView is a stored flow together with the sequence it reflects.
type ResyncView struct {
	DocumentID string        `json:"documentId"`
	Graph      *flowop.Graph `json:"graph"`
	Sequence   uint64        `json:"sequence"`
}

// OperationNotice is the payload of an operation event.
type OperationNotice struct {
	flowop.Entry
	WasTransformed bool `json:"wasTransformed"`
}

// LeaveNotice is the payload of a user_left event.
type LeaveNotice struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

const (
	leaveReasonLeft    = "left"
	leaveReasonExpired = "presence_expired"
)

// Engine runs one actor per active flow. Commands against the same flow are
// serialized; different flows proceed in parallel.
type Engine struct {
	opt      Options
	applier  DocumentApplier
	bc       *broadcast.Broadcaster
	presence cache.PresenceCache
	logger   *slog.Logger

	mu     sync.Mutex
	actors map[string]*docActor
	closed bool

	disposeSeq atomic.Uint64
	loads      singleflight.Group
}

var _ Service = (*Engine)(nil)

func NewEngine(applier DocumentApplier, bc *broadcast.Broadcaster, opt Options) *Engine {
	opt.withDefaults()
	return &Engine{
		opt:      opt,
		applier:  applier,
		bc:       bc,
		presence: opt.Presence,
		logger:   opt.Logger.With("component", "collab"),
		actors:   make(map[string]*docActor),
	}
}

func (e *Engine) now() time.Time { return e.opt.Clock() }

// ActiveSessions reports how many flows currently have a session.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

func (e *Engine) Join(ctx context.Context, docID, userID string, info session.UserInfo) (SessionView, error) {
	if docID == "" || userID == "" {
		return SessionView{}, ErrInvalidArgument
	}
	var view SessionView
	_, err := e.exec(ctx, docID, true, func(st *docState) {
		now := e.now()
		p := e.join(st, userID, info, now)
		view = SessionView{
			DocumentID: docID,
			Users:      st.session.Users(now, e.opt.ActivityWindow),
			Sequence:   st.log.Head(),
		}
		e.logger.Info("user joined", "doc", docID, "user", userID, "members", st.session.Len(), "color", p.Color)
	})
	return view, err
}

// join adds userID to the session and announces it. Rejoining replaces the
// previous presence.
func (e *Engine) join(st *docState, userID string, info session.UserInfo, now time.Time) session.Presence {
	st.cancelDispose()
	p := st.session.Join(userID, info, now)
	evt := e.event(broadcast.EventUserJoined, st.docID, userID, p, now).Excluding(userID)
	docID := st.docID
	st.enqueue(func() {
		e.publish(evt)
		e.withPresence(docID, "add member", func(ctx context.Context, pc cache.PresenceCache) error {
			return pc.AddMember(ctx, docID, userID, p.DisplayName, e.opt.PresenceTTL)
		})
	})
	return p
}

func (e *Engine) Leave(ctx context.Context, docID, userID string) error {
	if docID == "" || userID == "" {
		return ErrInvalidArgument
	}
	_, err := e.exec(ctx, docID, false, func(st *docState) {
		now := e.now()
		if !st.session.Leave(userID, now) {
			return
		}
		e.announceLeave(st, userID, leaveReasonLeft, now)
		e.logger.Info("user left", "doc", docID, "user", userID, "members", st.session.Len())
		if st.session.Len() == 0 {
			e.scheduleDispose(st)
		}
	})
	return err
}

func (e *Engine) announceLeave(st *docState, userID, reason string, now time.Time) {
	evt := e.event(broadcast.EventUserLeft, st.docID, userID, LeaveNotice{UserID: userID, Reason: reason}, now).Excluding(userID)
	docID := st.docID
	st.enqueue(func() {
		e.publish(evt)
		e.withPresence(docID, "remove member", func(ctx context.Context, pc cache.PresenceCache) error {
			return pc.RemoveMember(ctx, docID, userID)
		})
	})
}

// SubmitOperation rebases op against everything logged after its base
// sequence, logs it under the next sequence and broadcasts it to the other
// members. When ctx carries a connection id (WithConnID), only that
// connection is skipped, so the author's other connections stay in sync. The caller is joined implicitly when absent. It then waits for
// the store to apply the operation; that failure comes back in ApplyErr and
// does not undo the sequence.
func (e *Engine) SubmitOperation(ctx context.Context, docID, userID string, op flowop.Operation) (SubmitResult, error) {
	if docID == "" || userID == "" {
		return SubmitResult{}, ErrInvalidArgument
	}
	op.AuthorID = userID
	if err := op.Validate(); err != nil {
		return SubmitResult{}, err
	}
	connID := ConnIDFrom(ctx)

	var (
		res     SubmitResult
		opErr   error
		applied chan error
	)
	_, err := e.exec(ctx, docID, true, func(st *docState) {
		now := e.now()
		if !st.session.Has(userID) {
			e.join(st, userID, session.UserInfo{}, now)
		}
		concurrent, err := st.log.ConcurrentSince(op.BaseSequence)
		if err != nil {
			opErr = err
			return
		}
		rebased, changed := ot.Rebase(op, concurrent)
		entry, err := st.log.Append(userID, rebased, now)
		if err != nil {
			if errors.Is(err, oplog.ErrSequenceCollision) {
				e.resetSession(st, err, now)
				opErr = fmt.Errorf("%w: %v", ErrSessionReset, err)
				return
			}
			opErr = err
			return
		}
		st.session.Touch(userID, now)

		res = SubmitResult{
			Sequence:       entry.Sequence,
			WasTransformed: changed,
			Noop:           entry.Operation.IsNoop(),
			Operation:      entry.Operation,
		}
		if changed {
			e.logger.Debug("operation transformed",
				"doc", docID, "user", userID, "seq", entry.Sequence, "base", op.BaseSequence,
				"from", op.Type, "to", entry.Operation.Type, "concurrent", len(concurrent))
		}

		evt := e.event(broadcast.EventOperation, docID, userID, OperationNotice{Entry: entry, WasTransformed: changed}, now).Excluding(userID)
		if connID != "" {
			evt = evt.ExcludingConn(connID)
		}
		done := make(chan error, 1)
		applied = done
		st.enqueue(func() {
			e.publish(evt)
			e.emitOpEvent(docID, op.BaseSequence, entry, changed)
			done <- e.apply(docID, entry)
		})
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if opErr != nil {
		return SubmitResult{}, opErr
	}

	select {
	case err := <-applied:
		res.ApplyErr = err
	case <-ctx.Done():
		res.ApplyErr = &ApplyError{DocumentID: docID, Sequence: res.Sequence, Err: ctx.Err()}
	}
	return res, nil
}

// resetSession discards the log after an integrity failure. Members keep
// their presence but must reload the flow.
func (e *Engine) resetSession(st *docState, cause error, now time.Time) {
	e.logger.Error("operation log corrupted, session reset", "doc", st.docID, "head", st.log.Head(), "err", cause)
	st.log.Reset()
	evt := e.event(broadcast.EventSessionReset, st.docID, "", nil, now)
	st.enqueue(func() { e.publish(evt) })
}

func (e *Engine) apply(docID string, entry flowop.Entry) error {
	if e.applier == nil || entry.Operation.IsNoop() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.ApplyTimeout)
	defer cancel()
	if err := e.applier.ApplyToDocument(ctx, docID, entry.Operation); err != nil {
		e.logger.Warn("apply to document failed",
			"doc", docID, "seq", entry.Sequence, "type", entry.Operation.Type, "target", entry.Operation.TargetID, "err", err)
		return &ApplyError{DocumentID: docID, Sequence: entry.Sequence, Err: err}
	}
	return nil
}

func (e *Engine) emitOpEvent(docID string, base uint64, entry flowop.Entry, transformed bool) {
	if e.opt.Events == nil {
		return
	}
	evt := DocOpEvent{
		EventType:    EventTypeOpApplied,
		DocID:        docID,
		OperationID:  uuid.Must(uuid.NewV7()).String(),
		Sequence:     entry.Sequence,
		AuthorID:     entry.AuthorID,
		BaseSequence: base,
		Transformed:  transformed,
		Operation:    entry.Operation,
		AppliedAt:    entry.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.PresenceTimeout)
	defer cancel()
	if err := e.opt.Events.Enqueue(ctx, evt); err != nil {
		e.logger.Warn("drop operation event", "doc", docID, "seq", entry.Sequence, "err", err)
	}
}

func (e *Engine) UpdateCursor(ctx context.Context, docID, userID string, c session.Cursor) error {
	return e.updatePresence(ctx, docID, userID, func(st *docState, now time.Time) bool {
		p, ok := st.session.UpdateCursor(userID, c, now)
		if !ok {
			return false
		}
		evt := e.event(broadcast.EventCursorUpdate, docID, userID, p, now).Excluding(userID)
		st.enqueue(func() {
			e.publish(evt)
			e.withPresence(docID, "set cursor", func(ctx context.Context, pc cache.PresenceCache) error {
				b, err := json.Marshal(c)
				if err != nil {
					return err
				}
				return pc.SetCursor(ctx, docID, userID, b, e.opt.PresenceTTL)
			})
		})
		return true
	})
}

func (e *Engine) UpdateSelection(ctx context.Context, docID, userID string, sel session.Selection) error {
	return e.updatePresence(ctx, docID, userID, func(st *docState, now time.Time) bool {
		p, ok := st.session.UpdateSelection(userID, sel, now)
		if !ok {
			return false
		}
		evt := e.event(broadcast.EventSelectionUpdate, docID, userID, p, now).Excluding(userID)
		st.enqueue(func() {
			e.publish(evt)
			e.withPresence(docID, "set selection", func(ctx context.Context, pc cache.PresenceCache) error {
				b, err := json.Marshal(sel)
				if err != nil {
					return err
				}
				return pc.SetSelection(ctx, docID, userID, b, e.opt.PresenceTTL)
			})
		})
		return true
	})
}

// Heartbeat refreshes a member's liveness without changing its presence.
func (e *Engine) Heartbeat(ctx context.Context, docID, userID string) error {
	return e.updatePresence(ctx, docID, userID, func(st *docState, now time.Time) bool {
		if !st.session.Touch(userID, now) {
			return false
		}
		p, _ := st.session.Get(userID)
		st.enqueue(func() {
			e.withPresence(docID, "refresh member", func(ctx context.Context, pc cache.PresenceCache) error {
				return pc.AddMember(ctx, docID, userID, p.DisplayName, e.opt.PresenceTTL)
			})
		})
		return true
	})
}

func (e *Engine) updatePresence(ctx context.Context, docID, userID string, fn func(st *docState, now time.Time) bool) error {
	if docID == "" || userID == "" {
		return ErrInvalidArgument
	}
	joined := false
	_, err := e.exec(ctx, docID, false, func(st *docState) {
		joined = fn(st, e.now())
	})
	if err != nil {
		return err
	}
	if !joined {
		return ErrNotJoined
	}
	return nil
}

// GetActiveUsers lists the members of a flow; a flow without a session has
// none.
func (e *Engine) GetActiveUsers(ctx context.Context, docID string) ([]session.Presence, error) {
	if docID == "" {
		return nil, ErrInvalidArgument
	}
	users := []session.Presence{}
	_, err := e.exec(ctx, docID, false, func(st *docState) {
		users = st.session.Users(e.now(), e.opt.ActivityWindow)
	})
	return users, err
}

// GetHistory returns up to limit of the most recent logged entries in
// ascending sequence order.
func (e *Engine) GetHistory(ctx context.Context, docID string, limit int) ([]flowop.Entry, error) {
	if docID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	history := []flowop.Entry{}
	_, err := e.exec(ctx, docID, false, func(st *docState) {
		history = st.log.History(limit)
	})
	return history, err
}

type loadResult struct {
	view ResyncView
	err  error
}

// Resync loads the stored flow so a desynchronized client can start over
// from a consistent base. The load runs behind every operation already
// queued for the store, so the returned sequence matches the graph.
// Concurrent calls for one flow share a single load.
func (e *Engine) Resync(ctx context.Context, docID string) (ResyncView, error) {
	if docID == "" {
		return ResyncView{}, ErrInvalidArgument
	}
	if e.opt.Snapshots == nil {
		return ResyncView{}, ErrNoSnapshotSrc
	}
	v, err, _ := e.loads.Do(docID, func() (any, error) {
		return e.load(ctx, docID)
	})
	if err != nil {
		return ResyncView{}, err
	}
	return v.(ResyncView), nil
}

func (e *Engine) load(ctx context.Context, docID string) (ResyncView, error) {
	var wait chan loadResult
	_, err := e.exec(ctx, docID, true, func(st *docState) {
		head := st.log.Head()
		if st.session.Len() == 0 && st.disposeTimer == nil {
			e.scheduleDispose(st)
		}
		w := make(chan loadResult, 1)
		wait = w
		st.enqueue(func() {
			lctx, cancel := context.WithTimeout(context.Background(), e.opt.ApplyTimeout)
			defer cancel()
			g, err := e.opt.Snapshots.LoadFlow(lctx, docID)
			w <- loadResult{view: ResyncView{DocumentID: docID, Graph: g, Sequence: head}, err: err}
		})
	})
	if err != nil {
		return ResyncView{}, err
	}
	select {
	case r := <-wait:
		if r.err != nil {
			e.logger.Warn("load flow failed", "doc", docID, "err", r.err)
		}
		return r.view, r.err
	case <-ctx.Done():
		return ResyncView{}, ctx.Err()
	}
}

// SaveSnapshot archives the stored flow under the current head sequence.
func (e *Engine) SaveSnapshot(ctx context.Context, docID string) (uint64, error) {
	if e.opt.Archive == nil {
		return 0, ErrNoSnapshotSrc
	}
	view, err := e.Resync(ctx, docID)
	if err != nil {
		return 0, err
	}
	body, err := json.Marshal(view.Graph)
	if err != nil {
		return 0, err
	}
	if err := e.opt.Archive.SaveFlowSnapshot(ctx, docID, view.Sequence, body); err != nil {
		return 0, err
	}
	e.logger.Info("flow snapshot saved", "doc", docID, "seq", view.Sequence, "bytes", len(body))
	return view.Sequence, nil
}

// SweepStats summarizes one cleanup pass.
type SweepStats struct {
	Sessions     int
	Evicted      int
	ExpiredUsers int
	Trimmed      int
}

// Sweep expires stale presence, trims every log and evicts idle sessions.
func (e *Engine) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	for _, a := range e.liveActors() {
		_, err := e.send(ctx, a, func(st *docState) {
			now := e.now()
			stats.Sessions++

			expired := st.session.ExpireStale(now, e.opt.PresenceTTL)
			for _, uid := range expired {
				e.announceLeave(st, uid, leaveReasonExpired, now)
			}
			stats.ExpiredUsers += len(expired)
			stats.Trimmed += st.log.Trim()

			if st.session.Idle(now, e.opt.InactivityTimeout) {
				evt := e.event(broadcast.EventSessionTimeout, st.docID, "", nil, now)
				st.enqueue(func() { e.publish(evt) })
				e.dispose(st, "inactive")
				stats.Evicted++
				return
			}
			if len(expired) > 0 && st.session.Len() == 0 {
				e.scheduleDispose(st)
			}
		})
		if err != nil {
			break
		}
	}
	return stats
}

// Shutdown tells every member the service is going away, stops all sessions
// and waits until queued broadcasts and store writes are done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	actors := e.liveActors()
	for _, a := range actors {
		_, err := e.send(ctx, a, func(st *docState) {
			evt := e.event(broadcast.EventServiceShutdown, st.docID, "", nil, e.now())
			st.enqueue(func() { e.publish(evt) })
			st.cancelDispose()
			st.stop = true
		})
		if err != nil {
			return err
		}
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.logger.Info("collab engine stopped", "sessions", len(actors))
	return nil
}

func (e *Engine) event(t broadcast.EventType, docID, userID string, payload any, now time.Time) broadcast.Event {
	evt, err := broadcast.NewEvent(t, docID, userID, payload, now)
	if err != nil {
		e.logger.Error("encode event payload failed", "doc", docID, "type", t, "err", err)
		return broadcast.Event{Type: t, DocumentID: docID, UserID: userID, Timestamp: now}
	}
	return evt
}

func (e *Engine) publish(evt broadcast.Event) {
	if e.bc == nil {
		return
	}
	// failures are logged by the broadcaster and never fail the caller
	_ = e.bc.Publish(context.Background(), evt)
}

func (e *Engine) withPresence(docID, what string, fn func(ctx context.Context, pc cache.PresenceCache) error) {
	if e.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.PresenceTimeout)
	defer cancel()
	if err := fn(ctx, e.presence); err != nil {
		e.logger.Warn("presence record update failed", "doc", docID, "op", what, "err", err)
	}
}
