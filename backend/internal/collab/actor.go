package collab

import (
	"context"
	"time"

	"flowcollab/backend/internal/oplog"
	"flowcollab/backend/internal/session"
)

// docState is everything mutable about one flow. Only its actor goroutine
// touches it.
type docState struct {
	docID   string
	session *session.Session
	log     *oplog.Log

	disposeGen   uint64
	disposeTimer *time.Timer
	// stop ends the actor once the current command returns.
	stop bool

	out chan<- func()
}

// enqueue hands work to the flow's outbound goroutine. Jobs run one at a
// time in enqueue order, after the command that queued them released the
// state, so broadcasts and store writes follow sequence order without
// holding up the next command.
func (st *docState) enqueue(job func()) {
	st.out <- job
}

func (st *docState) cancelDispose() {
	if st.disposeTimer != nil {
		st.disposeTimer.Stop()
		st.disposeTimer = nil
	}
	st.disposeGen = 0
}

// docActor serializes every command against one flow.
type docActor struct {
	docID  string
	inbox  chan func(*docState)
	outbox chan func()
	// quit is closed once the actor stopped accepting commands.
	quit chan struct{}
	// done is closed once every queued outbound job ran.
	done chan struct{}
}

func (e *Engine) startActor(docID string) *docActor {
	a := &docActor{
		docID:  docID,
		inbox:  make(chan func(*docState)),
		outbox: make(chan func(), e.opt.OutboundQueue),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	st := &docState{
		docID:   docID,
		session: session.New(docID, e.now()),
		log:     oplog.New(e.opt.MaxLogEntries),
		out:     a.outbox,
	}
	go a.dispatch()
	go e.run(a, st)
	e.logger.Debug("flow session created", "doc", docID)
	return a
}

func (e *Engine) run(a *docActor, st *docState) {
	defer func() {
		st.cancelDispose()
		e.forget(a)
		close(a.quit)
		close(a.outbox)
	}()
	for fn := range a.inbox {
		fn(st)
		if st.stop {
			return
		}
	}
}

func (a *docActor) dispatch() {
	defer close(a.done)
	for job := range a.outbox {
		job()
	}
}

// forget removes a stopped actor from the registry unless a newer one took
// its place.
func (e *Engine) forget(a *docActor) {
	e.mu.Lock()
	if e.actors[a.docID] == a {
		delete(e.actors, a.docID)
	}
	e.mu.Unlock()
}

// actorFor returns the live actor of a flow, creating it when create is set.
// A nil actor with a nil error means the flow has no session.
func (e *Engine) actorFor(docID string, create bool) (*docActor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	if a := e.actors[docID]; a != nil {
		return a, nil
	}
	if !create {
		return nil, nil
	}
	a := e.startActor(docID)
	e.actors[docID] = a
	return a, nil
}

// exec runs fn inside the flow's actor and waits for it. It reports false
// when the flow has no session and create is not set.
func (e *Engine) exec(ctx context.Context, docID string, create bool, fn func(*docState)) (bool, error) {
	for {
		a, err := e.actorFor(docID, create)
		if err != nil {
			return false, err
		}
		if a == nil {
			return false, nil
		}
		sent, err := e.send(ctx, a, fn)
		if err != nil {
			return false, err
		}
		if sent {
			return true, nil
		}
		// the actor stopped between lookup and send; retry against a new one
	}
}

func (e *Engine) send(ctx context.Context, a *docActor, fn func(*docState)) (bool, error) {
	ran := make(chan struct{})
	select {
	case a.inbox <- func(st *docState) {
		defer close(ran)
		fn(st)
	}:
		<-ran
		return true, nil
	case <-a.quit:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Engine) liveActors() []*docActor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*docActor, 0, len(e.actors))
	for _, a := range e.actors {
		out = append(out, a)
	}
	return out
}

// scheduleDispose stops an empty session after the grace period, unless a
// user joins in the meantime.
func (e *Engine) scheduleDispose(st *docState) {
	st.cancelDispose()
	if e.opt.DisposeGrace <= 0 {
		e.dispose(st, "empty")
		return
	}
	gen := e.disposeSeq.Add(1)
	st.disposeGen = gen
	docID := st.docID
	st.disposeTimer = time.AfterFunc(e.opt.DisposeGrace, func() {
		_, _ = e.exec(context.Background(), docID, false, func(st *docState) {
			if st.disposeGen != gen || st.session.Len() > 0 {
				return
			}
			e.dispose(st, "empty")
		})
	})
}

// dispose drops the session, its log and its distributed presence record.
func (e *Engine) dispose(st *docState, reason string) {
	st.cancelDispose()
	st.stop = true
	docID := st.docID
	e.logger.Info("flow session disposed", "doc", docID, "reason", reason, "head", st.log.Head())
	if e.presence != nil {
		st.enqueue(func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.opt.PresenceTimeout)
			defer cancel()
			if err := e.presence.PurgeDocument(ctx, docID); err != nil {
				e.logger.Warn("purge presence failed", "doc", docID, "err", err)
			}
		})
	}
}
