// Package broadcast fans flow events out to every server instance serving a
// document, and to the in-process listeners that push them to clients.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	channelPrefix = "flowcollab:flow:"
	// ChannelPattern matches the channel of every flow.
	ChannelPattern = channelPrefix + "*"

	DefaultPublishTimeout = 300 * time.Millisecond
)

// ChannelFor returns the pub/sub channel of one flow.
func ChannelFor(documentID string) string {
	return channelPrefix + "{" + documentID + "}"
}

// documentFromChannel is the inverse of ChannelFor.
func documentFromChannel(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || len(rest) < 2 || rest[0] != '{' || rest[len(rest)-1] != '}' {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

// Listener receives events for local delivery.
type Listener func(Event)

type Options struct {
	// Origin identifies this instance; a random id is used when empty.
	Origin         string
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// Broadcaster delivers each published event to local listeners directly and
// to remote instances through the PubSub. Remote delivery is best effort.
type Broadcaster struct {
	ps      PubSub
	origin  string
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
	sub       Subscription
}

func New(ps PubSub, opt Options) *Broadcaster {
	if opt.Origin == "" {
		opt.Origin = uuid.NewString()
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Broadcaster{
		ps:        ps,
		origin:    opt.Origin,
		timeout:   opt.PublishTimeout,
		logger:    opt.Logger.With("component", "broadcaster"),
		listeners: make(map[uint64]Listener),
	}
}

func (b *Broadcaster) Origin() string { return b.origin }

// Start subscribes to the events of every flow.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.ps == nil {
		return nil
	}
	sub, err := b.ps.Subscribe(ctx, ChannelPattern, b.OnMessage)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// Close drops the subscription handle.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

// AddListener registers l and returns a function that removes it.
func (b *Broadcaster) AddListener(l Listener) (remove func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers evt locally and forwards it to the other instances. A
// broker failure is logged and reported but never undoes local delivery.
func (b *Broadcaster) Publish(ctx context.Context, evt Event) error {
	evt.Origin = b.origin
	b.emit(evt)

	if b.ps == nil {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("encode event failed", "doc", evt.DocumentID, "type", evt.Type, "err", err)
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.ps.Publish(pubCtx, ChannelFor(evt.DocumentID), body); err != nil {
		b.logger.Warn("event delivery failed", "doc", evt.DocumentID, "type", evt.Type, "err", err)
		return err
	}
	return nil
}

// OnMessage decodes a message received from the broker and re-emits it to
// local listeners. Events published by this instance were already delivered
// and are skipped.
func (b *Broadcaster) OnMessage(channel string, payload []byte) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		b.logger.Warn("drop undecodable event", "channel", channel, "err", err)
		return
	}
	if evt.Origin == b.origin {
		return
	}
	if docID, ok := documentFromChannel(channel); ok && evt.DocumentID == "" {
		evt.DocumentID = docID
	}
	b.emit(evt)
}

func (b *Broadcaster) emit(evt Event) {
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.RUnlock()
	for _, l := range ls {
		l(evt)
	}
}
