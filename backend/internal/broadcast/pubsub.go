package broadcast

import (
	"context"
	"errors"
	"path"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Handler receives a raw message published on channel.
type Handler func(channel string, payload []byte)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Close() error
}

// PubSub is the minimal broker surface the broadcaster needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers every message whose channel matches the glob pattern.
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
}

// RedisPubSub fans messages out through Redis PUBLISH/PSUBSCRIBE.
type RedisPubSub struct {
	rdb redis.UniversalClient
}

func NewRedisPubSub(rdb redis.UniversalClient) *RedisPubSub {
	return &RedisPubSub{rdb: rdb}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	ps := r.rdb.PSubscribe(ctx, pattern)
	// wait for the subscription confirmation so no message published right
	// after Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			h(msg.Channel, []byte(msg.Payload))
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *redisSubscription) Close() error {
	err := s.ps.Close()
	<-s.done
	return err
}

// MemoryPubSub delivers synchronously inside Publish. Tests use it in place
// of a real broker; several broadcasters sharing one MemoryPubSub behave like
// separate instances.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	failOn error
}

var ErrBrokerClosed = errors.New("BROKER_CLOSED")

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[*memorySubscription]struct{})}
}

// FailWith makes every later Publish return err; nil restores delivery.
func (m *MemoryPubSub) FailWith(err error) {
	m.mu.Lock()
	m.failOn = err
	m.mu.Unlock()
}

func (m *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.failOn != nil {
		err := m.failOn
		m.mu.RUnlock()
		return err
	}
	targets := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		if ok, _ := path.Match(s.pattern, channel); ok {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range targets {
		s.h(channel, append([]byte(nil), payload...))
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(_ context.Context, pattern string, h Handler) (Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	s := &memorySubscription{owner: m, pattern: pattern, h: h}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	return s, nil
}

type memorySubscription struct {
	owner   *MemoryPubSub
	pattern string
	h       Handler
}

func (s *memorySubscription) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if _, ok := s.owner.subs[s]; !ok {
		return ErrBrokerClosed
	}
	delete(s.owner.subs, s)
	return nil
}
