package collab

import (
	"context"
	"errors"
)

const DefaultMaxSemaphore = 100

var (
	ErrAcquireTimeout = errors.New("ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl bounds how many callers run a section at once.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
