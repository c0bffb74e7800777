package collab

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrSemaphoreTimeout = errors.New("semaphore: acquire timed out")
	ErrSemaphoreNotHeld = errors.New("semaphore: release without acquire")
)

const DefaultSemaphoreSize = 100

// SemaphoreControl bounds the number of concurrent producer calls.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSemaphoreTimeout, ctx.Err())
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}

// InUse is the number of permits currently held.
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
