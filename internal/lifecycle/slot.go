package lifecycle

import (
	"context"
	"fmt"

	"github.com/wasihub/wasihub/internal/sandbox"
)

// Slot owns at most one live sandbox instance for a unit. The lock is a
// buffered channel instead of a sync.Mutex on purpose: it can be
// acquired with a context and it stays valid across suspension points.
// The goroutine that releases it doesn't have to be the one that
// acquired it, and an invocation may resume on a different OS thread
// after a hardware call returns.
//
// Invariant: the lock is held for the whole duration of any invocation
// into the instance and for the whole duration of a replace; the
// instance pointer is only touched while holding it.
type Slot struct {
	lock chan struct{}
	inst sandbox.Instance
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{lock: make(chan struct{}, 1)}
}

// Acquire takes the slot's exclusive lock, waiting until it is free or
// the context ends.
func (s *Slot) Acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for slot lock: %w", ctx.Err())
	}
}

// Release frees the lock. Must only be called by the current holder.
func (s *Slot) Release() {
	<-s.lock
}

// Instance returns the live instance, or nil if the slot is empty.
// Callers must hold the lock.
func (s *Slot) Instance() sandbox.Instance {
	return s.inst
}

// Replace swaps the slot's contents wholesale and returns the previous
// instance so the caller can close it. Callers must hold the lock.
func (s *Slot) Replace(inst sandbox.Instance) sandbox.Instance {
	old := s.inst
	s.inst = inst
	return old
}
