package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when the hardware lock is not released in time
var ErrLockTimeout = errors.New("mailbox: hardware lock not released within timeout")

// HardwareLock models an inter-core channel lock. The sender acquires it and
// the receiving core's interrupt handler releases it once the word is
// latched into the mailbox slot, before the word is consumed. A sender only
// times out while another sender holds the lock mid-delivery.
type HardwareLock struct {
	ch chan struct{}
}

// NewHardwareLock returns a released lock
func NewHardwareLock() *HardwareLock {
	return &HardwareLock{ch: make(chan struct{}, 1)}
}

// TryAcquire takes the lock if it is free
func (l *HardwareLock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire waits at most timeout for the lock. A cancelled context returns
// the context error; an expired timeout returns ErrLockTimeout.
func (l *HardwareLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if l.TryAcquire() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *HardwareLock) Release() {
	select {
	case <-l.ch:
	default:
	}
}

// Held reports whether the lock is currently taken
func (l *HardwareLock) Held() bool {
	return len(l.ch) == 1
}
