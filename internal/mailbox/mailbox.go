package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CmdReadData asks the owning core for the protected device identifier
const CmdReadData uint32 = 0x01

// CmdMask selects the command code bits of a mailbox word
const CmdMask uint32 = 0xFF

// DefaultLockTimeout bounds how long Send waits for the channel lock
const DefaultLockTimeout = 100 * time.Millisecond

// ErrEmptyWord is returned by Send for a zero word, which the receiving
// interrupt handler does not treat as a message.
var ErrEmptyWord = errors.New("mailbox: zero word is not a message")

// Mailbox is a single-slot channel into one core. Words arrive through
// OnReceive, which stands in for the receiving core's interrupt handler.
// An unread word is overwritten by the next one; there is no queue.
type Mailbox struct {
	name        string
	lock        *HardwareLock
	lockTimeout time.Duration

	mu         sync.Mutex
	word       uint32
	pending    bool
	received   uint64
	overwrites uint64

	notify chan struct{}
}

// New creates an empty mailbox. A zero lockTimeout uses DefaultLockTimeout.
func New(name string, lockTimeout time.Duration) *Mailbox {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Mailbox{
		name:        name,
		lock:        NewHardwareLock(),
		lockTimeout: lockTimeout,
		notify:      make(chan struct{}, 1),
	}
}

// Name returns the mailbox name
func (m *Mailbox) Name() string {
	return m.name
}

// Lock exposes the channel lock
func (m *Mailbox) Lock() *HardwareLock {
	return m.lock
}

// Send acquires the channel lock and delivers word to the receiver. It only
// blocks on the lock, for at most the lock timeout.
func (m *Mailbox) Send(ctx context.Context, word uint32) error {
	if word == 0 {
		return ErrEmptyWord
	}
	if err := m.lock.Acquire(ctx, m.lockTimeout); err != nil {
		return fmt.Errorf("send to %s: %w", m.name, err)
	}
	m.OnReceive(word)
	return nil
}

// OnReceive stores word and raises the pending flag, then releases the
// channel lock. It never blocks.
func (m *Mailbox) OnReceive(word uint32) {
	defer m.lock.Release()
	if word == 0 {
		return
	}

	m.mu.Lock()
	if m.pending {
		m.overwrites++
	}
	m.word = word
	m.pending = true
	m.received++
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// TryTake returns the pending word and clears the flag
func (m *Mailbox) TryTake() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return 0, false
	}
	m.pending = false
	return m.word, true
}

// Pending reports whether an unread word is waiting
func (m *Mailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Notify is signalled after a word arrives. A signal may cover several
// words, so consumers should drain with TryTake.
func (m *Mailbox) Notify() <-chan struct{} {
	return m.notify
}

// Received returns the number of words delivered
func (m *Mailbox) Received() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

// Overwrites returns how many unread words were lost to a newer one
func (m *Mailbox) Overwrites() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overwrites
}

// Link is the pair of mailboxes between the validating core and the core
// that owns the protected identifier.
type Link struct {
	// ToOwner carries requests to the owning core
	ToOwner *Mailbox
	// ToValidator carries replies back
	ToValidator *Mailbox
}

// NewLink creates both directions with the same lock timeout
func NewLink(lockTimeout time.Duration) *Link {
	return &Link{
		ToOwner:     New("to-owner", lockTimeout),
		ToValidator: New("to-validator", lockTimeout),
	}
}
