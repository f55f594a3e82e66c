package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMailbox_SendTake(t *testing.T) {
	m := New("test", 0)
	ctx := context.Background()

	if _, ok := m.TryTake(); ok {
		t.Fatal("TryTake() on an empty mailbox should fail")
	}
	if err := m.Send(ctx, 0x1234); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case <-m.Notify():
	default:
		t.Error("Notify() not signalled after delivery")
	}

	word, ok := m.TryTake()
	if !ok || word != 0x1234 {
		t.Errorf("TryTake() = %#x, %v, want 0x1234, true", word, ok)
	}
	if _, ok := m.TryTake(); ok {
		t.Error("pending flag not cleared by TryTake")
	}
	if m.Lock().Held() {
		t.Error("lock still held after delivery")
	}
}

func TestMailbox_LockReleasedOnLatch(t *testing.T) {
	m := New("test", 10*time.Millisecond)
	ctx := context.Background()

	if err := m.Send(ctx, 0x1); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	// Latched but not yet consumed
	if m.Lock().Held() {
		t.Fatal("lock held until the word is consumed")
	}
	if err := m.Send(ctx, 0x2); err != nil {
		t.Fatalf("second Send() before TryTake error = %v", err)
	}
	if word, ok := m.TryTake(); !ok || word != 0x2 {
		t.Errorf("TryTake() = %#x, %v, want 0x2", word, ok)
	}
}

func TestMailbox_UnreadWordIsOverwritten(t *testing.T) {
	m := New("test", 0)
	ctx := context.Background()

	if err := m.Send(ctx, CmdReadData); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(ctx, CmdReadData|0x100); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}

	if got := m.Overwrites(); got != 1 {
		t.Errorf("Overwrites() = %d, want 1", got)
	}
	word, ok := m.TryTake()
	if !ok || word != CmdReadData|0x100 {
		t.Errorf("TryTake() = %#x, want the second word", word)
	}
	if _, ok := m.TryTake(); ok {
		t.Error("overwritten word should not be delivered")
	}
	if m.Received() != 2 {
		t.Errorf("Received() = %d, want 2", m.Received())
	}
}

func TestMailbox_LockTimeout(t *testing.T) {
	m := New("test", 10*time.Millisecond)
	if !m.Lock().TryAcquire() {
		t.Fatal("fresh lock should be free")
	}

	start := time.Now()
	err := m.Send(context.Background(), CmdReadData)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Send() = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send() blocked for %v", elapsed)
	}
	if m.Pending() {
		t.Error("word delivered despite lock timeout")
	}

	m.Lock().Release()
	if err := m.Send(context.Background(), CmdReadData); err != nil {
		t.Errorf("Send() after release error = %v", err)
	}
}

func TestMailbox_CancelledSend(t *testing.T) {
	m := New("test", time.Minute)
	m.Lock().TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Send(ctx, CmdReadData); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() = %v, want context.Canceled", err)
	}
}

func TestMailbox_ZeroWord(t *testing.T) {
	m := New("test", 0)
	if err := m.Send(context.Background(), 0); !errors.Is(err, ErrEmptyWord) {
		t.Errorf("Send(0) = %v, want ErrEmptyWord", err)
	}

	m.Lock().TryAcquire()
	m.OnReceive(0)
	if m.Pending() {
		t.Error("zero word raised the pending flag")
	}
	if m.Lock().Held() {
		t.Error("OnReceive should release the lock even for a zero word")
	}
}

func TestPeer_ServesIdentity(t *testing.T) {
	link := NewLink(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- NewPeer(link, DefaultDeviceID, zap.NewNop()).Run(ctx)
	}()

	id := NewIdentity(link)
	if _, ok := id.Poll(); ok {
		t.Fatal("identity available before request")
	}
	if err := id.Request(ctx); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if got, ok := id.Poll(); ok {
			if got != DefaultDeviceID {
				t.Errorf("identity = %#x, want %#x", got, DefaultDeviceID)
			}
			break
		}
		select {
		case <-link.ToValidator.Notify():
		case <-deadline:
			t.Fatal("identity never arrived")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestPeer_IgnoresUnknownCommand(t *testing.T) {
	link := NewLink(0)
	p := NewPeer(link, 0x11223344, nil)

	if err := p.handle(context.Background(), 0x7F); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if link.ToValidator.Pending() {
		t.Error("unknown command produced a reply")
	}

	if err := p.handle(context.Background(), 0x301); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if got, ok := link.ToValidator.TryTake(); !ok || got != 0x11223344 {
		t.Errorf("reply = %#x, %v", got, ok)
	}
}

func TestIdentity_RetriesLostReply(t *testing.T) {
	link := NewLink(50 * time.Millisecond)
	p := NewPeer(link, DefaultDeviceID, zap.NewNop())
	id := NewIdentity(link)
	id.RetryPolls = 3
	ctx := context.Background()

	if err := id.Request(ctx); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	// The request word is consumed but the reply never comes back
	if word, ok := link.ToOwner.TryTake(); !ok || word != CmdReadData {
		t.Fatalf("request = %#x, %v", word, ok)
	}

	for i := 0; i < id.RetryPolls; i++ {
		if !id.Requested() {
			t.Fatalf("request expired after %d polls, want %d", i, id.RetryPolls)
		}
		if _, ok := id.Poll(); ok {
			t.Fatal("identity available without a reply")
		}
	}
	if id.Requested() {
		t.Fatal("request still outstanding after RetryPolls polls")
	}

	if err := id.Request(ctx); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if got := id.Attempts(); got != 2 {
		t.Errorf("Attempts() = %d, want 2", got)
	}
	word, ok := link.ToOwner.TryTake()
	if !ok {
		t.Fatal("second request not delivered")
	}
	if err := p.handle(ctx, word); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if got, ok := id.Poll(); !ok || got != DefaultDeviceID {
		t.Errorf("Poll() = %#x, %v, want %#x", got, ok, DefaultDeviceID)
	}
	if id.Requested() {
		t.Error("request still outstanding after the reply")
	}
}
