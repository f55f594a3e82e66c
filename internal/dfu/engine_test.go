package dfu

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/dfuerr"
	"github.com/muurk/securedfu/internal/digest"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/keys"
	"github.com/muurk/securedfu/internal/mailbox"
	"github.com/muurk/securedfu/internal/nvm"
	"github.com/muurk/securedfu/internal/verify"
)

const rowSize = 512

var (
	activeSlot    = nvm.Region{Name: "app0", Start: 0x10018000, Length: 0x70000}
	candidateSlot = nvm.Region{Name: "app1", Start: 0x10088000, Length: 0x70000}
	appFlash      = nvm.Region{Name: "app-flash", Start: 0x10018000, Length: 0xE8000}
)

type fakeTransport struct {
	queue     []Command
	responses []Response
	receives  int
	resets    int
	stops     int
}

func (f *fakeTransport) push(cmds ...Command) {
	f.queue = append(f.queue, cmds...)
}

func (f *fakeTransport) Receive(ctx context.Context) (Command, error) {
	f.receives++
	if len(f.queue) == 0 {
		return Command{}, context.DeadlineExceeded
	}
	cmd := f.queue[0]
	f.queue = f.queue[1:]
	return cmd, nil
}

func (f *fakeTransport) Respond(resp Response) error {
	resp.Data = bytes.Clone(resp.Data)
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeTransport) Reset() error {
	f.resets++
	return nil
}

func (f *fakeTransport) Stop() error {
	f.stops++
	return nil
}

func (f *fakeTransport) last() Response {
	return f.responses[len(f.responses)-1]
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeLauncher struct {
	launched []nvm.Region
	err      error
}

func (l *fakeLauncher) Launch(slot nvm.Region) error {
	l.launched = append(l.launched, slot)
	return l.err
}

type recordingObserver struct {
	transitions []State
	verified    []byte
	resets      int
}

func (r *recordingObserver) CommandHandled(Opcode, byte) {}

func (r *recordingObserver) StateChanged(_, to State) {
	r.transitions = append(r.transitions, to)
}

func (r *recordingObserver) VerifyFinished(status byte) {
	r.verified = append(r.verified, status)
}

func (r *recordingObserver) InactivityReset() {
	r.resets++
}

type stubVerifier struct {
	err   error
	calls int
}

func (s *stubVerifier) Verify(io.ReaderAt, nvm.Region) (*verify.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &verify.Result{}, nil
}

type harness struct {
	engine    *Engine
	transport *fakeTransport
	clock     *fakeClock
	launcher  *fakeLauncher
	observer  *recordingObserver
	flash     *nvm.MemFlash
	key       *ecdsa.PrivateKey
}

func newHarness(t *testing.T, cfg Config, verifier ImageVerifier, opts ...Option) *harness {
	t.Helper()

	flash, err := nvm.NewMemFlash(rowSize, nvm.Region{Name: "flash", Start: 0x10000000, Length: 0x100000})
	if err != nil {
		t.Fatal(err)
	}
	guard, err := nvm.NewGuard(nvm.Layout{RowSize: rowSize, Active: activeSlot, Allowed: []nvm.Region{appFlash}})
	if err != nil {
		t.Fatal(err)
	}
	key, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if verifier == nil {
		pub, _ := keys.MarshalPublicKey(&key.PublicKey)
		verifier, err = verify.New(verify.Config{HeaderSize: image.DefaultHeaderSize, PublicKey: pub},
			digest.NewSoftware(), verify.Software{}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
	}

	h := &harness{
		transport: &fakeTransport{},
		clock:     &fakeClock{now: time.Unix(1700000000, 0)},
		launcher:  &fakeLauncher{},
		observer:  &recordingObserver{},
		flash:     flash,
		key:       key,
	}
	if cfg.Candidate.Length == 0 {
		cfg.Candidate = candidateSlot
	}
	opts = append([]Option{WithClock(h.clock), WithObserver(h.observer), WithLogger(zap.NewNop())}, opts...)
	h.engine, err = NewEngine(cfg, h.transport, nvm.NewController(guard, flash), flash, verifier, h.launcher, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return h
}

// stepAll steps until the queue is drained or the engine finishes
func (h *harness) stepAll(t *testing.T) (bool, error) {
	t.Helper()
	for len(h.transport.queue) > 0 {
		done, err := h.engine.Step(context.Background())
		if done || err != nil {
			return done, err
		}
	}
	return false, nil
}

// uploadCommands returns the commands that program img into the candidate slot
func uploadCommands(img []byte) []Command {
	var cmds []Command
	for off := 0; off < len(img); off += rowSize {
		row := make([]byte, rowSize)
		copy(row, img[off:])
		addr := candidateSlot.Start + uint32(off)
		cmds = append(cmds,
			Command{Op: OpErase, Addr: addr},
			Command{Op: OpWriteData, Addr: addr, Length: rowSize, Data: row},
			Command{Op: OpCompare, Addr: addr, Length: rowSize, Data: row},
		)
	}
	return cmds
}

func buildImage(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	img, err := image.Build(bytes.Repeat([]byte("firmware"), 600), image.BuildOptions{
		LoadAddr: candidateSlot.Start,
		Version:  image.Version{Major: 2, Minor: 1, Revision: 7},
	}, key)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestEngine_UpdateAndLaunch(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	img := buildImage(t, h.key)

	h.transport.push(Command{Seq: 1, Op: OpEnter})
	h.transport.push(uploadCommands(img)...)
	h.transport.push(Command{Seq: 99, Op: OpComplete})

	done, err := h.stepAll(t)
	if err != nil || !done {
		t.Fatalf("stepAll() = %v, %v, want done", done, err)
	}

	for i, resp := range h.transport.responses {
		if resp.Status != dfuerr.StatusSuccess {
			t.Fatalf("response %d (%s) status 0x%02x: %s", i, resp.Op, resp.Status, resp.Message)
		}
	}
	final := h.transport.last()
	if final.Seq != 99 || final.Report == nil || final.Report.CandidateVersion != "2.1.7" {
		t.Errorf("complete response = %+v", final)
	}

	if diff := cmp.Diff([]nvm.Region{candidateSlot}, h.launcher.launched); diff != "" {
		t.Errorf("launched slots mismatch (-want +got):\n%s", diff)
	}
	if h.transport.stops != 1 || h.transport.resets != 0 {
		t.Errorf("stops = %d, resets = %d, want 1 and 0", h.transport.stops, h.transport.resets)
	}
	if diff := cmp.Diff([]State{StateUpdating, StateFinished}, h.observer.transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	rows := uint64((len(img) + rowSize - 1) / rowSize)
	c := h.engine.Report().Counters
	if c.RowsWritten != rows || c.RowsErased != rows || c.Verifications != 1 {
		t.Errorf("counters = %+v, want %d rows", c, rows)
	}
}

func TestEngine_ActiveSlotIsNeverWritten(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	row := bytes.Repeat([]byte{0xEE}, rowSize)

	h.transport.push(Command{Op: OpWriteData, Addr: activeSlot.Start, Length: rowSize, Data: row})
	h.stepAll(t)

	if got := h.transport.last().Status; got != dfuerr.StatusAddress {
		t.Errorf("status = 0x%02x, want address error", got)
	}
	if h.engine.State() != StateNone || h.transport.resets != 0 {
		t.Errorf("rejection before a transfer should not reset (state %s, resets %d)",
			h.engine.State(), h.transport.resets)
	}

	// The same rejection mid-transfer abandons it
	h.transport.push(
		Command{Op: OpErase, Addr: candidateSlot.Start},
		Command{Op: OpWriteData, Addr: activeSlot.Start + rowSize, Length: rowSize, Data: row},
	)
	h.stepAll(t)

	if h.engine.State() != StateNone || h.transport.resets != 1 {
		t.Errorf("state = %s, resets = %d, want none and 1", h.engine.State(), h.transport.resets)
	}
	if diff := cmp.Diff([]State{StateUpdating, StateFailed, StateNone}, h.observer.transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	got := make([]byte, rowSize)
	if err := h.flash.Read(activeSlot.Start, got); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(got, row) {
		t.Error("active slot was modified")
	}
	if r := h.engine.Report(); r.LastStatus != dfuerr.StatusAddress || r.Counters.Rejected != 2 {
		t.Errorf("report = %+v", r)
	}
}

func TestEngine_RejectedRequests(t *testing.T) {
	tests := []struct {
		name   string
		cmd    Command
		status byte
	}{
		{
			name:   "unaligned erase",
			cmd:    Command{Op: OpErase, Addr: candidateSlot.Start + 4},
			status: dfuerr.StatusLength,
		},
		{
			name:   "short write",
			cmd:    Command{Op: OpWriteData, Addr: candidateSlot.Start, Length: 16, Data: make([]byte, 16)},
			status: dfuerr.StatusLength,
		},
		{
			name:   "write outside flash regions",
			cmd:    Command{Op: OpWriteData, Addr: 0x20000000, Length: rowSize, Data: make([]byte, rowSize)},
			status: dfuerr.StatusAddress,
		},
		{
			name:   "complete without transfer",
			cmd:    Command{Op: OpComplete},
			status: dfuerr.StatusCommand,
		},
		{
			name:   "unknown opcode",
			cmd:    Command{Op: Opcode(0x77)},
			status: dfuerr.StatusCommand,
		},
		{
			name:   "read larger than buffer",
			cmd:    Command{Op: OpReadData, Addr: candidateSlot.Start, Length: 2 * nvm.MaxRowSize},
			status: dfuerr.StatusLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, nil)
			h.transport.push(tt.cmd)
			h.stepAll(t)

			resp := h.transport.last()
			if resp.Status != tt.status {
				t.Errorf("status = 0x%02x, want 0x%02x (%s)", resp.Status, tt.status, resp.Message)
			}
			if resp.Message == "" {
				t.Error("rejection should carry a message")
			}
			if len(h.launcher.launched) != 0 {
				t.Error("launcher must not run")
			}
		})
	}
}

func TestEngine_CompareMismatchFailsTransfer(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	row := bytes.Repeat([]byte{0x42}, rowSize)
	other := bytes.Repeat([]byte{0x24}, rowSize)

	h.transport.push(
		Command{Op: OpWriteData, Addr: candidateSlot.Start, Length: rowSize, Data: row},
		Command{Op: OpCompare, Addr: candidateSlot.Start, Length: rowSize, Data: other},
	)
	h.stepAll(t)

	if got := h.transport.last().Status; got != dfuerr.StatusVerify {
		t.Errorf("status = 0x%02x, want verify", got)
	}
	if h.engine.State() != StateNone || h.transport.resets != 1 {
		t.Errorf("state = %s, resets = %d", h.engine.State(), h.transport.resets)
	}
}

func TestEngine_ReadData(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	want := bytes.Repeat([]byte{0x5A}, rowSize)
	if err := h.flash.Program(activeSlot.Start, want); err != nil {
		t.Fatal(err)
	}

	h.transport.push(Command{Op: OpReadData, Addr: activeSlot.Start, Length: rowSize})
	h.stepAll(t)

	resp := h.transport.last()
	if resp.Status != dfuerr.StatusSuccess || !bytes.Equal(resp.Data, want) {
		t.Errorf("read-data response status 0x%02x, %d bytes", resp.Status, len(resp.Data))
	}
	if h.engine.State() != StateNone {
		t.Error("read-data should not start a transfer")
	}
}

func TestEngine_InactivityResetsOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.transport.push(Command{Op: OpErase, Addr: candidateSlot.Start})
	h.stepAll(t)
	if h.engine.State() != StateUpdating {
		t.Fatalf("state = %s, want updating", h.engine.State())
	}

	h.clock.Advance(DefaultInactivityTimeout - time.Second)
	h.engine.Step(ctx)
	if h.engine.State() != StateUpdating || h.transport.resets != 0 {
		t.Fatal("transfer reset before the inactivity window elapsed")
	}

	h.clock.Advance(2 * time.Second)
	for i := 0; i < 10; i++ {
		if _, err := h.engine.Step(ctx); err != nil {
			t.Fatalf("Step() error = %v", err)
		}
		h.clock.Advance(DefaultInactivityTimeout)
	}

	if h.engine.State() != StateNone {
		t.Errorf("state = %s, want none", h.engine.State())
	}
	if h.transport.resets != 1 || h.observer.resets != 1 {
		t.Errorf("resets = %d (observer %d), want exactly 1", h.transport.resets, h.observer.resets)
	}
	if r := h.engine.Report(); r.LastStatus != dfuerr.StatusTimeout || r.Counters.Timeouts != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestEngine_VerifyFailure(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
		want     []nvm.Region
		wantDone bool
	}{
		{name: "stay resident", failOpen: false, want: nil, wantDone: false},
		{name: "fail open", failOpen: true, want: []nvm.Region{activeSlot}, wantDone: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{FailOpen: tt.failOpen}, nil)
			other, _ := keys.Generate()
			img := buildImage(t, other)

			h.transport.push(uploadCommands(img)...)
			h.transport.push(Command{Op: OpComplete})
			done, err := h.stepAll(t)
			if err != nil {
				t.Fatalf("stepAll() error = %v", err)
			}
			if done != tt.wantDone {
				t.Errorf("done = %v, want %v", done, tt.wantDone)
			}

			resp := h.transport.last()
			if resp.Status != dfuerr.StatusVerify || resp.Report == nil {
				t.Errorf("complete response = %+v, want verify status with report", resp)
			}
			if diff := cmp.Diff(tt.want, h.launcher.launched); diff != "" {
				t.Errorf("launched mismatch (-want +got):\n%s", diff)
			}
			if h.engine.State() != StateNone || h.transport.resets != 1 {
				t.Errorf("state = %s, resets = %d", h.engine.State(), h.transport.resets)
			}
			if h.transport.stops != 0 {
				t.Error("transport stopped after a rejected image")
			}
		})
	}
}

func TestEngine_HardwareErrorHalts(t *testing.T) {
	stub := &stubVerifier{err: dfuerr.New(dfuerr.KindHardware, "sha256-update", "engine fault")}
	h := newHarness(t, Config{}, stub)

	h.transport.push(
		Command{Op: OpErase, Addr: candidateSlot.Start},
		Command{Op: OpComplete},
	)
	h.transport.push(Command{Op: OpGetState})

	err := h.engine.Run(context.Background())
	if !dfuerr.IsHardware(err) {
		t.Fatalf("Run() = %v, want hardware error", err)
	}
	if len(h.launcher.launched) != 0 {
		t.Error("launcher called after a hardware fault")
	}
	if len(h.transport.queue) != 1 {
		t.Error("loop kept running after a hardware fault")
	}
	if got := h.transport.last().Status; got != dfuerr.StatusHardware {
		t.Errorf("status = 0x%02x, want hardware", got)
	}
}

func TestEngine_LaunchFailure(t *testing.T) {
	h := newHarness(t, Config{}, &stubVerifier{})
	h.launcher.err = errors.New("vector table invalid")

	h.transport.push(Command{Op: OpErase, Addr: candidateSlot.Start}, Command{Op: OpComplete})
	_, err := h.stepAll(t)
	if !dfuerr.IsHardware(err) || !errors.Is(err, h.launcher.err) {
		t.Errorf("stepAll() = %v, want hardware error wrapping the launch failure", err)
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.engine.Run(ctx); err != nil {
		t.Errorf("Run() on a cancelled context = %v, want nil", err)
	}
}

// cancellingVerifier cancels the loop context while failing the verify
type cancellingVerifier struct {
	cancel context.CancelFunc
	err    error
}

func (c *cancellingVerifier) Verify(io.ReaderAt, nvm.Region) (*verify.Result, error) {
	c.cancel()
	return nil, c.err
}

func TestEngine_RunReportsFaultDuringCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := &cancellingVerifier{cancel: cancel, err: dfuerr.New(dfuerr.KindHardware, "sha256-final", "engine fault")}
	h := newHarness(t, Config{}, v)

	h.transport.push(Command{Op: OpErase, Addr: candidateSlot.Start}, Command{Op: OpComplete})

	err := h.engine.Run(ctx)
	if !dfuerr.IsHardware(err) {
		t.Fatalf("Run() = %v, want the hardware error despite cancellation", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context not cancelled by the verifier")
	}
}

func TestEngine_RerequestsLostIdentity(t *testing.T) {
	link := mailbox.NewLink(10 * time.Millisecond)
	id := mailbox.NewIdentity(link)
	id.RetryPolls = 2
	h := newHarness(t, Config{WaitForIdentity: true, PollInterval: time.Millisecond}, nil, WithIdentity(id))

	if _, err := h.engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Request consumed, reply lost
	if word, ok := link.ToOwner.TryTake(); !ok || word != mailbox.CmdReadData {
		t.Fatalf("identity request = %#x, %v", word, ok)
	}

	for i := 0; i < id.RetryPolls; i++ {
		if _, err := h.engine.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := id.Attempts(); got != 2 {
		t.Fatalf("Attempts() = %d, want 2", got)
	}
	if word, ok := link.ToOwner.TryTake(); !ok || word != mailbox.CmdReadData {
		t.Fatalf("second identity request = %#x, %v", word, ok)
	}

	link.ToValidator.OnReceive(mailbox.DefaultDeviceID)
	h.transport.push(Command{Op: OpGetState})
	if _, err := h.engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, ok := h.engine.DeviceID(); !ok || got != mailbox.DefaultDeviceID {
		t.Errorf("DeviceID() = %#x, %v", got, ok)
	}
	if h.transport.receives != 1 {
		t.Errorf("receives = %d, want 1", h.transport.receives)
	}
}

func TestEngine_WaitsForIdentity(t *testing.T) {
	link := mailbox.NewLink(10 * time.Millisecond)
	h := newHarness(t, Config{WaitForIdentity: true, PollInterval: time.Millisecond}, nil,
		WithIdentity(mailbox.NewIdentity(link)))
	h.transport.push(Command{Op: OpGetState})

	if _, err := h.engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.transport.receives != 0 {
		t.Fatal("commands accepted before the device identifier arrived")
	}
	if word, ok := link.ToOwner.TryTake(); !ok || word != mailbox.CmdReadData {
		t.Fatalf("identity request = %#x, %v", word, ok)
	}

	// Peer core answers
	link.ToValidator.OnReceive(mailbox.DefaultDeviceID)

	if _, err := h.engine.Step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.transport.receives != 1 {
		t.Errorf("receives = %d, want 1", h.transport.receives)
	}
	if id, ok := h.engine.DeviceID(); !ok || id != mailbox.DefaultDeviceID {
		t.Errorf("DeviceID() = %#x, %v", id, ok)
	}
	if r := h.transport.last().Report; r == nil || r.DeviceID != mailbox.DefaultDeviceID {
		t.Errorf("report = %+v", r)
	}
}

func TestNewEngine_RejectsBadCandidate(t *testing.T) {
	flash, _ := nvm.NewMemFlash(rowSize, nvm.Region{Name: "flash", Start: 0x10000000, Length: 0x100000})
	guard, _ := nvm.NewGuard(nvm.Layout{RowSize: rowSize, Active: activeSlot, Allowed: []nvm.Region{appFlash}})
	ctrl := nvm.NewController(guard, flash)

	for _, slot := range []nvm.Region{
		{},
		{Name: "overlap", Start: activeSlot.Start + 0x1000, Length: 0x1000},
		{Name: "outside", Start: 0x20000000, Length: 0x1000},
	} {
		if _, err := NewEngine(Config{Candidate: slot}, &fakeTransport{}, ctrl, flash, &stubVerifier{}, &fakeLauncher{}); err == nil {
			t.Errorf("NewEngine() with candidate %s should fail", slot)
		}
	}
}
