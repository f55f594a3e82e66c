package dfu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/dfuerr"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/logging"
	"github.com/muurk/securedfu/internal/mailbox"
	"github.com/muurk/securedfu/internal/nvm"
	"github.com/muurk/securedfu/internal/verify"
)

const (
	// DefaultPollInterval is how long one step waits for a command
	DefaultPollInterval = 20 * time.Millisecond
	// DefaultInactivityTimeout abandons a transfer that stopped making progress
	DefaultInactivityTimeout = 5 * time.Second
)

// Transport carries decoded commands from the host and responses back.
type Transport interface {
	// Receive blocks until a command arrives or ctx is done, in which case
	// it returns the context error.
	Receive(ctx context.Context) (Command, error)
	// Respond sends resp to the host. It must not retain resp.Data.
	Respond(resp Response) error
	// Reset drops any partial transfer state so a new one can start
	Reset() error
	// Stop shuts the transport down before control leaves the loop
	Stop() error
}

// Launcher transfers control to the image in slot
type Launcher interface {
	Launch(slot nvm.Region) error
}

// ImageVerifier decides whether the image in a slot may run
type ImageVerifier interface {
	Verify(src io.ReaderAt, slot nvm.Region) (*verify.Result, error)
}

// Clock supplies the time used for inactivity tracking
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer is notified of engine events, typically to export metrics
type Observer interface {
	CommandHandled(op Opcode, status byte)
	StateChanged(from, to State)
	VerifyFinished(status byte)
	InactivityReset()
}

type nopObserver struct{}

func (nopObserver) CommandHandled(Opcode, byte) {}
func (nopObserver) StateChanged(State, State)   {}
func (nopObserver) VerifyFinished(byte)         {}
func (nopObserver) InactivityReset()            {}

// Config holds the update loop configuration
type Config struct {
	// PollInterval bounds each wait for a command
	PollInterval time.Duration
	// InactivityTimeout resets a transfer with no progress for this long
	InactivityTimeout time.Duration
	// Candidate is the slot that receives and is verified as the new image
	Candidate nvm.Region
	// FailOpen launches the active image when verification fails
	FailOpen bool
	// WaitForIdentity holds off commands until the peer core has supplied
	// the device identifier
	WaitForIdentity bool
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock used for inactivity tracking
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithObserver registers an event observer
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithIdentity fetches the device identifier over the mailbox
func WithIdentity(id *mailbox.Identity) Option {
	return func(e *Engine) { e.identity = id }
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the polled update state machine. It owns its buffers and must
// be driven from a single goroutine.
type Engine struct {
	cfg       Config
	transport Transport
	storage   *nvm.Controller
	image     io.ReaderAt
	verifier  ImageVerifier
	launcher  Launcher
	identity  *mailbox.Identity
	clock     Clock
	observer  Observer
	logger    *zap.Logger

	state        State
	lastActivity time.Time
	lastErr      error
	counters     Counters

	deviceID         uint32
	haveID           bool
	activeVersion    string
	candidateVersion string

	buf [nvm.MaxRowSize]byte
	hdr [image.HeaderFieldsSize]byte
}

// NewEngine creates an engine in StateNone. image reads the raw storage the
// controller writes to.
func NewEngine(cfg Config, transport Transport, storage *nvm.Controller, img io.ReaderAt,
	verifier ImageVerifier, launcher Launcher, opts ...Option) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}

	layout := storage.Guard().Layout()
	if cfg.Candidate.Length == 0 {
		return nil, fmt.Errorf("candidate slot is empty")
	}
	if cfg.Candidate.Overlaps(layout.Active) {
		return nil, fmt.Errorf("candidate slot %s overlaps active slot %s", cfg.Candidate, layout.Active)
	}
	if _, ok := layout.RegionFor(cfg.Candidate.Start); !ok {
		return nil, fmt.Errorf("candidate slot %s is outside the allowed regions", cfg.Candidate)
	}

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		storage:   storage,
		image:     img,
		verifier:  verifier,
		launcher:  launcher,
		clock:     systemClock{},
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Or(e.logger).Named("dfu")
	e.activeVersion = e.slotVersion(layout.Active)
	return e, nil
}

// State returns the current state
func (e *Engine) State() State {
	return e.state
}

// DeviceID returns the identifier supplied by the peer core, if any
func (e *Engine) DeviceID() (uint32, bool) {
	return e.deviceID, e.haveID
}

// Run drives Step until control is handed to an image, ctx is cancelled or
// a fatal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	e.lastActivity = e.clock.Now()
	e.logger.Info("Update loop started",
		zap.Stringer("candidate", e.cfg.Candidate),
		zap.String("active_version", e.activeVersion),
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Duration("inactivity_timeout", e.cfg.InactivityTimeout),
	)

	for {
		done, err := e.Step(ctx)
		if err != nil && !errors.Is(err, ctx.Err()) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if done {
			return nil
		}
	}
}

// Step runs one iteration: wait at most the poll interval for a command,
// handle it, and act on the resulting state. done reports that control was
// handed to an image. A returned error is fatal.
func (e *Engine) Step(ctx context.Context) (done bool, err error) {
	if !e.identityReady(ctx) {
		return false, ctx.Err()
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.PollInterval)
	cmd, err := e.transport.Receive(rctx)
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		e.logger.Warn("Transport receive failed", zap.Error(err))
		<-rctx.Done()
	}
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.checkInactivity()
		return false, nil
	}
	return e.handle(cmd)
}

// identityReady polls the mailbox for the device identifier. Without
// WaitForIdentity it never holds the loop back.
func (e *Engine) identityReady(ctx context.Context) bool {
	if e.identity == nil || e.haveID {
		return true
	}
	if id, ok := e.identity.Poll(); ok {
		e.deviceID, e.haveID = id, true
		e.logger.Info("Device identifier received", zap.String("device_id", fmt.Sprintf("0x%08X", id)))
		return true
	}
	if !e.identity.Requested() {
		if err := e.identity.Request(ctx); err != nil {
			e.logger.Warn("Device identifier request failed", zap.Error(err))
		}
	}
	if !e.cfg.WaitForIdentity {
		return true
	}

	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-e.identity.Ready():
	case <-timer.C:
	}
	return false
}

func (e *Engine) checkInactivity() {
	if e.state != StateUpdating {
		return
	}
	idle := e.clock.Now().Sub(e.lastActivity)
	if idle < e.cfg.InactivityTimeout {
		return
	}

	err := dfuerr.New(dfuerr.KindTimeout, "receive", "no command for %s", idle.Round(time.Millisecond))
	e.logger.Warn("Transfer abandoned", zap.Error(err))
	e.counters.Timeouts++
	e.observer.InactivityReset()
	e.restart(err, "inactivity")
}

func (e *Engine) setState(to State, reason string) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	logging.LogStateChange(e.logger, from, to, reason)
	e.observer.StateChanged(from, to)
}

// restart abandons the current attempt and resets the transport
func (e *Engine) restart(cause error, reason string) {
	if cause != nil {
		e.lastErr = cause
	}
	e.setState(StateNone, reason)
	if err := e.transport.Reset(); err != nil {
		e.logger.Warn("Transport reset failed", zap.Error(err))
	}
}

func (e *Engine) respond(resp Response) {
	if err := e.transport.Respond(resp); err != nil {
		e.logger.Warn("Response not delivered", zap.Stringer("command", resp.Op), zap.Error(err))
	}
}

func (e *Engine) handle(cmd Command) (bool, error) {
	e.lastActivity = e.clock.Now()
	e.counters.Commands++

	resp := Response{Seq: cmd.Seq, Op: cmd.Op}
	var err error
	switch cmd.Op {
	case OpEnter:
		e.setState(StateNone, "enter")
		resp.Report = e.Report()
	case OpGetState:
		resp.Report = e.Report()
	case OpErase:
		err = e.erase(cmd)
	case OpWriteData:
		err = e.write(cmd)
	case OpCompare:
		err = e.compare(cmd)
	case OpReadData:
		resp.Data, err = e.read(cmd)
	case OpComplete:
		return e.complete(cmd, resp)
	default:
		err = dfuerr.New(dfuerr.KindCommand, "dispatch", "unknown command 0x%02x", uint8(cmd.Op))
	}

	e.finishCommand(cmd, &resp, err)
	e.respond(resp)

	if err != nil && e.state == StateUpdating {
		e.setState(StateFailed, cmd.Op.String())
		e.restart(err, "failed")
	}
	return false, nil
}

// finishCommand fills in the status, logs and counts a handled command
func (e *Engine) finishCommand(cmd Command, resp *Response, err error) {
	resp.Status = dfuerr.StatusOf(err)
	if err != nil {
		resp.Message = err.Error()
		e.counters.Rejected++
		e.lastErr = err
	}
	logging.LogCommand(e.logger, cmd.Op, cmd.Addr, len(cmd.Data), resp.Status, err)
	e.observer.CommandHandled(cmd.Op, resp.Status)
}

// accepted moves a fresh session into Updating after a data command succeeds
func (e *Engine) accepted(op Opcode) {
	if e.state == StateNone {
		e.setState(StateUpdating, op.String())
	}
}

func (e *Engine) erase(cmd Command) error {
	if err := e.storage.Write(cmd.Addr, e.storage.Guard().RowSize(), nvm.FlagErase, nil); err != nil {
		return err
	}
	e.counters.RowsErased++
	e.accepted(cmd.Op)
	return nil
}

func (e *Engine) write(cmd Command) error {
	if err := e.storage.Write(cmd.Addr, cmd.Length, 0, cmd.Data); err != nil {
		return err
	}
	e.counters.RowsWritten++
	e.accepted(cmd.Op)
	return nil
}

func (e *Engine) compare(cmd Command) error {
	if err := e.storage.Read(cmd.Addr, cmd.Length, nvm.FlagCompare, cmd.Data); err != nil {
		return err
	}
	e.accepted(cmd.Op)
	return nil
}

func (e *Engine) read(cmd Command) ([]byte, error) {
	if cmd.Length > uint32(len(e.buf)) {
		return nil, dfuerr.New(dfuerr.KindLength, "read",
			"read of %d bytes exceeds the %d byte buffer", cmd.Length, len(e.buf))
	}
	buf := e.buf[:cmd.Length]
	if err := e.storage.Read(cmd.Addr, cmd.Length, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// complete verifies the candidate once the host reports the transfer done.
// The response carries the verification outcome.
func (e *Engine) complete(cmd Command, resp Response) (bool, error) {
	if e.state != StateUpdating {
		err := dfuerr.New(dfuerr.KindCommand, "complete", "no transfer in progress (state %s)", e.state)
		e.finishCommand(cmd, &resp, err)
		e.respond(resp)
		return false, nil
	}

	e.setState(StateFinished, "complete")
	res, err := e.verifier.Verify(e.image, e.cfg.Candidate)
	e.counters.Verifications++
	e.observer.VerifyFinished(dfuerr.StatusOf(err))

	switch {
	case err == nil:
		e.candidateVersion = res.Header.Version.String()
		e.lastErr = nil
		e.finishCommand(cmd, &resp, nil)
		resp.Report = e.Report()
		e.respond(resp)

		e.logger.Info("Candidate image verified",
			zap.String("version", e.candidateVersion),
			zap.String("sha256", fmt.Sprintf("%x", res.Digest)),
		)
		if err := e.transport.Stop(); err != nil {
			e.logger.Warn("Transport stop failed", zap.Error(err))
		}
		return true, e.launch(e.cfg.Candidate)

	case dfuerr.IsFatal(err):
		e.finishCommand(cmd, &resp, err)
		e.respond(resp)
		e.logger.Error("Verification primitive failed, halting", zap.Error(err))
		return true, err

	default:
		e.counters.VerifyFailed++
		e.finishCommand(cmd, &resp, err)
		resp.Report = e.Report()
		e.respond(resp)

		e.logger.Warn("Candidate image rejected", zap.String("step", dfuerr.OpOf(err)), zap.Error(err))
		e.restart(err, "verify-failed")
		if !e.cfg.FailOpen {
			return false, nil
		}

		active := e.storage.Guard().Layout().Active
		e.logger.Info("Falling back to the active image", zap.Stringer("slot", active))
		return true, e.launch(active)
	}
}

func (e *Engine) launch(slot nvm.Region) error {
	if err := e.launcher.Launch(slot); err != nil {
		return dfuerr.Wrap(dfuerr.KindHardware, "launch", err, "could not start image in %s", slot)
	}
	return nil
}

// slotVersion returns the version in the slot's image header, or "" when
// the slot holds no image.
func (e *Engine) slotVersion(slot nvm.Region) string {
	if _, err := e.image.ReadAt(e.hdr[:], int64(slot.Start)); err != nil {
		return ""
	}
	hdr, err := image.ParseHeader(e.hdr[:])
	if err != nil || hdr.Magic != image.HeaderMagic {
		return ""
	}
	return hdr.Version.String()
}

// Report returns the current device status
func (e *Engine) Report() *Report {
	r := &Report{
		State:            e.state,
		DeviceID:         e.deviceID,
		ActiveVersion:    e.activeVersion,
		CandidateVersion: e.candidateVersion,
		RowSize:          e.storage.Guard().RowSize(),
		CandidateStart:   e.cfg.Candidate.Start,
		CandidateLength:  e.cfg.Candidate.Length,
		Counters:         e.counters,
	}
	if e.lastErr != nil {
		r.LastStatus = dfuerr.StatusOf(e.lastErr)
		r.LastError = e.lastErr.Error()
	}
	return r
}
