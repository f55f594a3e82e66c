package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/dfuerr"
	"github.com/muurk/securedfu/internal/logging"
)

// DefaultRetries is how many times a failed row is resent
const DefaultRetries = 3

// Doer sends one command and waits for its response
type Doer interface {
	Do(ctx context.Context, cmd dfu.Command) (dfu.Response, error)
}

// Phase identifies what the upload is doing
type Phase int

const (
	PhaseEnter Phase = iota
	PhaseRows
	PhaseComplete
	PhaseDone
)

// String returns the phase name shown in progress output
func (p Phase) String() string {
	switch p {
	case PhaseEnter:
		return "Entering update mode"
	case PhaseRows:
		return "Writing rows"
	case PhaseComplete:
		return "Verifying image"
	case PhaseDone:
		return "Done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Progress is reported after every step of an upload
type Progress struct {
	Phase Phase
	Row   int    // Rows written so far
	Rows  int    // Total rows
	Addr  uint32 // Address of the current row
	Retry int    // Attempt number of the current row, 0 on the first try
}

// Options control an upload
type Options struct {
	// Retries is the number of resends for a row whose write or compare failed
	Retries int
	// OnProgress is called from the uploading goroutine
	OnProgress func(Progress)
	Logger     *zap.Logger
}

// Result summarises a finished upload
type Result struct {
	Rows     int
	Retries  int
	Bytes    int
	Duration time.Duration
	// Report is the device status returned with the Complete response
	Report *dfu.Report
}

// Uploader streams a signed image into the device's candidate slot
type Uploader struct {
	doer   Doer
	opts   Options
	logger *zap.Logger
}

// New creates an uploader sending commands through doer
func New(doer Doer, opts Options) *Uploader {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Uploader{
		doer:   doer,
		opts:   opts,
		logger: logging.Or(opts.Logger).Named("updater"),
	}
}

func (u *Uploader) progress(p Progress) {
	if u.opts.OnProgress != nil {
		u.opts.OnProgress(p)
	}
}

// call sends cmd and turns a non-success status into a *dfuerr.Error
func (u *Uploader) call(ctx context.Context, cmd dfu.Command) (dfu.Response, error) {
	resp, err := u.doer.Do(ctx, cmd)
	if err != nil {
		return resp, fmt.Errorf("%s at 0x%08x: %w", cmd.Op, cmd.Addr, err)
	}
	if resp.Status != dfuerr.StatusSuccess {
		return resp, StatusError(cmd.Op, resp)
	}
	return resp, nil
}

// StatusError converts a rejected response to the error kind its status names
func StatusError(op dfu.Opcode, resp dfu.Response) error {
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("device returned status 0x%02x", resp.Status)
	}
	return dfuerr.New(dfuerr.KindFromStatus(resp.Status), op.String(), "%s", msg)
}

// Status fetches the device report
func Status(ctx context.Context, doer Doer) (*dfu.Report, error) {
	resp, err := doer.Do(ctx, dfu.Command{Op: dfu.OpGetState})
	if err != nil {
		return nil, err
	}
	if resp.Status != dfuerr.StatusSuccess {
		return nil, StatusError(dfu.OpGetState, resp)
	}
	if resp.Report == nil {
		return nil, errors.New("device sent no status report")
	}
	return resp.Report, nil
}

// Upload sends img row by row and asks the device to verify it.
//
// Each row is erased, written and compared. A row whose write or compare
// fails with a data or verify status is resent up to Options.Retries
// times; any other rejection aborts the upload. The device verifies the
// whole image on Complete and launches it when the signature holds.
func (u *Uploader) Upload(ctx context.Context, img []byte) (*Result, error) {
	start := time.Now()
	res := &Result{Bytes: len(img)}

	u.progress(Progress{Phase: PhaseEnter})
	resp, err := u.call(ctx, dfu.Command{Op: dfu.OpEnter})
	if err != nil {
		return nil, fmt.Errorf("device refused update mode: %w", err)
	}
	report := resp.Report
	if report == nil || report.RowSize == 0 {
		return nil, errors.New("device did not report its flash layout")
	}
	if uint64(len(img)) > uint64(report.CandidateLength) {
		return nil, fmt.Errorf("image is %d bytes, candidate slot holds %d", len(img), report.CandidateLength)
	}
	if len(img) == 0 {
		return nil, errors.New("image is empty")
	}

	rowSize := int(report.RowSize)
	res.Rows = (len(img) + rowSize - 1) / rowSize
	row := make([]byte, rowSize)

	u.logger.Info("Starting upload",
		zap.Int("bytes", len(img)),
		zap.Int("rows", res.Rows),
		zap.String("candidate", fmt.Sprintf("0x%08x", report.CandidateStart)),
		zap.String("active_version", report.ActiveVersion),
	)

	for i := 0; i < res.Rows; i++ {
		off := i * rowSize
		clear(row)
		copy(row, img[off:min(off+rowSize, len(img))])
		addr := report.CandidateStart + uint32(off)

		retries, err := u.sendRow(ctx, addr, row, i, res.Rows)
		res.Retries += retries
		if err != nil {
			return res, err
		}
	}

	u.progress(Progress{Phase: PhaseComplete, Row: res.Rows, Rows: res.Rows})
	resp, err = u.call(ctx, dfu.Command{Op: dfu.OpComplete})
	res.Report = resp.Report
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("device rejected the image: %w", err)
	}

	u.progress(Progress{Phase: PhaseDone, Row: res.Rows, Rows: res.Rows})
	u.logger.Info("Upload complete",
		zap.Int("rows", res.Rows),
		zap.Int("retries", res.Retries),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (u *Uploader) sendRow(ctx context.Context, addr uint32, row []byte, index, rows int) (int, error) {
	length := uint32(len(row))
	var err error
	for attempt := 0; attempt <= u.opts.Retries; attempt++ {
		u.progress(Progress{Phase: PhaseRows, Row: index, Rows: rows, Addr: addr, Retry: attempt})

		if _, err = u.call(ctx, dfu.Command{Op: dfu.OpErase, Addr: addr, Length: length}); err == nil {
			if _, err = u.call(ctx, dfu.Command{Op: dfu.OpWriteData, Addr: addr, Length: length, Data: row}); err == nil {
				_, err = u.call(ctx, dfu.Command{Op: dfu.OpCompare, Addr: addr, Length: length, Data: row})
			}
		}
		if err == nil {
			u.progress(Progress{Phase: PhaseRows, Row: index + 1, Rows: rows, Addr: addr, Retry: attempt})
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}
		u.logger.Warn("Row failed, resending",
			zap.String("addr", fmt.Sprintf("0x%08x", addr)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return u.opts.Retries, fmt.Errorf("row at 0x%08x failed after %d attempts: %w", addr, u.opts.Retries+1, err)
}

func retryable(err error) bool {
	return dfuerr.IsData(err) || dfuerr.IsVerify(err)
}
