package digest

import (
	"crypto/sha256"
	"errors"
	"hash"
	"io"

	"github.com/muurk/securedfu/internal/dfuerr"
)

var errNotInitialised = errors.New("hash engine not initialised")

// Size is the length of a SHA-256 digest
const Size = sha256.Size

// MaxBlockSize bounds the primitive block size the adapter can stage
const MaxBlockSize = 128

// Primitive is a streaming SHA-256 engine with explicit lifecycle calls,
// matching the shape of a hardware crypto block.
type Primitive interface {
	// BlockSize is the number of bytes the engine consumes per update
	BlockSize() int
	Init() error
	Update(p []byte) error
	Finish(out *[Size]byte) error
	Free() error
}

// Adapter streams a byte range through a Primitive in block-sized chunks.
// It owns a fixed chunk buffer and is not safe for concurrent use.
type Adapter struct {
	prim  Primitive
	chunk [MaxBlockSize]byte
}

// NewAdapter creates an adapter over prim
func NewAdapter(prim Primitive) *Adapter {
	return &Adapter{prim: prim}
}

// Sum digests length bytes of src starting at start.
//
// Any primitive or source failure is a hardware error: digesting is assumed
// infallible given working hardware, so the caller must halt rather than
// treat the image as invalid.
func (a *Adapter) Sum(src io.ReaderAt, start int64, length int64) (sum [Size]byte, err error) {
	bs := a.prim.BlockSize()
	if bs <= 0 || bs > MaxBlockSize {
		return sum, dfuerr.New(dfuerr.KindHardware, "sha256-init", "unsupported block size %d", bs)
	}

	if err := a.prim.Init(); err != nil {
		return sum, dfuerr.Wrap(dfuerr.KindHardware, "sha256-init", err, "hash engine init failed")
	}
	defer func() {
		if ferr := a.prim.Free(); ferr != nil && err == nil {
			err = dfuerr.Wrap(dfuerr.KindHardware, "sha256-free", ferr, "hash engine release failed")
		}
	}()

	for off := int64(0); off < length; {
		n := int64(bs)
		if remaining := length - off; remaining < n {
			n = remaining
		}
		buf := a.chunk[:n]
		if got, err := src.ReadAt(buf, start+off); got < len(buf) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return sum, dfuerr.Wrap(dfuerr.KindHardware, "sha256-read", err, "read failed at 0x%08x", start+off)
		}
		if err := a.prim.Update(buf); err != nil {
			return sum, dfuerr.Wrap(dfuerr.KindHardware, "sha256-update", err, "hash engine update failed")
		}
		off += n
	}

	if err := a.prim.Finish(&sum); err != nil {
		return sum, dfuerr.Wrap(dfuerr.KindHardware, "sha256-finish", err, "hash engine finish failed")
	}
	return sum, nil
}

// Software is a Primitive backed by crypto/sha256.
type Software struct {
	h hash.Hash
}

// NewSoftware returns a software SHA-256 primitive
func NewSoftware() *Software {
	return &Software{}
}

// BlockSize implements Primitive
func (s *Software) BlockSize() int {
	return sha256.BlockSize
}

// Init implements Primitive
func (s *Software) Init() error {
	if s.h == nil {
		s.h = sha256.New()
	}
	s.h.Reset()
	return nil
}

// Update implements Primitive
func (s *Software) Update(p []byte) error {
	if s.h == nil {
		return errNotInitialised
	}
	_, err := s.h.Write(p)
	return err
}

// Finish implements Primitive
func (s *Software) Finish(out *[Size]byte) error {
	if s.h == nil {
		return errNotInitialised
	}
	s.h.Sum(out[:0])
	return nil
}

// Free implements Primitive
func (s *Software) Free() error {
	if s.h != nil {
		s.h.Reset()
	}
	return nil
}
