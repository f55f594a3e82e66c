package verify

import (
	"crypto/elliptic"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"

	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/dfuerr"
	"github.com/muurk/securedfu/internal/digest"
	"github.com/muurk/securedfu/internal/ecc"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/nvm"
)

// Config holds the verifier configuration
type Config struct {
	// HeaderSize is the only header size an image may declare
	HeaderSize uint32

	// PublicKey is the DER key blob images must be signed with
	PublicKey []byte
}

// Result describes an image that passed verification
type Result struct {
	Header image.Header
	Digest [digest.Size]byte
}

// Verifier decides whether the image in a slot may be executed.
// It owns fixed working buffers and is not safe for concurrent use.
type Verifier struct {
	config Config
	digest *digest.Adapter
	ecdsa  ECDSA
	logger *zap.Logger

	hdr     [image.HeaderFieldsSize]byte
	trailer [image.MaxTrailerSize]byte
	ops     Operands
}

// New creates a verifier. The key blob is decoded once up front so a bad
// key is reported at start-up rather than as a failed update.
func New(config Config, hash digest.Primitive, ec ECDSA, logger *zap.Logger) (*Verifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeaderSize < image.HeaderFieldsSize {
		return nil, fmt.Errorf("header size %d is smaller than the header fields", config.HeaderSize)
	}

	var point [ecc.PointSize]byte
	if err := ecc.ExtractPublicKey(config.PublicKey, &point); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	x := new(big.Int).SetBytes(point[:ecc.CoordSize])
	y := new(big.Int).SetBytes(point[ecc.CoordSize:])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid public key: point is not on P-256")
	}

	return &Verifier{
		config: config,
		digest: digest.NewAdapter(hash),
		ecdsa:  ec,
		logger: logger,
	}, nil
}

func verifyErr(step string, format string, args ...any) error {
	return dfuerr.New(dfuerr.KindVerify, step, format, args...)
}

// Verify checks the image stored in slot. It returns a dfuerr verify error
// naming the first failed step, or a hardware error if a primitive failed.
// The image is only read.
//
// The checks run in this order:
//  1. header magic
//  2. header size against the configured size
//  3. trailer start from header and payload sizes
//  4. trailer records (see image.ParseTrailer)
//  5. signature normalization and public key extraction
//  6. digest of header and payload, compared to the trailer hash
//  7. ECDSA verification in the primitive's byte order
func (v *Verifier) Verify(src io.ReaderAt, slot nvm.Region) (*Result, error) {
	log := v.logger.With(zap.Stringer("slot", slot))

	if slot.Length < image.HeaderFieldsSize {
		return nil, verifyErr(image.StepBounds, "slot of %d bytes cannot hold a header", slot.Length)
	}
	if err := readFull(src, v.hdr[:], slot.Start); err != nil {
		return nil, err
	}
	hdr, err := image.ParseHeader(v.hdr[:])
	if err != nil {
		return nil, verifyErr(image.StepBounds, "%v", err)
	}

	if hdr.Magic != image.HeaderMagic {
		return nil, verifyErr(image.StepHeaderMagic, "magic 0x%08x, want 0x%08x", hdr.Magic, image.HeaderMagic)
	}
	if hdr.HeaderSize != v.config.HeaderSize {
		return nil, verifyErr(image.StepHeaderSize, "header size 0x%x, want 0x%x", hdr.HeaderSize, v.config.HeaderSize)
	}

	signed := hdr.SignedLength()
	if signed+image.InfoSize > uint64(slot.Length) {
		return nil, verifyErr(image.StepBounds,
			"header and payload (%d bytes) leave no room for a trailer in a %d byte slot", signed, slot.Length)
	}
	trailerStart := uint32(uint64(slot.Start) + signed)
	available := uint64(slot.Length) - signed
	n := min(uint64(len(v.trailer)), available)
	buf := v.trailer[:n]
	if err := readFull(src, buf, trailerStart); err != nil {
		return nil, err
	}

	tr, err := image.ParseTrailer(buf)
	if err != nil {
		return nil, err
	}
	log.Debug("Trailer parsed",
		zap.Uint32("trailer_addr", trailerStart),
		zap.Uint16("trailer_size", tr.Size),
		zap.Uint16("signature_len", tr.Signature.Length),
	)

	if err := ecc.NormalizeSignature(tr.Signature.Value, &v.ops.Signature); err != nil {
		return nil, dfuerr.Wrap(dfuerr.KindVerify, image.StepSignatureFormat, err, "signature is not a valid DER ECDSA signature")
	}
	if err := ecc.ExtractPublicKey(v.config.PublicKey, &v.ops.Key); err != nil {
		return nil, dfuerr.Wrap(dfuerr.KindVerify, image.StepPublicKey, err, "public key blob is unusable")
	}

	sum, err := v.digest.Sum(src, int64(slot.Start), int64(signed))
	if err != nil {
		return nil, err
	}
	want := tr.HashValue()
	if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
		return nil, verifyErr(image.StepDigest, "image hash %x does not match trailer hash %x", sum, want)
	}
	log.Debug("Image hash matches trailer", zap.Binary("sha256", sum[:]))

	v.ops.Digest = sum
	toByteOrder(&v.ops, v.ecdsa.ByteOrder())

	ok, err := v.ecdsa.Verify(&v.ops)
	if err != nil {
		return nil, dfuerr.Wrap(dfuerr.KindHardware, "ecdsa", err, "signature primitive failed")
	}
	if !ok {
		return nil, verifyErr(image.StepSignatureInvalid, "signature does not verify with the configured key")
	}

	log.Info("Image verified",
		zap.String("version", hdr.Version.String()),
		zap.Uint32("payload_size", hdr.PayloadSize),
	)
	return &Result{Header: hdr, Digest: sum}, nil
}

// readFull reads len(buf) bytes at addr; a short read is a hardware error
func readFull(src io.ReaderAt, buf []byte, addr uint32) error {
	n, err := src.ReadAt(buf, int64(addr))
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return dfuerr.Wrap(dfuerr.KindHardware, "read", err, "storage read failed at 0x%08x", addr)
}
