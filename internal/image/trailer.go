package image

import (
	"encoding/binary"
	"fmt"

	"github.com/muurk/securedfu/internal/dfuerr"
)

// Trailer record types
const (
	TLVKeyHash  uint16 = 0x01
	TLVSHA256   uint16 = 0x10
	TLVECDSA256 uint16 = 0x22
)

// Trailer sizes
const (
	// HashSize is the length of the SHA-256 record value
	HashSize = 32

	// InfoSize is the size of the trailer info block (magic, total size)
	InfoSize = 4

	// RecordHeaderSize is the size of a record's type and length fields
	RecordHeaderSize = 4

	// MaxTrailerSize bounds the bytes read for trailer parsing
	MaxTrailerSize = 256
)

// Verification steps reported in dfuerr.Error.Op
const (
	StepHeaderMagic      = "header-magic"
	StepHeaderSize       = "header-size"
	StepBounds           = "bounds"
	StepTrailerMagic     = "trailer-magic"
	StepHashType         = "hash-type"
	StepHashLength       = "hash-length"
	StepKeyHash          = "key-hash"
	StepSignatureType    = "signature-type"
	StepSignatureLength  = "signature-length"
	StepSignatureFormat  = "signature-format"
	StepPublicKey        = "public-key"
	StepDigest           = "digest"
	StepSignatureInvalid = "signature"
)

var recordTypeNames = map[uint16]string{
	TLVKeyHash:  "KEYHASH",
	TLVSHA256:   "SHA256",
	TLVECDSA256: "ECDSA256",
}

// RecordTypeName returns the name of a record type
func RecordTypeName(t uint16) string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", t)
}

// Record is one type-length-value entry of the trailer
type Record struct {
	Type   uint16
	Length uint16
	Value  []byte
	Offset int // Offset of the record header from the trailer start
}

// Trailer is the decoded trailer. Value slices alias the parsed buffer.
type Trailer struct {
	Magic     uint16
	Size      uint16
	Hash      Record
	KeyHash   Record
	Signature Record
}

// HashValue returns the image hash as a fixed array
func (t *Trailer) HashValue() [HashSize]byte {
	var h [HashSize]byte
	copy(h[:], t.Hash.Value)
	return h
}

// recordReader walks the trailer positionally
type recordReader struct {
	buf []byte
	off int
}

func (r *recordReader) u16() (uint16, bool) {
	if len(r.buf)-r.off < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, true
}

func (r *recordReader) bytes(n int) ([]byte, bool) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *recordReader) header(step string) (Record, error) {
	rec := Record{Offset: r.off}
	var ok1, ok2 bool
	rec.Type, ok1 = r.u16()
	rec.Length, ok2 = r.u16()
	if !ok1 || !ok2 {
		return rec, dfuerr.New(dfuerr.KindVerify, step, "record header at trailer offset %d is truncated", rec.Offset)
	}
	return rec, nil
}

func truncated(step string, rec Record, need int) error {
	return dfuerr.New(dfuerr.KindVerify, step,
		"%s record at trailer offset %d needs %d bytes, trailer is shorter", RecordTypeName(rec.Type), rec.Offset, need)
}

// ParseTrailer decodes the fixed-schema trailer in b: info block, hash
// record, key-hash record and signature record, in that order. The first
// mismatch is returned as a verify error naming the step.
//
// An odd signature length is read as length+1 to tolerate encoders that
// drop the final byte from the declared length.
func ParseTrailer(b []byte) (*Trailer, error) {
	r := &recordReader{buf: b}
	t := &Trailer{}

	magic, ok := r.u16()
	if !ok || magic != TrailerMagic {
		return nil, dfuerr.New(dfuerr.KindVerify, StepTrailerMagic,
			"trailer magic 0x%04x, want 0x%04x", magic, TrailerMagic)
	}
	t.Magic = magic
	if t.Size, ok = r.u16(); !ok {
		return nil, dfuerr.New(dfuerr.KindVerify, StepTrailerMagic, "trailer info is truncated")
	}

	// Hash record
	rec, err := r.header(StepHashType)
	if err != nil {
		return nil, err
	}
	if rec.Type != TLVSHA256 {
		return nil, dfuerr.New(dfuerr.KindVerify, StepHashType,
			"first record is %s, want %s", RecordTypeName(rec.Type), RecordTypeName(TLVSHA256))
	}
	if rec.Length != HashSize {
		return nil, dfuerr.New(dfuerr.KindVerify, StepHashLength,
			"hash length %d, want %d", rec.Length, HashSize)
	}
	if rec.Value, ok = r.bytes(HashSize); !ok {
		return nil, truncated(StepHashLength, rec, HashSize)
	}
	t.Hash = rec

	// Key-hash record: fixed size so the signature record sits at
	// trailer offset 76. Its contents are not checked.
	if rec, err = r.header(StepKeyHash); err != nil {
		return nil, err
	}
	if rec.Length != HashSize {
		return nil, dfuerr.New(dfuerr.KindVerify, StepKeyHash,
			"key hash length %d, want %d", rec.Length, HashSize)
	}
	if rec.Value, ok = r.bytes(HashSize); !ok {
		return nil, truncated(StepKeyHash, rec, HashSize)
	}
	t.KeyHash = rec

	// Signature record
	if rec, err = r.header(StepSignatureType); err != nil {
		return nil, err
	}
	if rec.Type != TLVECDSA256 {
		return nil, dfuerr.New(dfuerr.KindVerify, StepSignatureType,
			"signature record is %s, want %s", RecordTypeName(rec.Type), RecordTypeName(TLVECDSA256))
	}
	n := int(rec.Length)
	if n%2 != 0 {
		n++
	}
	if rec.Value, ok = r.bytes(n); !ok {
		return nil, truncated(StepSignatureLength, rec, n)
	}
	t.Signature = rec

	return t, nil
}
