package ecc

import (
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Fixed widths for P-256
const (
	CoordSize     = 32
	SignatureSize = 2 * CoordSize
	PointSize     = 2 * CoordSize
)

// NormalizeSignature converts a DER SEQUENCE { INTEGER r, INTEGER s } into
// r || s, each left-padded with zeros or trimmed from the front to
// CoordSize. Bytes after the SEQUENCE are ignored.
func NormalizeSignature(der []byte, out *[SignatureSize]byte) error {
	input := cryptobyte.String(der)

	var seq cryptobyte.String
	var tag asn1.Tag
	if !input.ReadAnyASN1(&seq, &tag) {
		return ErrMalformed
	}
	if tag != asn1.SEQUENCE {
		return ErrNotSequence
	}
	seqLen := len(seq)

	var r, s cryptobyte.String
	if !seq.ReadAnyASN1(&r, &tag) {
		return ErrMalformed
	}
	if tag != asn1.INTEGER || len(r) == 0 {
		return ErrNotInteger
	}
	if !seq.ReadAnyASN1(&s, &tag) {
		return ErrMalformed
	}
	if tag != asn1.INTEGER || len(s) == 0 {
		return ErrNotInteger
	}

	if len(r)+len(s)+4 != seqLen {
		return ErrLengthMismatch
	}

	if err := putFixed(out[:CoordSize], r); err != nil {
		return err
	}
	return putFixed(out[CoordSize:], s)
}

// putFixed writes v right-aligned into dst. Leading bytes beyond the width
// must be sign padding.
func putFixed(dst, v []byte) error {
	if len(v) > len(dst) {
		extra := len(v) - len(dst)
		for _, b := range v[:extra] {
			if b != 0 {
				return ErrIntegerTooLong
			}
		}
		v = v[extra:]
	}
	pad := len(dst) - len(v)
	clear(dst[:pad])
	copy(dst[pad:], v)
	return nil
}
