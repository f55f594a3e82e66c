package ecc

import (
	"golang.org/x/crypto/cryptobyte/asn1"
)

// uncompressedPrefix precedes X || Y inside the key's BIT STRING:
// zero unused bits, then the uncompressed point marker.
var uncompressedPrefix = [2]byte{0x00, 0x04}

// ExtractPublicKey copies the raw point X || Y out of a DER key blob. The
// point is taken from the first BIT STRING holding exactly an uncompressed
// P-256 point, which covers SubjectPublicKeyInfo, SEC 1 and PKCS#8 blobs.
func ExtractPublicKey(blob []byte, out *[PointSize]byte) error {
	found := false
	err := Walk(blob, func(tok Token) bool {
		if tok.Tag != asn1.BIT_STRING || len(tok.Value) != len(uncompressedPrefix)+PointSize {
			return true
		}
		if tok.Value[0] != uncompressedPrefix[0] || tok.Value[1] != uncompressedPrefix[1] {
			return true
		}
		copy(out[:], tok.Value[len(uncompressedPrefix):])
		found = true
		return false
	})
	if found {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrNoPublicKeyPoint
}
