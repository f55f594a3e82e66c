package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"math/big"

	"github.com/muurk/securedfu/internal/digest"
	"github.com/muurk/securedfu/internal/ecc"
)

// ByteOrder is the operand order an ECDSA primitive expects
type ByteOrder int

const (
	// BigEndian operands are passed as encoded in DER and SEC 1
	BigEndian ByteOrder = iota
	// LittleEndian operands have every 32-byte integer reversed
	LittleEndian
)

// String returns the name of the byte order
func (o ByteOrder) String() string {
	if o == LittleEndian {
		return "little-endian"
	}
	return "big-endian"
}

// Operands are the fixed-width inputs of an ECDSA verification, already in
// the primitive's byte order.
type Operands struct {
	Key       [ecc.PointSize]byte     // X || Y
	Digest    [digest.Size]byte       // image hash
	Signature [ecc.SignatureSize]byte // r || s
}

// ECDSA is a P-256 signature verification primitive.
type ECDSA interface {
	// ByteOrder reports the operand order Verify expects
	ByteOrder() ByteOrder
	// Verify reports whether the signature is valid. An error means the
	// primitive itself failed, not that the signature is invalid.
	Verify(op *Operands) (bool, error)
}

// reverseInts reverses each CoordSize-byte integer in b in place
func reverseInts(b []byte) {
	for off := 0; off+ecc.CoordSize <= len(b); off += ecc.CoordSize {
		v := b[off : off+ecc.CoordSize]
		for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
			v[i], v[j] = v[j], v[i]
		}
	}
}

// toByteOrder converts big-endian operands to order in place
func toByteOrder(op *Operands, order ByteOrder) {
	if order != LittleEndian {
		return
	}
	reverseInts(op.Key[:])
	reverseInts(op.Digest[:])
	reverseInts(op.Signature[:])
}

// Software verifies with crypto/ecdsa and takes big-endian operands.
type Software struct{}

// ByteOrder implements ECDSA
func (Software) ByteOrder() ByteOrder {
	return BigEndian
}

var errPointNotOnCurve = errors.New("public key is not on P-256")

// Verify implements ECDSA
func (Software) Verify(op *Operands) (bool, error) {
	curve := elliptic.P256()
	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(op.Key[:ecc.CoordSize]),
		Y:     new(big.Int).SetBytes(op.Key[ecc.CoordSize:]),
	}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return false, errPointNotOnCurve
	}
	r := new(big.Int).SetBytes(op.Signature[:ecc.CoordSize])
	s := new(big.Int).SetBytes(op.Signature[ecc.CoordSize:])
	return ecdsa.Verify(pub, op.Digest[:], r, s), nil
}

// CryptoBlock models a crypto accelerator that takes little-endian
// operands. It converts them back and defers to Software.
type CryptoBlock struct {
	sw Software
}

// ByteOrder implements ECDSA
func (CryptoBlock) ByteOrder() ByteOrder {
	return LittleEndian
}

// Verify implements ECDSA
func (c CryptoBlock) Verify(op *Operands) (bool, error) {
	be := *op
	reverseInts(be.Key[:])
	reverseInts(be.Digest[:])
	reverseInts(be.Signature[:])
	return c.sw.Verify(&be)
}
