package ecc

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Decoding errors
var (
	ErrMalformed        = errors.New("ecc: malformed DER element")
	ErrNotSequence      = errors.New("ecc: signature is not a DER SEQUENCE")
	ErrNotInteger       = errors.New("ecc: signature component is not a DER INTEGER")
	ErrLengthMismatch   = errors.New("ecc: signature component lengths disagree with the SEQUENCE length")
	ErrIntegerTooLong   = errors.New("ecc: signature component does not fit the coordinate width")
	ErrNoPublicKeyPoint = errors.New("ecc: no uncompressed P-256 point in key blob")
)

const (
	constructedBit = 0x20
	maxDepth       = 8
)

// Token is one decoded DER element
type Token struct {
	Tag   asn1.Tag
	Value []byte // Contents, aliasing the input
	Depth int
}

// Constructed reports whether the element contains further elements
func (t Token) Constructed() bool {
	return t.Tag&constructedBit != 0
}

// Walk visits every DER element in der depth first, descending into
// constructed elements and into OCTET STRINGs that themselves hold DER.
// Returning false from fn stops the walk.
func Walk(der []byte, fn func(Token) bool) error {
	_, err := walk(cryptobyte.String(der), 0, fn)
	return err
}

func walk(s cryptobyte.String, depth int, fn func(Token) bool) (bool, error) {
	for !s.Empty() {
		var value cryptobyte.String
		var tag asn1.Tag
		if !s.ReadAnyASN1(&value, &tag) {
			return false, ErrMalformed
		}

		tok := Token{Tag: tag, Value: value, Depth: depth}
		if !fn(tok) {
			return false, nil
		}
		if depth >= maxDepth {
			continue
		}

		switch {
		case tok.Constructed():
			if cont, err := walk(value, depth+1, fn); err != nil || !cont {
				return cont, err
			}
		case tag == asn1.OCTET_STRING:
			// Encapsulated keys (PKCS#8); contents that are not DER are data
			if cont, err := walk(value, depth+1, fn); err == nil && !cont {
				return false, nil
			}
		}
	}
	return true, nil
}
