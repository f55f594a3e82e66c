// Package ecc decodes the DER structures the verifier consumes: ECDSA
// signatures and P-256 public keys. Both are reduced to fixed-width raw
// forms (r || s and X || Y) that the verification primitive takes.
//
// Decoding walks typed DER tokens with golang.org/x/crypto/cryptobyte
// rather than scanning raw bytes, so malformed lengths surface as errors
// instead of out-of-bounds reads.
package ecc
