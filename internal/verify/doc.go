// Package verify decides whether a stored firmware image may be executed.
//
// A Verifier reads the image header and trailer from storage, digests the
// header and payload through a digest.Primitive, compares the result with
// the trailer hash, and only then asks an ECDSA primitive to check the
// signature. The comparison comes first so corrupt transfers fail without
// the more expensive signature check.
//
// # Outcomes
//
//   - nil error: the image is authentic and unmodified
//   - dfuerr verify error: the image must not run; Op names the failed step
//   - dfuerr hardware error: a primitive failed and the caller must halt
//
// # Byte order
//
// Primitives declare the operand order they expect. Software takes the
// big-endian values as decoded; CryptoBlock takes every 32-byte integer
// reversed, as crypto accelerators commonly do.
package verify
