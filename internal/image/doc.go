// Package image implements the signed firmware image format.
//
// An image is a fixed-size header, the payload, and a trailer of
// type-length-value records:
//
//	0x00  magic        u32  0x96F3B83D
//	0x04  load address u32
//	0x08  header size  u32  (the header is padded to this length)
//	0x0C  payload size u32
//	0x10  flags        u32
//	0x14  version      u8 major, u8 minor, u16 revision, u32 build
//
// The trailer begins at header size + payload size with a u16 magic
// (0x6907) and u16 total size, followed by the SHA-256, key-hash and
// ECDSA-P256 signature records. All fields are little endian.
//
// # Parsing
//
// ParseTrailer consumes the records positionally and reports the first
// mismatch as a dfuerr verify error whose Op names the failed step.
//
// # Building
//
// Build produces a signed image from a payload and a P-256 key; it is used
// by the host tool and by tests.
package image
