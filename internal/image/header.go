package image

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/coreos/go-semver/semver"
)

// Image header and trailer constants
const (
	// HeaderMagic identifies the start of an image
	HeaderMagic uint32 = 0x96F3B83D

	// TrailerMagic identifies the TLV info block after the payload
	TrailerMagic uint16 = 0x6907

	// DefaultHeaderSize is the header size images are built with unless configured otherwise
	DefaultHeaderSize = 0x400

	// HeaderFieldsSize is the number of bytes occupied by header fields; the
	// rest of the header is padding
	HeaderFieldsSize = 32
)

// Header field offsets
const (
	offMagic       = 0x00
	offLoadAddr    = 0x04
	offHeaderSize  = 0x08
	offPayloadSize = 0x0C
	offFlags       = 0x10
	offVersion     = 0x14
)

// Version is the image version stored in the header
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// Semver returns the version as a semantic version; the build number becomes metadata
func (v Version) Semver() semver.Version {
	sv := semver.Version{
		Major: int64(v.Major),
		Minor: int64(v.Minor),
		Patch: int64(v.Revision),
	}
	if v.Build != 0 {
		sv.Metadata = strconv.FormatUint(uint64(v.Build), 10)
	}
	return sv
}

// String returns the version in semver form (e.g. "1.2.3+45")
func (v Version) String() string {
	sv := v.Semver()
	return sv.String()
}

// ParseVersion parses "major.minor.revision[+build]"
func ParseVersion(s string) (Version, error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid image version %q: %w", s, err)
	}
	if sv.Major > 0xFF || sv.Minor > 0xFF || sv.Patch > 0xFFFF || sv.Major < 0 || sv.Minor < 0 || sv.Patch < 0 {
		return Version{}, fmt.Errorf("image version %q does not fit the header fields", s)
	}
	if sv.PreRelease != "" {
		return Version{}, fmt.Errorf("image version %q: pre-release tags are not supported", s)
	}

	v := Version{Major: uint8(sv.Major), Minor: uint8(sv.Minor), Revision: uint16(sv.Patch)}
	if sv.Metadata != "" {
		build, err := strconv.ParseUint(sv.Metadata, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("image version %q: build metadata must be a number", s)
		}
		v.Build = uint32(build)
	}
	return v, nil
}

// Header is the fixed block at the start of every image
type Header struct {
	Magic       uint32
	LoadAddr    uint32
	HeaderSize  uint32
	PayloadSize uint32
	Flags       uint32
	Version     Version
}

// ParseHeader decodes the header fields from the first HeaderFieldsSize bytes of b.
// It performs no validation beyond the length check.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderFieldsSize {
		return Header{}, fmt.Errorf("header is %d bytes, need %d", len(b), HeaderFieldsSize)
	}
	le := binary.LittleEndian
	return Header{
		Magic:       le.Uint32(b[offMagic:]),
		LoadAddr:    le.Uint32(b[offLoadAddr:]),
		HeaderSize:  le.Uint32(b[offHeaderSize:]),
		PayloadSize: le.Uint32(b[offPayloadSize:]),
		Flags:       le.Uint32(b[offFlags:]),
		Version: Version{
			Major:    b[offVersion],
			Minor:    b[offVersion+1],
			Revision: le.Uint16(b[offVersion+2:]),
			Build:    le.Uint32(b[offVersion+4:]),
		},
	}, nil
}

// PutHeader encodes h into the first HeaderFieldsSize bytes of b
func PutHeader(b []byte, h Header) error {
	if len(b) < HeaderFieldsSize {
		return fmt.Errorf("header buffer is %d bytes, need %d", len(b), HeaderFieldsSize)
	}
	le := binary.LittleEndian
	le.PutUint32(b[offMagic:], h.Magic)
	le.PutUint32(b[offLoadAddr:], h.LoadAddr)
	le.PutUint32(b[offHeaderSize:], h.HeaderSize)
	le.PutUint32(b[offPayloadSize:], h.PayloadSize)
	le.PutUint32(b[offFlags:], h.Flags)
	b[offVersion] = h.Version.Major
	b[offVersion+1] = h.Version.Minor
	le.PutUint16(b[offVersion+2:], h.Version.Revision)
	le.PutUint32(b[offVersion+4:], h.Version.Build)
	return nil
}

// SignedLength returns the number of bytes covered by the digest
func (h Header) SignedLength() uint64 {
	return uint64(h.HeaderSize) + uint64(h.PayloadSize)
}
