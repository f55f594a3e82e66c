package image

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/muurk/securedfu/internal/keys"
)

// BuildOptions control how an image is laid out
type BuildOptions struct {
	// HeaderSize is the padded header length; DefaultHeaderSize when zero
	HeaderSize uint32
	// LoadAddr is recorded in the header
	LoadAddr uint32
	// Version is recorded in the header
	Version Version
	// Align pads the finished image with zeros to a multiple of Align bytes
	Align int
}

// Build lays out header, payload and a signed trailer.
//
// The trailer holds, in order: the SHA-256 of header and payload, the
// SHA-256 of the DER public key, and the DER ECDSA-P256 signature of the
// image hash.
func Build(payload []byte, opts BuildOptions, key *ecdsa.PrivateKey) ([]byte, error) {
	if opts.HeaderSize == 0 {
		opts.HeaderSize = DefaultHeaderSize
	}
	if opts.HeaderSize < HeaderFieldsSize {
		return nil, fmt.Errorf("header size %d is smaller than the %d header fields", opts.HeaderSize, HeaderFieldsSize)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("payload of %d bytes does not fit the header", len(payload))
	}

	hdr := Header{
		Magic:       HeaderMagic,
		LoadAddr:    opts.LoadAddr,
		HeaderSize:  opts.HeaderSize,
		PayloadSize: uint32(len(payload)),
		Version:     opts.Version,
	}

	img := make([]byte, int(opts.HeaderSize), int(opts.HeaderSize)+len(payload)+MaxTrailerSize)
	if err := PutHeader(img, hdr); err != nil {
		return nil, err
	}
	img = append(img, payload...)

	hash := sha256.Sum256(img)

	pubDER, err := keys.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	keyHash := keys.KeyHash(pubDER)

	sig, err := ecdsa.SignASN1(rand.Reader, key, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign image: %w", err)
	}

	img = AppendTrailer(img, hash[:], keyHash[:], sig)

	if opts.Align > 1 {
		if r := len(img) % opts.Align; r != 0 {
			img = append(img, make([]byte, opts.Align-r)...)
		}
	}
	return img, nil
}

// AppendTrailer appends a trailer with the given record values to img
func AppendTrailer(img []byte, hash, keyHash, sig []byte) []byte {
	total := InfoSize + 3*RecordHeaderSize + len(hash) + len(keyHash) + len(sig)

	img = binary.LittleEndian.AppendUint16(img, TrailerMagic)
	img = binary.LittleEndian.AppendUint16(img, uint16(total))
	img = appendRecord(img, TLVSHA256, hash)
	img = appendRecord(img, TLVKeyHash, keyHash)
	img = appendRecord(img, TLVECDSA256, sig)
	return img
}

func appendRecord(b []byte, typ uint16, value []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, typ)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

// Info summarises an image without verifying it
type Info struct {
	Header  Header
	Trailer *Trailer
	Size    int
}

// Inspect decodes the header and trailer of an image held in memory
func Inspect(img []byte) (*Info, error) {
	hdr, err := ParseHeader(img)
	if err != nil {
		return nil, err
	}
	if hdr.Magic != HeaderMagic {
		return nil, fmt.Errorf("header magic 0x%08x, want 0x%08x", hdr.Magic, HeaderMagic)
	}

	end := hdr.SignedLength()
	if end > uint64(len(img)) {
		return nil, fmt.Errorf("header declares %d signed bytes, image is %d bytes", end, len(img))
	}
	tail := img[end:]
	if len(tail) > MaxTrailerSize {
		tail = tail[:MaxTrailerSize]
	}
	// ParseTrailer may read one byte past an odd signature length
	buf := make([]byte, len(tail)+1)
	copy(buf, tail)

	t, err := ParseTrailer(buf)
	if err != nil {
		return nil, err
	}
	return &Info{Header: hdr, Trailer: t, Size: len(img)}, nil
}
