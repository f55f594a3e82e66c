package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/muurk/securedfu/internal/dfu"
)

// maxMessageSize bounds one frame: a row of data plus the envelope
const maxMessageSize = 4096

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err := cbor.DecOptions{
		MaxNestedLevels:  8,
		MaxArrayElements: 64,
		MaxMapPairs:      32,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	encMode, decMode = em, dm
}

// EncodeCommand encodes a host command
func EncodeCommand(cmd dfu.Command) ([]byte, error) {
	return encMode.Marshal(cmd)
}

// DecodeCommand decodes a host command
func DecodeCommand(data []byte) (dfu.Command, error) {
	var cmd dfu.Command
	if err := decMode.Unmarshal(data, &cmd); err != nil {
		return dfu.Command{}, fmt.Errorf("malformed command: %w", err)
	}
	return cmd, nil
}

// EncodeResponse encodes a device response
func EncodeResponse(resp dfu.Response) ([]byte, error) {
	return encMode.Marshal(resp)
}

// DecodeResponse decodes a device response
func DecodeResponse(data []byte) (dfu.Response, error) {
	var resp dfu.Response
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return dfu.Response{}, fmt.Errorf("malformed response: %w", err)
	}
	return resp, nil
}
