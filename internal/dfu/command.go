package dfu

import "fmt"

// State is the update state machine's state
type State uint8

const (
	// StateNone waits for the first data command of a transfer
	StateNone State = iota
	// StateUpdating is receiving rows
	StateUpdating
	// StateFinished has received the whole image and is verifying it
	StateFinished
	// StateFailed aborted the current attempt
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateUpdating:
		return "updating"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Opcode identifies a host command
type Opcode uint8

// Host command codes
const (
	OpEnter     Opcode = 0x38
	OpWriteData Opcode = 0x49
	OpCompare   Opcode = 0x4A
	OpErase     Opcode = 0x44
	OpReadData  Opcode = 0x3D
	OpGetState  Opcode = 0x3E
	OpComplete  Opcode = 0x3B
)

// String returns the command name
func (o Opcode) String() string {
	switch o {
	case OpEnter:
		return "enter"
	case OpWriteData:
		return "write-data"
	case OpCompare:
		return "compare"
	case OpErase:
		return "erase"
	case OpReadData:
		return "read-data"
	case OpGetState:
		return "get-state"
	case OpComplete:
		return "complete"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// Command is one decoded host request
type Command struct {
	Seq    uint32 `cbor:"1,keyasint,omitempty"`
	Op     Opcode `cbor:"2,keyasint"`
	Addr   uint32 `cbor:"3,keyasint,omitempty"`
	Length uint32 `cbor:"4,keyasint,omitempty"`
	Data   []byte `cbor:"5,keyasint,omitempty"`
}

// Response answers a Command. Status is a dfuerr wire status byte.
type Response struct {
	Seq     uint32  `cbor:"1,keyasint,omitempty"`
	Op      Opcode  `cbor:"2,keyasint"`
	Status  byte    `cbor:"3,keyasint"`
	Message string  `cbor:"4,keyasint,omitempty"`
	Data    []byte  `cbor:"5,keyasint,omitempty"`
	Report  *Report `cbor:"6,keyasint,omitempty"`
}

// Report is the device status returned for GetState, Enter and Complete
type Report struct {
	State            State    `cbor:"1,keyasint"`
	DeviceID         uint32   `cbor:"2,keyasint,omitempty"`
	ActiveVersion    string   `cbor:"3,keyasint,omitempty"`
	CandidateVersion string   `cbor:"4,keyasint,omitempty"`
	LastStatus       byte     `cbor:"5,keyasint,omitempty"`
	LastError        string   `cbor:"6,keyasint,omitempty"`
	RowSize          uint32   `cbor:"7,keyasint"`
	CandidateStart   uint32   `cbor:"8,keyasint"`
	CandidateLength  uint32   `cbor:"9,keyasint"`
	Counters         Counters `cbor:"10,keyasint"`
}

// Counters are cumulative since the engine started
type Counters struct {
	Commands      uint64 `cbor:"1,keyasint"`
	RowsWritten   uint64 `cbor:"2,keyasint"`
	RowsErased    uint64 `cbor:"3,keyasint"`
	Rejected      uint64 `cbor:"4,keyasint"`
	Timeouts      uint64 `cbor:"5,keyasint"`
	Verifications uint64 `cbor:"6,keyasint"`
	VerifyFailed  uint64 `cbor:"7,keyasint"`
}
