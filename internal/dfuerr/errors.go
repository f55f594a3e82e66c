package dfuerr

import (
	"errors"
	"fmt"
)

// ErrorKind represents the category of a firmware-update failure
type ErrorKind int

const (
	// KindLength indicates a misaligned address or a length that is not a whole row
	KindLength ErrorKind = iota + 1
	// KindAddress indicates an address outside the allowed regions or inside the running image
	KindAddress
	// KindData indicates the storage primitive rejected a row or a read failed
	KindData
	// KindCommand indicates an unknown or malformed command from the host
	KindCommand
	// KindVerify indicates the image (or a compared row) did not match what was expected
	KindVerify
	// KindTimeout indicates no host activity within the inactivity window
	KindTimeout
	// KindHardware indicates a crypto or driver primitive failed; never retried
	KindHardware
)

// Wire status codes reported back to the host for each kind.
const (
	StatusSuccess  byte = 0x00
	StatusVerify   byte = 0x02
	StatusLength   byte = 0x03
	StatusData     byte = 0x04
	StatusCommand  byte = 0x05
	StatusAddress  byte = 0x0A
	StatusTimeout  byte = 0x0C
	StatusHardware byte = 0x0F
)

// String returns a human-readable name for the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindLength:
		return "Length Error"
	case KindAddress:
		return "Address Error"
	case KindData:
		return "Data Error"
	case KindCommand:
		return "Command Error"
	case KindVerify:
		return "Verify Error"
	case KindTimeout:
		return "Timeout"
	case KindHardware:
		return "Hardware Error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Status returns the wire status byte for the kind
func (k ErrorKind) Status() byte {
	switch k {
	case KindLength:
		return StatusLength
	case KindAddress:
		return StatusAddress
	case KindData:
		return StatusData
	case KindCommand:
		return StatusCommand
	case KindVerify:
		return StatusVerify
	case KindTimeout:
		return StatusTimeout
	default:
		return StatusHardware
	}
}

// KindFromStatus maps a wire status byte back to an error kind.
// StatusSuccess maps to 0.
func KindFromStatus(status byte) ErrorKind {
	switch status {
	case StatusSuccess:
		return 0
	case StatusLength:
		return KindLength
	case StatusAddress:
		return KindAddress
	case StatusData:
		return KindData
	case StatusCommand:
		return KindCommand
	case StatusVerify:
		return KindVerify
	case StatusTimeout:
		return KindTimeout
	default:
		return KindHardware
	}
}

// Error is the typed error carried through the guard, verifier and update loop
type Error struct {
	Kind    ErrorKind // Category of failure
	Op      string    // Step that failed (e.g. "write", "trailer-magic")
	Message string    // Human-readable detail
	Err     error     // Underlying error (if any)
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must halt the update loop
func (e *Error) Fatal() bool {
	return e.Kind == KindHardware
}

// New creates an error of the given kind with a formatted message
func New(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind ErrorKind, op string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in the chain, or 0 if there is none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// OpOf returns the failing step of the first *Error in the chain
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// StatusOf returns the wire status byte for err (StatusSuccess for nil).
// Errors outside the taxonomy report StatusHardware.
func StatusOf(err error) byte {
	if err == nil {
		return StatusSuccess
	}
	if kind := KindOf(err); kind != 0 {
		return kind.Status()
	}
	return StatusHardware
}

// IsLength checks if an error is a length/alignment rejection
func IsLength(err error) bool {
	return KindOf(err) == KindLength
}

// IsAddress checks if an error is an address rejection
func IsAddress(err error) bool {
	return KindOf(err) == KindAddress
}

// IsData checks if an error is a storage data error
func IsData(err error) bool {
	return KindOf(err) == KindData
}

// IsVerify checks if an error is a verification failure
func IsVerify(err error) bool {
	return KindOf(err) == KindVerify
}

// IsTimeout checks if an error is an inactivity timeout
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsHardware checks if an error is a primitive failure
func IsHardware(err error) bool {
	return KindOf(err) == KindHardware
}

// IsFatal checks if an error must halt the update loop
func IsFatal(err error) bool {
	return IsHardware(err)
}

// IsRecoverable checks if an error only aborts the current attempt
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindLength, KindAddress, KindData, KindCommand, KindVerify, KindTimeout:
		return true
	}
	return false
}
