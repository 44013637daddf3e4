package bridge

import (
	"errors"
	"fmt"
)

// Code is the enumerated result type returned across the C ABI. Every
// fallible bridge operation maps its error to one of these; detail text
// travels through the last-error slot (two-call protocol).
type Code int32

const (
	CodeSuccess Code = iota
	CodeNullPointer
	CodeInvalidHandle
	CodeResourceExhausted
	CodeMemoryAllocation
	CodeSharedMemoryFailure
	CodeRuntimeException
	CodeNotInitialized
	CodeParseFailure
	CodeSlotNotFound
	CodeTimeout
	CodeAlreadyInitialized
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodeNullPointer:
		return "NullPointer"
	case CodeInvalidHandle:
		return "InvalidHandle"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeMemoryAllocation:
		return "MemoryAllocation"
	case CodeSharedMemoryFailure:
		return "SharedMemoryFailure"
	case CodeRuntimeException:
		return "RuntimeException"
	case CodeNotInitialized:
		return "NotInitialized"
	case CodeParseFailure:
		return "ParseFailure"
	case CodeSlotNotFound:
		return "SlotNotFound"
	case CodeTimeout:
		return "Timeout"
	case CodeAlreadyInitialized:
		return "AlreadyInitialized"
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Error carries a result code alongside human-readable detail. Internal
// code paths use the structured error; only the C ABI edge degrades to
// the code-plus-last-error protocol.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errf builds a coded error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the result code from an error. A nil error is
// Success; an uncoded error is a RuntimeException.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeRuntimeException
}
