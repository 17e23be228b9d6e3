package zftl

import (
	"errors"
	"fmt"
)

// Error is a structured zftl error carrying the failing operation, a
// high-level Code, and (for device errors) the raw NVMe status code.
type Error struct {
	Op         string // operation that failed (e.g. "Read", "Write", "Reclaim")
	Code       Code
	StatusCode uint16 // set only for CodeDeviceError
	Msg        string
	Inner      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Code == CodeDeviceError {
		return fmt.Sprintf("zftl: %s: %s (status=0x%02x)", e.Op, msg, e.StatusCode)
	}
	if e.Op != "" {
		return fmt.Sprintf("zftl: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("zftl: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Code is the high-level error taxonomy of spec §7.
type Code string

const (
	CodeInvalidParam Code = "invalid parameter"
	CodeOutOfBounds  Code = "lba range out of bounds"
	CodeNotMapped    Code = "logical lba not mapped"
	CodeNoFreeZones  Code = "no free zones available"
	CodeDeviceError  Code = "device error"
	CodeFatal        Code = "fatal"
)

// StatusZoneFull mirrors nvme.StatusZoneFull; duplicated here (as a
// uint16 constant of the same value) so callers can compare a
// CodeDeviceError's StatusCode without importing internal/nvme.
const StatusZoneFull uint16 = 0xB9

func newError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewInvalidParamError reports a bad init() parameter (§4.2).
func NewInvalidParamError(op, msg string) *Error {
	return newError(op, CodeInvalidParam, msg)
}

// NewOutOfBoundsError reports a read/write range past max_lba.
func NewOutOfBoundsError(op string, lba, blocks, maxLBA uint64) *Error {
	return newError(op, CodeOutOfBounds, fmt.Sprintf("lba=%d blocks=%d exceeds max_lba=%d", lba, blocks, maxLBA))
}

// NewNotMappedError reports a read of an unmapped logical LBA.
func NewNotMappedError(op string, lba uint64) *Error {
	return newError(op, CodeNotMapped, fmt.Sprintf("lba=%d has no mapping", lba))
}

// NewNoFreeZonesError reports that no zone could be obtained. Reclaim
// returns it when neither op_zones nor free_zones holds a destination
// zone; the write path blocks for a free zone instead of returning it.
func NewNoFreeZonesError(op string) *Error {
	return newError(op, CodeNoFreeZones, "no free zones available after reclaim")
}

// NewDeviceError wraps a non-zero NVMe completion status.
func NewDeviceError(op string, statusCode uint16) *Error {
	return &Error{Op: op, Code: CodeDeviceError, StatusCode: statusCode, Msg: "device reported non-zero status", Inner: nil}
}

// NewFatalError reports reset failure, an invariant violation, or a
// double-free of a zone, conditions that tear down the target (§7).
func NewFatalError(op string, inner error) *Error {
	return &Error{Op: op, Code: CodeFatal, Msg: "unrecoverable", Inner: inner}
}

// WrapError attaches op to an existing error, preserving a *Error's
// code if inner already carries one.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var ze *Error
	if errors.As(inner, &ze) {
		return &Error{Op: op, Code: ze.Code, StatusCode: ze.StatusCode, Msg: ze.Msg, Inner: ze.Inner}
	}
	return &Error{Op: op, Code: CodeFatal, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Code == code
	}
	return false
}
