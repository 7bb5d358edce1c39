// EHCI host controller driver
// https://github.com/usbarmory/ehci
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ehci

import (
	"errors"
	"fmt"

	"github.com/usbarmory/ehci/desc"
	"github.com/usbarmory/ehci/enum"
	"github.com/usbarmory/ehci/pipe"
)

// Code enumerates the error taxonomy (spec §7): the classification an
// API caller or a mount-failed callback reasons about, independent of
// the package that originated the underlying error.
type Code int

const (
	InvalidParameter Code = iota
	PoolExhausted
	Timeout
	DeviceNotResponding
	XferError
	Stall
	Unsupported
)

func (c Code) String() string {
	switch c {
	case InvalidParameter:
		return "INVALID_PARAMETER"
	case PoolExhausted:
		return "POOL_EXHAUSTED"
	case Timeout:
		return "TIMEOUT"
	case DeviceNotResponding:
		return "DEVICE_NOT_RESPONDING"
	case XferError:
		return "XFER_ERROR"
	case Stall:
		return "STALL"
	case Unsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a lower-level package error with the taxonomy code and
// operation name a caller needs to react to it (spec §7 "Propagation
// policy"), supporting errors.Is/errors.As via Unwrap.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ehci: %s: %s", e.Op, e.Code)
	}

	return fmt.Sprintf("ehci: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wrap classifies err against the sentinel errors the lower packages
// raise and returns an *Error carrying the matching taxonomy code. An
// unrecognized error is classified INVALID_PARAMETER, since every
// classified cause is named explicitly below.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	code := InvalidParameter

	switch {
	case errors.Is(err, desc.ErrPoolExhausted):
		code = PoolExhausted
	case errors.Is(err, pipe.ErrUnsupported):
		code = Unsupported
	case errors.Is(err, pipe.ErrInvalidParameter):
		code = InvalidParameter
	case errors.Is(err, enum.ErrTimeout):
		code = DeviceNotResponding
	case errors.Is(err, enum.ErrXferError):
		code = XferError
	case errors.Is(err, enum.ErrNoFreeSlot):
		code = PoolExhausted
	}

	return &Error{Code: code, Op: op, Err: err}
}
