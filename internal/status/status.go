// Package status defines the error kinds returned across the DHCP client surface.
package status

import (
	"errors"
	"fmt"
)

// Errors returned by the codec, the client adapter and the service registry.
// Callers match them with errors.Is.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrFormat is a wire-format violation. It is reported to callers as an invalid parameter.
	ErrFormat         = fmt.Errorf("%w: malformed dhcp options", ErrInvalidParameter)
	ErrOutOfMemory    = errors.New("out of resources")
	ErrAccessDenied   = errors.New("access denied")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrDeviceError    = errors.New("device error")
	ErrNoMapping      = errors.New("no mapping")
	ErrUnsupported    = errors.New("unsupported")
)

// Code is the kind of an error, used for metric labels and CLI exit reporting.
type Code string

const (
	Success          Code = "success"
	InvalidParameter Code = "invalid_parameter"
	FormatError      Code = "format_error"
	OutOfMemory      Code = "out_of_memory"
	AccessDenied     Code = "access_denied"
	AlreadyStarted   Code = "already_started"
	NotStarted       Code = "not_started"
	BufferTooSmall   Code = "buffer_too_small"
	DeviceError      Code = "device_error"
	NoMapping        Code = "no_mapping"
	Unsupported      Code = "unsupported"
	Unknown          Code = "unknown"
)

// ordered most specific first, ErrFormat must be matched before ErrInvalidParameter.
var codes = []struct {
	err  error
	code Code
}{
	{ErrFormat, FormatError},
	{ErrInvalidParameter, InvalidParameter},
	{ErrOutOfMemory, OutOfMemory},
	{ErrAccessDenied, AccessDenied},
	{ErrAlreadyStarted, AlreadyStarted},
	{ErrNotStarted, NotStarted},
	{ErrBufferTooSmall, BufferTooSmall},
	{ErrDeviceError, DeviceError},
	{ErrNoMapping, NoMapping},
	{ErrUnsupported, Unsupported},
}

// Of returns the Code of err. A nil error is Success.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return Unknown
}

// Codes returns every Code that Of can return.
func Codes() []Code {
	out := []Code{Success}
	for _, c := range codes {
		out = append(out, c.code)
	}

	return append(out, Unknown)
}
