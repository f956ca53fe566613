// Copyright © 2024 The ELPS authors

package native

import "fmt"

// Status is a native result code as delivered to startup callbacks.
type Status int32

const (
	StatusOK Status = 0
	// StatusTimeout is reported when the runtime did not start in time.
	StatusTimeout Status = -2147023436
	// StatusNotSupported is reported when the runtime version cannot be
	// debugged by the available debugging interface.
	StatusNotSupported Status = -2146233037
	// StatusFail is the generic failure code.
	StatusFail Status = -2147467259
)

// OK reports whether s denotes success.
func (s Status) OK() bool {
	return s >= 0
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "S_OK"
	case StatusTimeout:
		return "E_TIMEOUT"
	case StatusNotSupported:
		return "E_NOTSUPPORTED"
	case StatusFail:
		return "E_FAIL"
	}
	return fmt.Sprintf("0x%08x", uint32(s))
}

// StatusError converts a failing status into an error.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}
