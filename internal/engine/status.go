package engine

import "fmt"

// Status is the outcome code of an engine operation. Non-OK values satisfy
// error.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidParams
	StatusSessionNotFound
	StatusInsufficientData
	StatusNotReady
	StatusFileNotFound
	StatusProcessingError
	StatusOutOfMemory
)

var statusNames = [...]string{
	StatusOK:               "OK",
	StatusInvalidParams:    "INVALID_PARAMS",
	StatusSessionNotFound:  "SESSION_NOT_FOUND",
	StatusInsufficientData: "INSUFFICIENT_DATA",
	StatusNotReady:         "NOT_READY",
	StatusFileNotFound:     "FILE_NOT_FOUND",
	StatusProcessingError:  "PROCESSING_ERROR",
	StatusOutOfMemory:      "OUT_OF_MEMORY",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error implements error.
func (s Status) Error() string { return "engine: " + s.String() }

// OK reports whether s is StatusOK.
func (s Status) OK() bool { return s == StatusOK }

// Err returns nil for StatusOK and s otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return s
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result holds either a value or a non-OK status.
type Result[T any] struct {
	value  T
	status Status
}

func okResult[T any](v T) Result[T] { return Result[T]{value: v} }

func failResult[T any](s Status) Result[T] {
	if s == StatusOK {
		s = StatusProcessingError
	}
	return Result[T]{status: s}
}

// OK reports whether the result carries a value.
func (r Result[T]) OK() bool { return r.status == StatusOK }

// Status returns StatusOK or the failure code.
func (r Result[T]) Status() Status { return r.status }

// Value returns the value, the zero value on failure.
func (r Result[T]) Value() T { return r.value }

// Get returns the value and the status as an error.
func (r Result[T]) Get() (T, error) { return r.value, r.status.Err() }
