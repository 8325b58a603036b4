package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is matched by every DecodeError and ValidationError.
	ErrMalformed = errors.New("wire: malformed envelope")
	// ErrHashMismatch reports payload bytes that do not match their descriptor hash.
	ErrHashMismatch = errors.New("wire: payload hash mismatch")
)

// DecodeError is a framing or parse failure: bad magic, truncated input,
// a wrong encoding byte, or counts that run past the buffer.
type DecodeError struct {
	Offset int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: decode at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: decode at offset %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

// ValidationError reports a decoded (or to-be-encoded) structure that
// breaks its own invariants, such as a Type that does not match the
// populated sub-request.
type ValidationError struct {
	Struct string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("wire: invalid %s: %s", e.Struct, e.Reason)
	}
	return fmt.Sprintf("wire: invalid %s.%s: %s", e.Struct, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrMalformed }

func invalid(st, field, reason string) error {
	return &ValidationError{Struct: st, Field: field, Reason: reason}
}
