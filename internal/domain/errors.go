package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig marks configuration that must fail startup.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDetectorUnavailable marks a detector-level failure. The
	// coordinator converts it to an abstain result; it never aborts an
	// evaluation.
	ErrDetectorUnavailable = errors.New("detector unavailable")

	// ErrEvaluationDeadline is returned when an evaluation is cancelled
	// or times out before reaching its commit. No state was mutated.
	ErrEvaluationDeadline = errors.New("evaluation deadline exceeded")

	// ErrNotFound is returned by lookups for unknown records.
	ErrNotFound = errors.New("record not found")
)

// MalformedTransactionError rejects a transaction before evaluation.
// The caller is notified and no account state is mutated.
type MalformedTransactionError struct {
	Field  string
	Reason string
}

func (e *MalformedTransactionError) Error() string {
	return fmt.Sprintf("malformed transaction: %s %s", e.Field, e.Reason)
}

// IsMalformed reports whether err is a transaction validation failure.
func IsMalformed(err error) bool {
	var m *MalformedTransactionError
	return errors.As(err, &m)
}
