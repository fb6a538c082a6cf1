package cc

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a builder or validator error so callers can branch
// on it without string matching.
type ErrorKind string

const (
	// KindInputInvalid covers out-of-range arguments: negative amounts,
	// over-size name/description, zero unit price.
	KindInputInvalid ErrorKind = "input_invalid"
	// KindNotFound covers a missing referenced tx, a spent order, or a
	// nonexistent heir plan.
	KindNotFound ErrorKind = "not_found"
	// KindInsufficientFunds covers normal or CC inputs below target.
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	// KindUnauthorised covers a signer that is neither owner nor heir when
	// required, or token creation signed by the wrong key.
	KindUnauthorised ErrorKind = "unauthorised"
	// KindStateGate covers a heir claim attempted before the inactivity
	// timer has expired, or cancellation of an already-closed order.
	KindStateGate ErrorKind = "state_gate"
	// KindDecodeError covers a malformed op-return, unknown funcid, or
	// version mismatch.
	KindDecodeError ErrorKind = "decode_error"
	// KindInvariantViolation covers token-in != token-out, a marker spent
	// without a matching burn, or unit-price inconsistency on a fill.
	// Only the validator raises this kind, and it is fatal to the tx.
	KindInvariantViolation ErrorKind = "invariant_violation"
)

// Error is the structured error type returned by every builder and
// validator in this module. Errors built by newErr always wrap an
// underlying error (often from github.com/bsv-blockchain/go-sdk, else one
// made from the message) so %w-based unwrapping keeps working.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers write cc.Is(err, cc.KindStateGate) instead of type
// asserting and comparing Kind by hand.
func Is(err error, kind ErrorKind) bool {
	var ccErr *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ccErr = e
			break
		}
		err = errors.Unwrap(err)
	}
	return ccErr != nil && ccErr.Kind == kind
}

// newErr wraps msg/err into a typed *Error, annotated with the operation
// name, mirroring the reference repository's fmt.Errorf("failed to ...: %w")
// idiom while adding the typed kind spec.md's error design requires.
func newErr(op string, kind ErrorKind, msg string, err error) *Error {
	var wrapped error
	if err != nil {
		wrapped = errors.WithMessage(err, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &Error{Kind: kind, Op: op, Err: wrapped}
}
