// Package coreerrors defines the error taxonomy shared by every component of
// the campaign concurrency and dial-dispatch core. Callers that need to
// branch on error category should use Is/Kind rather than string matching.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error by its recovery policy, mirroring the taxonomy
// operators use to decide whether to surface, retry, waitlist, repair, or
// exit the process.
type Kind int

const (
	// Unknown is the zero value; treated like an unclassified internal error.
	Unknown Kind = iota
	// Validation is malformed caller input. Never retried by the core.
	Validation
	// AuthZ is an attempt to access another owner's campaign.
	AuthZ
	// NotFound is a missing campaign, contact, or call-log.
	NotFound
	// Conflict is a state-machine violation (e.g. resuming a campaign that
	// isn't paused).
	Conflict
	// KVUnavailable is a transient KV-store connectivity failure.
	KVUnavailable
	// VendorTemporary is a retryable telephony-vendor failure.
	VendorTemporary
	// VendorPermanent is a non-retryable telephony-vendor failure.
	VendorPermanent
	// ConcurrencyExhausted means no slot is available; the job is waitlisted,
	// not failed.
	ConcurrencyExhausted
	// NearSaturation is a rejected concurrency-limit reduction.
	NearSaturation
	// ReconciliationDrift is a logged, auto-repaired invariant violation.
	ReconciliationDrift
	// Fatal is an unrecoverable startup or KV/DB failure; the process exits.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case AuthZ:
		return "authz"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case KVUnavailable:
		return "kv_unavailable"
	case VendorTemporary:
		return "vendor_temporary"
	case VendorPermanent:
		return "vendor_permanent"
	case ConcurrencyExhausted:
		return "concurrency_exhausted"
	case NearSaturation:
		return "near_saturation"
	case ReconciliationDrift:
		return "reconciliation_drift"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, following the teacher's fmt.Errorf("op: %w", err) wrapping
// convention but keeping the kind machine-readable for callers that must
// branch on it (dispatch retry policy, HTTP status mapping, circuit
// breakers).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through the wrapper.
func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, returning Unknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

func Validationf(op, format string, args ...any) error {
	return New(Validation, op, fmt.Errorf(format, args...))
}

func NotFoundf(op, format string, args ...any) error {
	return New(NotFound, op, fmt.Errorf(format, args...))
}

func Conflictf(op, format string, args ...any) error {
	return New(Conflict, op, fmt.Errorf(format, args...))
}

func AuthZf(op, format string, args ...any) error {
	return New(AuthZ, op, fmt.Errorf(format, args...))
}

func KVUnavailablef(op string, err error) error {
	return New(KVUnavailable, op, err)
}

func Fatalf(op, format string, args ...any) error {
	return New(Fatal, op, fmt.Errorf(format, args...))
}

// NearSaturationError carries the observable state the caller needs to
// build the 429 payload {activeCalls, requestedLimit} from spec.md §6.
type NearSaturationError struct {
	ActiveCalls     int64
	RequestedLimit  int64
}

func (e *NearSaturationError) Error() string {
	return fmt.Sprintf("near saturation: active=%d requested=%d", e.ActiveCalls, e.RequestedLimit)
}

// NewNearSaturation wraps a NearSaturationError as a classified *Error so
// callers can use Is(err, NearSaturation) uniformly.
func NewNearSaturation(active, requested int64) error {
	return New(NearSaturation, "update_concurrent_limit", &NearSaturationError{
		ActiveCalls:    active,
		RequestedLimit: requested,
	})
}
