package claim

import "errors"

// Kind groups claim failures by how the caller should react.
type Kind string

const (
	// KindValidation covers pocket state and double-claim rejections.
	KindValidation Kind = "validation"
	KindRisk       Kind = "risk"
	// KindContention is transient; the caller may retry later.
	KindContention Kind = "contention"
	KindDispatch   Kind = "dispatch"
	// KindInvariant means an internal consistency check failed. Never user-caused.
	KindInvariant Kind = "invariant"
	KindInternal  Kind = "internal"
)

var (
	ErrPocketNotFound     = errors.New("pocket not found")
	ErrPocketInactive     = errors.New("pocket inactive")
	ErrPocketExpired      = errors.New("pocket expired")
	ErrFullyClaimed       = errors.New("fully claimed")
	ErrAlreadyClaimed     = errors.New("already claimed")
	ErrNoAccount          = errors.New("no linked account")
	ErrInvalidRequest     = errors.New("invalid claim request")
	ErrRiskBlocked        = errors.New("blocked by risk policy")
	ErrClaimInProgress    = errors.New("claim in progress")
	ErrPocketContended    = errors.New("pocket busy, retry later")
	ErrDispatchExhausted  = errors.New("settlement failed on every ledger")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Error is returned by SubmitClaim for every rejected or failed attempt.
type Error struct {
	Kind   Kind
	Reason error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the reason sentinel and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func newError(kind Kind, reason, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// KindOf returns the kind of a claim error, or KindInternal for anything else.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// ReasonOf returns the short user-facing reason for err.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Kind == KindInvariant || ce.Kind == KindInternal {
			return "internal error"
		}
		return ce.Reason.Error()
	}
	return "internal error"
}
