// Package autherr is the user-facing sign-in error taxonomy.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies a sign-in failure
type Kind string

const (
	PopupBlocked    Kind = "popup_blocked"
	PopupDismissed  Kind = "popup_dismissed"
	RedirectTimeout Kind = "redirect_timeout"
	NoPendingResult Kind = "no_pending_result"
	InvalidDomain   Kind = "invalid_domain"
	ProviderFailure Kind = "provider_failure"
	TooManyAttempts Kind = "too_many_attempts"
)

// Error is a sign-in failure of a given kind
type Error struct {
	Kind Kind
	// Suffix is the required email suffix, set for InvalidDomain
	Suffix string
	Err    error
}

// New creates an error of the given kind wrapping cause (which may be nil)
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// NewInvalidDomain creates an InvalidDomain error naming the required suffix
func NewInvalidDomain(suffix string) *Error {
	return &Error{Kind: InvalidDomain, Suffix: suffix}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, autherr.New(k, nil)) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage is the text shown to the user
func (e *Error) UserMessage() string {
	switch e.Kind {
	case RedirectTimeout, NoPendingResult:
		return "Sign-in did not complete, please try again."
	case InvalidDomain:
		if e.Suffix == "" {
			return "Please sign in with your institutional email address."
		}
		return fmt.Sprintf("Please sign in with an email address ending in %s.", e.Suffix)
	case ProviderFailure:
		return "We couldn't reach the sign-in service. Check your connection and try again."
	case TooManyAttempts:
		return "Too many sign-in attempts. Please refresh the page and try again."
	case PopupBlocked:
		return "The sign-in window was blocked. Allow popups for this site and try again."
	case PopupDismissed:
		return "The sign-in window was closed before sign-in finished."
	default:
		return "Sign-in failed, please try again."
	}
}

// KindOf returns the kind of err, or "" when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns err as an *Error, wrapping unknown errors as ProviderFailure
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(ProviderFailure, err)
}
