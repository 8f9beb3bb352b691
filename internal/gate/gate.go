package gate

import (
	"context"

	"github.com/dgellow/ride-signin/internal/emailutil"
	"github.com/dgellow/ride-signin/internal/flags"
	"github.com/dgellow/ride-signin/internal/idp"
	"github.com/dgellow/ride-signin/internal/log"
)

// Decision is the outcome of Validate
type Decision int

const (
	Reject Decision = iota
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Validator admits only identities from the institution. It keeps no state:
// validating the same identity twice has the same result and side effects.
type Validator struct {
	suffix   string
	provider idp.Provider
	flags    *flags.Store
}

// New creates a validator for an email suffix such as "@university.edu".
// A suffix without "@" is treated as a domain.
func New(suffix string, provider idp.Provider, store *flags.Store) *Validator {
	return &Validator{
		suffix:   emailutil.NormalizeSuffix(suffix),
		provider: provider,
		flags:    store,
	}
}

// Suffix is the normalized suffix, for error messages
func (v *Validator) Suffix() string {
	return v.suffix
}

// Accepts is the pure check
func (v *Validator) Accepts(email string) bool {
	return emailutil.HasSuffix(email, v.suffix)
}

// Validate checks identity and, on reject, signs the browser out and clears
// every attempt record. The provider does not enforce the institution, so
// this runs for every identity no matter how it was obtained.
func (v *Validator) Validate(ctx context.Context, identity *idp.Identity) Decision {
	if identity == nil {
		v.signOut(ctx)
		return Reject
	}
	if v.Accepts(identity.Email) {
		log.LogTraceWithFields("gate", "Identity accepted", map[string]any{
			"email": emailutil.Redact(identity.Email),
		})
		return Accept
	}

	log.LogWarnWithFields("gate", "Identity outside the institution, signing out", map[string]any{
		"email":    emailutil.Redact(identity.Email),
		"required": v.suffix,
	})
	v.signOut(ctx)
	v.flags.ClearAll(ctx, flags.RedirectPrefix)
	return Reject
}

func (v *Validator) signOut(ctx context.Context) {
	if err := v.provider.SignOut(ctx); err != nil {
		log.LogErrorWithFields("gate", "Sign-out failed", map[string]any{
			"error": err.Error(),
		})
	}
}
