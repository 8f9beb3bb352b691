package idp

import (
	"strings"

	"golang.org/x/oauth2"
)

// GoogleIssuer is the default issuer
const GoogleIssuer = "https://accounts.google.com"

// idTokenClaims are the ID token claims we read. Google adds `hd` for
// Workspace accounts; other OIDC providers simply leave it empty.
type idTokenClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	HostedDomain  string `json:"hd"`
}

func (c idTokenClaims) identity() *Identity {
	name := c.Name
	if name == "" {
		name = c.Email
	}
	return &Identity{
		ID:          c.Subject,
		Email:       c.Email,
		DisplayName: name,
		Verified:    c.EmailVerified,
	}
}

// constraintOptions maps request constraints to authorization URL parameters.
// hd is only a hint to the account chooser; the gate still checks the email.
func constraintOptions(c Constraints) []oauth2.AuthCodeOption {
	var opts []oauth2.AuthCodeOption
	if hd := strings.TrimPrefix(strings.TrimSpace(c.HostedDomain), "@"); hd != "" {
		opts = append(opts, oauth2.SetAuthURLParam("hd", strings.ToLower(hd)))
	}
	if c.PromptAccountChooser {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "select_account"))
	}
	return opts
}
