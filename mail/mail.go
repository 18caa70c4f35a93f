// Package mail defines the email-sending collaborator contract the
// authentication engine depends on, plus a plain SMTP implementation.
//
// User-supplied strings (display names, user agents, IPs) are sanitized
// with bluemonday's strict policy before they reach a template, so a
// display name like "<script>..." renders as inert text in every client.
package mail

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// ErrSendFailed wraps any transport-level delivery failure.
var ErrSendFailed = errors.New("email send failed")

// Template identifies which message to render. The engine never builds
// message bodies itself; it passes a template kind and variables.
type Template string

const (
	TemplateVerifyEmail     Template = "verify_email"
	TemplatePasswordReset   Template = "password_reset"
	TemplatePasswordChanged Template = "password_changed"
	TemplateAccountLocked   Template = "account_locked"
)

// Mailer is the boundary contract for the email collaborator.
// Implementations must be safe for concurrent use and must sanitize
// variables (or call SanitizeVars) before rendering.
type Mailer interface {
	Send(ctx context.Context, to string, template Template, vars map[string]string) error
}

var (
	strictPolicy     *bluemonday.Policy
	strictPolicyOnce sync.Once
)

func getStrictPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// SanitizeVars strips all markup and control characters from template
// variables. Values are user-controlled (display names, user agents) and
// end up embedded in HTML email bodies.
func SanitizeVars(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}

	clean := make(map[string]string, len(vars))
	for k, v := range vars {
		clean[k] = SanitizeString(v)
	}
	return clean
}

// SanitizeString strips markup and non-printable characters from a single
// user-supplied value.
func SanitizeString(v string) string {
	v = getStrictPolicy().Sanitize(v)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, v)
}
