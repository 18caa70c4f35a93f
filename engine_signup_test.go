package marketauth

import (
	"errors"
	"testing"
	"time"

	"github.com/MrGr33n98/marketauth/mail"
)

func TestSignup_Success(t *testing.T) {
	env := newTestEnv(t, testConfig())

	result, err := env.engine.Signup(ctxWithIP("203.0.113.1"), "Bob@Example.com", "strong-password-1", "Bob")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if result.User.Email != "bob@example.com" {
		t.Fatalf("expected normalized email, got %s", result.User.Email)
	}
	if result.User.EmailVerified {
		t.Fatal("new accounts must start unverified")
	}
	if !result.VerificationSent {
		t.Fatal("expected verification mail to be sent")
	}

	sent := env.mailer.last()
	if sent.Template != mail.TemplateVerifyEmail {
		t.Fatalf("expected verify_email template, got %s", sent.Template)
	}
	if sent.Vars["token"] == "" {
		t.Fatal("verification mail must carry the token")
	}

	stored, err := env.users.FindByEmail(ctxWithIP(""), "bob@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if stored.PasswordHash == "strong-password-1" {
		t.Fatal("password stored in plaintext")
	}
	if ok, _ := env.engine.hasher.Verify("strong-password-1", stored.PasswordHash); !ok {
		t.Fatal("stored hash does not verify the password")
	}
}

func TestSignup_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "bob@example.com", "strong-password-1", false)

	_, err := env.engine.Signup(ctxWithIP("203.0.113.1"), "bob@example.com", "strong-password-1", "Bob")
	requireErrorIs(t, err, ErrAccountExists)
}

func TestSignup_DuplicateHiddenWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Enumeration.RevealOnSignup = false
	env := newTestEnv(t, cfg)
	existing := env.createUser(t, "bob@example.com", "strong-password-1", false)

	result, err := env.engine.Signup(ctxWithIP("203.0.113.1"), "bob@example.com", "other-password-1", "Mallory")
	if err != nil {
		t.Fatalf("expected success shape, got %v", err)
	}
	if !result.VerificationSent {
		t.Fatal("success shape must report a sent verification")
	}

	// The real account is untouched.
	stored, _ := env.users.FindByID(ctxWithIP(""), existing.ID)
	if ok, _ := env.engine.hasher.Verify("strong-password-1", stored.PasswordHash); !ok {
		t.Fatal("existing account was modified by hidden duplicate signup")
	}
}

func TestSignup_PasswordPolicy(t *testing.T) {
	env := newTestEnv(t, testConfig())

	_, err := env.engine.Signup(ctxWithIP("203.0.113.1"), "bob@example.com", "short", "Bob")
	requireErrorIs(t, err, ErrPasswordPolicy)
}

func TestSignup_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Policies[PurposeSignup] = RatePolicy{MaxRequests: 2, Window: time.Hour}
	env := newTestEnv(t, cfg)

	ctx := ctxWithIP("203.0.113.1")
	for i := 0; i < 2; i++ {
		if _, err := env.engine.Signup(ctx, "bob@example.com", "strong-password-1", "Bob"); i == 0 && err != nil {
			t.Fatalf("first signup failed: %v", err)
		}
	}

	_, err := env.engine.Signup(ctx, "carol@example.com", "strong-password-1", "Carol")
	requireErrorIs(t, err, ErrRateLimitExceeded)
}

func TestSignup_MailFailureKeepsAccount(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.mailer.setFailure(errors.New("smtp down"))

	result, err := env.engine.Signup(ctxWithIP("203.0.113.1"), "bob@example.com", "strong-password-1", "Bob")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if result.VerificationSent {
		t.Fatal("expected VerificationSent=false on mail failure")
	}

	if _, err := env.users.FindByEmail(ctxWithIP(""), "bob@example.com"); err != nil {
		t.Fatalf("account should exist despite mail failure: %v", err)
	}
}
