package marketauth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrGr33n98/marketauth/mail"
)

// requestResetToken drives RequestPasswordReset and captures the token
// from the mail.
func requestResetToken(t *testing.T, env *testEnv, email string) string {
	t.Helper()

	if _, err := env.engine.RequestPasswordReset(ctxWithIP("203.0.113.1"), email); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	token := env.mailer.last().Vars["token"]
	if token == "" {
		t.Fatal("no token in reset mail")
	}
	return token
}

func TestPasswordReset_HappyPath(t *testing.T) {
	env := newTestEnv(t, testConfig())
	user := env.createUser(t, "alice@example.com", "old-password-1234", true)

	token := requestResetToken(t, env, "alice@example.com")
	if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "new-password-1234"); err != nil {
		t.Fatalf("CompletePasswordReset failed: %v", err)
	}

	// Old password dead, new password works.
	if _, err := env.engine.Login(ctxWithIP("203.0.113.9"), "alice@example.com", "old-password-1234"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be rejected, got %v", err)
	}
	if _, err := env.engine.Login(ctxWithIP("203.0.113.9"), "alice@example.com", "new-password-1234"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	// Confirmation mail went out.
	if got := env.mailer.last().Template; got != mail.TemplatePasswordChanged {
		t.Fatalf("expected password_changed mail, got %s", got)
	}
	_ = user
}

func TestPasswordReset_TokenSingleUse(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "alice@example.com", "old-password-1234", true)

	token := requestResetToken(t, env, "alice@example.com")
	if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "new-password-1234"); err != nil {
		t.Fatalf("CompletePasswordReset failed: %v", err)
	}

	err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "another-password-1")
	requireErrorIs(t, err, ErrTokenInvalidOrUsed)
}

func TestPasswordReset_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "alice@example.com", "old-password-1234", true)
	token := requestResetToken(t, env, "alice@example.com")

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "new-password-1234"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}

func TestPasswordReset_Expired(t *testing.T) {
	cfg := testConfig()
	cfg.Tokens.ResetTTL = time.Minute
	env := newTestEnv(t, cfg)
	env.createUser(t, "alice@example.com", "old-password-1234", true)
	token := requestResetToken(t, env, "alice@example.com")

	env.engine.tokens.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "new-password-1234")
	requireErrorIs(t, err, ErrTokenExpired)

	// Password unchanged.
	if _, err := env.engine.Login(ctxWithIP("203.0.113.9"), "alice@example.com", "old-password-1234"); err != nil {
		t.Fatalf("old password should still work: %v", err)
	}
}

func TestPasswordReset_UnknownEmailLooksSent(t *testing.T) {
	env := newTestEnv(t, testConfig())

	result, err := env.engine.RequestPasswordReset(ctxWithIP("203.0.113.1"), "ghost@example.com")
	if err != nil {
		t.Fatalf("expected success shape, got %v", err)
	}
	if !result.Sent {
		t.Fatal("expected Sent=true for unknown email")
	}
	if env.mailer.count() != 0 {
		t.Fatal("no mail can go to an unknown address")
	}

	env.engine.Close()
	events := env.sink.ofType(EventPasswordResetRequest)
	if len(events) != 1 || events[0].Success {
		t.Fatalf("expected one internal failure event, got %+v", events)
	}
}

func TestPasswordReset_MailFailureStillLooksSent(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "alice@example.com", "old-password-1234", true)
	env.mailer.setFailure(errors.New("smtp down"))

	result, err := env.engine.RequestPasswordReset(ctxWithIP("203.0.113.1"), "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if !result.Sent {
		t.Fatal("delivery failure must not change the response shape")
	}
}

func TestPasswordReset_RequestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Policies[PurposePasswordReset] = RatePolicy{MaxRequests: 3, Window: time.Hour}
	env := newTestEnv(t, cfg)
	env.createUser(t, "alice@example.com", "old-password-1234", true)

	ctx := ctxWithIP("203.0.113.1")
	for i := 0; i < 3; i++ {
		if _, err := env.engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	_, err := env.engine.RequestPasswordReset(ctx, "alice@example.com")
	requireErrorIs(t, err, ErrRateLimitExceeded)

	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rle.RetryAfterSeconds() < 1 {
		t.Fatal("expected a positive retry delay")
	}
}

func TestPasswordReset_SupersedesPriorToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "alice@example.com", "old-password-1234", true)

	first := requestResetToken(t, env, "alice@example.com")
	second := requestResetToken(t, env, "alice@example.com")

	if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), first, "new-password-1234"); !errors.Is(err, ErrTokenInvalidOrUsed) {
		t.Fatalf("superseded token should be dead, got %v", err)
	}
	if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), second, "new-password-1234"); err != nil {
		t.Fatalf("fresh token failed: %v", err)
	}
}

func TestPasswordReset_ReuseRejectedAndTokenSurvives(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "alice@example.com", "old-password-1234", true)
	token := requestResetToken(t, env, "alice@example.com")

	err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "old-password-1234")
	requireErrorIs(t, err, ErrPasswordReuse)

	// The rejection left the token alive for a second try.
	if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "new-password-1234"); err != nil {
		t.Fatalf("retry with valid password failed: %v", err)
	}
}

func TestPasswordReset_PolicyRejectedAndTokenSurvives(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createUser(t, "alice@example.com", "old-password-1234", true)
	token := requestResetToken(t, env, "alice@example.com")

	err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "short")
	requireErrorIs(t, err, ErrPasswordPolicy)

	if err := env.engine.CompletePasswordReset(ctxWithIP("203.0.113.1"), token, "new-password-1234"); err != nil {
		t.Fatalf("retry with valid password failed: %v", err)
	}
}

func TestPasswordReset_ClearsLockout(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Policies[PurposeLogin] = RatePolicy{MaxRequests: 100, Window: time.Hour}
	env := newTestEnv(t, cfg)
	env.createUser(t, "alice@example.com", "old-password-1234", true)

	ctx := ctxWithIP("203.0.113.1")
	for i := 0; i < cfg.Lockout.Threshold; i++ {
		env.engine.Login(ctx, "alice@example.com", "wrong-password-123")
	}
	if _, err := env.engine.Login(ctx, "alice@example.com", "old-password-1234"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked account, got %v", err)
	}

	token := requestResetToken(t, env, "alice@example.com")
	if err := env.engine.CompletePasswordReset(ctx, token, "new-password-1234"); err != nil {
		t.Fatalf("CompletePasswordReset failed: %v", err)
	}

	// Proving mailbox control unlocked the account.
	if _, err := env.engine.Login(ctx, "alice@example.com", "new-password-1234"); err != nil {
		t.Fatalf("expected unlocked login, got %v", err)
	}

	env.engine.Close()
	if got := len(env.sink.ofType(EventAccountUnlock)); got != 1 {
		t.Fatalf("expected 1 unlock event, got %d", got)
	}
}

func TestPasswordReset_ConfirmWindowSeparateFromRequest(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Policies[PurposePasswordReset] = RatePolicy{MaxRequests: 2, Window: time.Hour}
	env := newTestEnv(t, cfg)
	env.createUser(t, "alice@example.com", "old-password-1234", true)

	ctx := ctxWithIP("203.0.113.1")
	token := requestResetToken(t, env, "alice@example.com")

	// Exhaust the confirm window with garbage tokens.
	for i := 0; i < 2; i++ {
		if err := env.engine.CompletePasswordReset(ctx, "garbage-token", "new-password-1234"); !errors.Is(err, ErrTokenInvalidOrUsed) {
			t.Fatalf("garbage attempt %d: expected ErrTokenInvalidOrUsed, got %v", i+1, err)
		}
	}
	if err := env.engine.CompletePasswordReset(ctx, token, "new-password-1234"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}

	// The request side still has its own window (one request already
	// spent on each of the ip and email keys).
	if _, err := env.engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("request window should be independent: %v", err)
	}
}
