package marketauth

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	// Sessions need a secret before the default validates.
	cfg.Session.Secret = []byte("0123456789abcdef0123456789abcdef")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate: %v", err)
	}
}

func TestDefaultConfig_CredentialPurposesFailClosed(t *testing.T) {
	cfg := DefaultConfig()

	for _, p := range []Purpose{PurposeLogin, PurposeSignup, PurposePasswordReset, PurposeEmailVerification, PurposePasswordChange} {
		if cfg.RateLimit.Policies[p].FailOpen {
			t.Errorf("purpose %s must fail closed by default", p)
		}
	}
	if !cfg.RateLimit.Policies[PurposeGenericAPI].FailOpen {
		t.Error("generic_api should fail open by default")
	}
}

func TestConfigValidate_Rejections(t *testing.T) {
	base := func() Config {
		cfg := testConfig()
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window with budget", func(c *Config) {
			c.RateLimit.Policies[PurposeLogin] = RatePolicy{MaxRequests: 5}
		}},
		{"zero lockout threshold", func(c *Config) {
			c.Lockout.Threshold = 0
		}},
		{"zero lockout duration", func(c *Config) {
			c.Lockout.Duration = 0
		}},
		{"zero verification TTL", func(c *Config) {
			c.Tokens.VerificationTTL = 0
		}},
		{"zero reset TTL", func(c *Config) {
			c.Tokens.ResetTTL = 0
		}},
		{"weak argon2 memory", func(c *Config) {
			c.Password.Memory = 1024
		}},
		{"short session secret", func(c *Config) {
			c.Session.Secret = []byte("short")
		}},
		{"zero session TTL", func(c *Config) {
			c.Session.TTL = 0
		}},
		{"negative audit buffer", func(c *Config) {
			c.Audit.BufferSize = -1
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation failure")
			}
		})
	}
}

func TestConfigValidate_DisabledSubsystemsSkipChecks(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout = LockoutConfig{Enabled: false}
	cfg.Session = SessionConfig{Enabled: false}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled subsystems should not be validated: %v", err)
	}
}

func TestDefaultConfig_Budgets(t *testing.T) {
	cfg := DefaultConfig()

	want := map[Purpose]RatePolicy{
		PurposeLogin:             {MaxRequests: 5, Window: 15 * time.Minute},
		PurposeSignup:            {MaxRequests: 3, Window: time.Hour},
		PurposePasswordReset:     {MaxRequests: 3, Window: time.Hour},
		PurposeEmailVerification: {MaxRequests: 5, Window: time.Hour},
		PurposePasswordChange:    {MaxRequests: 5, Window: 15 * time.Minute},
	}
	for p, policy := range want {
		got := cfg.RateLimit.Policies[p]
		if got.MaxRequests != policy.MaxRequests || got.Window != policy.Window {
			t.Errorf("purpose %s: got %d/%v, want %d/%v",
				p, got.MaxRequests, got.Window, policy.MaxRequests, policy.Window)
		}
	}

	if cfg.Lockout.Threshold != 5 || cfg.Lockout.Duration != 30*time.Minute {
		t.Errorf("unexpected lockout defaults: %+v", cfg.Lockout)
	}
}
