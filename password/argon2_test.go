package password

import (
	"errors"
	"strings"
	"testing"
)

func testHasher(t *testing.T) *Argon2 {
	t.Helper()

	h, err := NewArgon2(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher(t)

	hash, err := h.Hash("correct-password-123")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := h.Verify("correct-password-123", hash)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true, nil", ok, err)
	}

	ok, err = h.Verify("wrong-password-456", hash)
	if err != nil || ok {
		t.Fatalf("Verify wrong password = %v, %v; want false, nil", ok, err)
	}
}

func TestHashIsSalted(t *testing.T) {
	h := testHasher(t)

	a, _ := h.Hash("correct-password-123")
	b, _ := h.Hash("correct-password-123")
	if a == b {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestHash_PolicyFloor(t *testing.T) {
	h := testHasher(t)

	if _, err := h.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	// Exactly at the floor passes.
	if _, err := h.Hash("abcdefghij"); err != nil {
		t.Fatalf("10-byte password should pass: %v", err)
	}
}

func TestVerify_CrossParameterHash(t *testing.T) {
	// A hash created with other cost parameters still verifies: the
	// parameters ride inside the PHC string.
	strong, err := NewArgon2(Config{
		Memory:      16 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	hash, err := strong.Hash("correct-password-123")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	weak := testHasher(t)
	ok, err := weak.Verify("correct-password-123", hash)
	if err != nil || !ok {
		t.Fatalf("Verify across configs = %v, %v; want true, nil", ok, err)
	}
}

func TestVerify_MalformedHash(t *testing.T) {
	h := testHasher(t)

	cases := []string{
		"",
		"plainly-not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", // wrong algorithm
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", // wrong version
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",    // memory below floor
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",     // missing parameter
		"$argon2id$v=19$m=8192,t=1,p=1$!!$aGFzaA",                     // bad salt encoding
	}
	for _, encoded := range cases {
		if _, err := h.Verify("whatever-password", encoded); err == nil {
			t.Errorf("Verify(%q) did not fail", encoded)
		}
	}
}

func TestNewArgon2_RejectsWeakConfig(t *testing.T) {
	cases := []Config{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16},     // memory
		{Memory: 8 * 1024, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 16}, // time
		{Memory: 8 * 1024, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 16}, // parallelism
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},  // salt
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},  // key
	}
	for i, cfg := range cases {
		if _, err := NewArgon2(cfg); err == nil {
			t.Errorf("case %d: weak config accepted", i)
		}
	}
}
