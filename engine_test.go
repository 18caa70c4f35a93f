package marketauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrGr33n98/marketauth/mail"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// testConfig returns DefaultConfig tuned down for test speed: minimal
// argon2 cost, a fixed session secret, blocking audit so assertions see
// every event after Close.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	cfg.Session.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Audit.DropIfFull = false
	return cfg
}

// memUserStore is an in-memory UserStore for engine tests. failWith, when
// set, makes every method return that error.
type memUserStore struct {
	mu       sync.Mutex
	seq      int
	byID     map[string]UserRecord
	byEmail  map[string]string
	failWith error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byID:    make(map[string]UserRecord),
		byEmail: make(map[string]string),
	}
}

func (s *memUserStore) FindByEmail(_ context.Context, email string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return UserRecord{}, s.failWith
	}
	id, ok := s.byEmail[email]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return s.byID[id], nil
}

func (s *memUserStore) FindByID(_ context.Context, id string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return UserRecord{}, s.failWith
	}
	user, ok := s.byID[id]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (s *memUserStore) Create(_ context.Context, input CreateUserInput) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return UserRecord{}, s.failWith
	}
	if _, exists := s.byEmail[input.Email]; exists {
		return UserRecord{}, ErrAccountExists
	}
	s.seq++
	user := UserRecord{
		ID:           fmt.Sprintf("u%d", s.seq),
		Email:        input.Email,
		DisplayName:  input.DisplayName,
		PasswordHash: input.PasswordHash,
		CreatedAt:    time.Now(),
	}
	s.byID[user.ID] = user
	s.byEmail[user.Email] = user.ID
	return user, nil
}

func (s *memUserStore) UpdatePasswordHash(_ context.Context, id, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	user, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = newHash
	s.byID[id] = user
	return nil
}

func (s *memUserStore) MarkEmailVerified(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	user, ok := s.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	user.EmailVerified = true
	s.byID[id] = user
	return nil
}

func (s *memUserStore) IncrementFailedAttempts(context.Context, string) error { return nil }
func (s *memUserStore) ResetFailedAttempts(context.Context, string) error     { return nil }
func (s *memUserStore) SetLockout(context.Context, string, time.Time) error   { return nil }

func (s *memUserStore) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// sentMail is one captured delivery.
type sentMail struct {
	To       string
	Template mail.Template
	Vars     map[string]string
}

// captureMailer records sends; failWith makes every Send fail.
type captureMailer struct {
	mu       sync.Mutex
	sent     []sentMail
	failWith error
}

func (m *captureMailer) Send(_ context.Context, to string, template mail.Template, vars map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.sent = append(m.sent, sentMail{To: to, Template: template, Vars: vars})
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *captureMailer) last() sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMail{}
	}
	return m.sent[len(m.sent)-1]
}

func (m *captureMailer) setFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// recordSink collects every emitted event. Call Engine.Close before
// reading to make sure the dispatcher has drained.
type recordSink struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (s *recordSink) Emit(_ context.Context, event SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordSink) ofType(typ EventType) []SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SecurityEvent
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	engine *Engine
	redis  *miniredis.Miniredis
	users  *memUserStore
	mailer *captureMailer
	sink   *recordSink
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr, client := newTestRedis(t)
	users := newMemUserStore()
	mailer := &captureMailer{}
	sink := &recordSink{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(users).
		WithMailer(mailer).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, redis: mr, users: users, mailer: mailer, sink: sink}
}

// createUser registers an account directly through the store with the
// engine's hasher, bypassing the signup rate limit.
func (env *testEnv) createUser(t *testing.T, email, passwd string, verified bool) UserRecord {
	t.Helper()

	hash, err := env.engine.hasher.Hash(passwd)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	user, err := env.users.Create(context.Background(), CreateUserInput{
		Email:        email,
		DisplayName:  "Test User",
		PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if verified {
		if err := env.users.MarkEmailVerified(context.Background(), user.ID); err != nil {
			t.Fatalf("MarkEmailVerified failed: %v", err)
		}
		user.EmailVerified = true
	}
	return user
}

func ctxWithIP(ip string) context.Context {
	return WithClientIP(context.Background(), ip)
}

func requireErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
