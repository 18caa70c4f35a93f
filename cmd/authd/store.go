package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrGr33n98/marketauth"
)

// memoryUserStore is the bundled account store. It keeps everything in
// process memory, which is enough for demos and local development; real
// deployments implement marketauth.UserStore over their own database.
type memoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]*memoryUser
	byEmail map[string]string
}

type memoryUser struct {
	record         marketauth.UserRecord
	failedAttempts int
	lockedUntil    time.Time
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{
		byID:    make(map[string]*memoryUser),
		byEmail: make(map[string]string),
	}
}

func (s *memoryUserStore) FindByEmail(_ context.Context, email string) (marketauth.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return marketauth.UserRecord{}, marketauth.ErrUserNotFound
	}
	return s.byID[id].record, nil
}

func (s *memoryUserStore) FindByID(_ context.Context, id string) (marketauth.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return marketauth.UserRecord{}, marketauth.ErrUserNotFound
	}
	return u.record, nil
}

func (s *memoryUserStore) Create(_ context.Context, input marketauth.CreateUserInput) (marketauth.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[input.Email]; exists {
		return marketauth.UserRecord{}, marketauth.ErrAccountExists
	}
	u := &memoryUser{
		record: marketauth.UserRecord{
			ID:           uuid.NewString(),
			Email:        input.Email,
			DisplayName:  input.DisplayName,
			PasswordHash: input.PasswordHash,
			CreatedAt:    time.Now(),
		},
	}
	s.byID[u.record.ID] = u
	s.byEmail[input.Email] = u.record.ID
	return u.record, nil
}

func (s *memoryUserStore) UpdatePasswordHash(_ context.Context, id, newHash string) error {
	return s.update(id, func(u *memoryUser) { u.record.PasswordHash = newHash })
}

func (s *memoryUserStore) MarkEmailVerified(_ context.Context, id string) error {
	return s.update(id, func(u *memoryUser) { u.record.EmailVerified = true })
}

func (s *memoryUserStore) IncrementFailedAttempts(_ context.Context, id string) error {
	return s.update(id, func(u *memoryUser) { u.failedAttempts++ })
}

func (s *memoryUserStore) ResetFailedAttempts(_ context.Context, id string) error {
	return s.update(id, func(u *memoryUser) {
		u.failedAttempts = 0
		u.lockedUntil = time.Time{}
	})
}

func (s *memoryUserStore) SetLockout(_ context.Context, id string, until time.Time) error {
	return s.update(id, func(u *memoryUser) { u.lockedUntil = until })
}

func (s *memoryUserStore) update(id string, fn func(*memoryUser)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return marketauth.ErrUserNotFound
	}
	fn(u)
	return nil
}
