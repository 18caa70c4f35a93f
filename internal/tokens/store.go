package tokens

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrGr33n98/marketauth/internal"
	"github.com/redis/go-redis/v9"
)

// Purpose identifies what a token grants. A token issued for one purpose
// never validates for another.
type Purpose uint8

const (
	PurposeEmailVerification Purpose = iota
	PurposePasswordReset

	purposeCount
)

var purposeSlugs = [purposeCount]string{"verify", "reset"}

func (p Purpose) String() string {
	if p >= purposeCount {
		return "unknown"
	}
	return purposeSlugs[p]
}

var (
	// ErrNotFound covers unknown, superseded, and secret-mismatch tokens.
	// They are indistinguishable on purpose.
	ErrNotFound = errors.New("token not found or already used")
	// ErrExpired is returned for a token past its TTL.
	ErrExpired = errors.New("token expired")
	// ErrAlreadyConsumed is returned to every Consume caller after the
	// first winner. It is the concurrency guard for single use.
	ErrAlreadyConsumed = errors.New("token already consumed")
	// ErrUnavailable indicates the token backend is unreachable.
	ErrUnavailable = errors.New("token backend unavailable")
)

// Token is the issued grant returned to the orchestrator. Value is the
// only copy of the secret; it is never persisted.
type Token struct {
	Value     string
	ID        string
	UserID    string
	Purpose   Purpose
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Validation is the read-only outcome of a lookup.
type Validation struct {
	Valid   bool
	Expired bool
	Used    bool
	UserID  string
	Purpose Purpose
}

// Status summarizes the newest token for a (user, purpose) pair without
// revealing the token itself. A missing user degrades to the same shape
// as "no token".
type Status struct {
	HasToken  bool
	Expired   bool
	ExpiresAt time.Time
}

const recordVersionV1 = 1

type record struct {
	UserID     string
	Purpose    Purpose
	SecretHash [32]byte
	IssuedAt   int64
	ExpiresAt  int64
	ConsumedAt int64 // 0 = unconsumed
}

// Store persists single-use tokens in Redis. Records outlive their TTL
// by a retention margin so validation can still distinguish "expired"
// and "already used" from "never existed". A per-(user,purpose) pointer
// key enforces at most one live token: issuing a new one deletes the
// prior record, which from then on reads as not found.
type Store struct {
	redis     redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

func NewStore(client redis.UniversalClient, retention time.Duration) *Store {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{redis: client, retention: retention, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func recordKey(p Purpose, id string) string      { return "atk:" + p.String() + ":" + id }
func pointerKey(p Purpose, userID string) string { return "atku:" + p.String() + ":" + userID }

// Issue creates a fresh token for (userID, purpose) with the given TTL,
// superseding any prior unconsumed token for the same pair.
func (s *Store) Issue(ctx context.Context, userID string, purpose Purpose, ttl time.Duration) (Token, error) {
	id, err := internal.NewTokenID()
	if err != nil {
		return Token{}, err
	}
	secret, err := internal.NewTokenSecret()
	if err != nil {
		return Token{}, err
	}

	now := s.now()
	rec := &record{
		UserID:     userID,
		Purpose:    purpose,
		SecretHash: internal.HashTokenSecret(secret),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	encoded, err := encodeRecord(rec)
	if err != nil {
		return Token{}, err
	}

	prior, err := s.redis.Get(ctx, pointerKey(purpose, userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prior != "" && prior != id.String() {
			pipe.Del(ctx, recordKey(purpose, prior))
		}
		pipe.Set(ctx, recordKey(purpose, id.String()), encoded, ttl+s.retention)
		pipe.Set(ctx, pointerKey(purpose, userID), id.String(), ttl)
		return nil
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Token{
		Value:     internal.EncodeToken(id, secret),
		ID:        id.String(),
		UserID:    userID,
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Validate looks a token up without mutating anything, so callers may
// inspect and then decide whether to consume. An unparseable or unknown
// value reports Valid=false with no further detail.
func (s *Store) Validate(ctx context.Context, value string) (Validation, error) {
	id, secret, err := internal.DecodeToken(value)
	if err != nil {
		return Validation{}, nil
	}
	providedHash := internal.HashTokenSecret(secret)

	for p := Purpose(0); p < purposeCount; p++ {
		data, err := s.redis.Get(ctx, recordKey(p, id.String())).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Validation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		rec, err := decodeRecord(data)
		if err != nil {
			return Validation{}, nil
		}
		if subtle.ConstantTimeCompare(rec.SecretHash[:], providedHash[:]) != 1 {
			return Validation{}, nil
		}

		v := Validation{UserID: rec.UserID, Purpose: rec.Purpose}
		switch {
		case rec.ConsumedAt != 0:
			v.Used = true
		case s.now().Unix() > rec.ExpiresAt:
			v.Expired = true
		default:
			v.Valid = true
		}
		return v, nil
	}

	return Validation{}, nil
}

// Consume marks a token used. Exactly one concurrent caller wins; every
// other gets ErrAlreadyConsumed and must treat its earlier Validate as
// stale. The consumed record is kept (with its remaining TTL) so later
// validations report Used rather than not-found.
func (s *Store) Consume(ctx context.Context, value string) (Validation, error) {
	id, secret, err := internal.DecodeToken(value)
	if err != nil {
		return Validation{}, ErrNotFound
	}
	providedHash := internal.HashTokenSecret(secret)

	const maxRetries = 4
	for p := Purpose(0); p < purposeCount; p++ {
		key := recordKey(p, id.String())

		for i := 0; i < maxRetries; i++ {
			var out Validation

			err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
				data, err := tx.Get(ctx, key).Bytes()
				if err != nil {
					return err
				}

				rec, err := decodeRecord(data)
				if err != nil {
					return ErrNotFound
				}
				if subtle.ConstantTimeCompare(rec.SecretHash[:], providedHash[:]) != 1 {
					return ErrNotFound
				}
				if rec.ConsumedAt != 0 {
					return ErrAlreadyConsumed
				}
				now := s.now()
				if now.Unix() > rec.ExpiresAt {
					return ErrExpired
				}

				rec.ConsumedAt = now.Unix()
				updated, err := encodeRecord(rec)
				if err != nil {
					return err
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, redis.KeepTTL)
					pipe.Del(ctx, pointerKey(rec.Purpose, rec.UserID))
					return nil
				})
				if err != nil {
					return err
				}

				out = Validation{Valid: true, UserID: rec.UserID, Purpose: rec.Purpose}
				return nil
			}, key)

			if err == redis.TxFailedErr {
				continue
			}
			if errors.Is(err, redis.Nil) {
				break // not under this purpose prefix, try the next
			}
			if err != nil {
				switch {
				case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyConsumed), errors.Is(err, ErrExpired):
					return Validation{}, err
				default:
					return Validation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
				}
			}
			return out, nil
		}
	}

	return Validation{}, ErrNotFound
}

// StatusForUser reports the newest token for (userID, purpose). Consumed
// or superseded tokens read as absent.
func (s *Store) StatusForUser(ctx context.Context, userID string, purpose Purpose) (Status, error) {
	id, err := s.redis.Get(ctx, pointerKey(purpose, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	data, err := s.redis.Get(ctx, recordKey(purpose, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil || rec.ConsumedAt != 0 {
		return Status{}, nil
	}

	expiresAt := time.Unix(rec.ExpiresAt, 0)
	return Status{
		HasToken:  true,
		Expired:   s.now().Unix() > rec.ExpiresAt,
		ExpiresAt: expiresAt,
	}, nil
}

func encodeRecord(rec *record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordVersionV1)
	buf.WriteByte(byte(rec.Purpose))

	for _, v := range []int64{rec.IssuedAt, rec.ExpiresAt, rec.ConsumedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	if len(rec.UserID) > 65535 {
		return nil, errors.New("token record user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(rec.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(rec.UserID)
	buf.Write(rec.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersionV1 {
		return nil, errors.New("invalid token record version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	rec := &record{Purpose: Purpose(purpose)}

	for _, dst := range []*int64{&rec.IssuedAt, &rec.ExpiresAt, &rec.ConsumedAt} {
		if err := binary.Read(reader, binary.BigEndian, dst); err != nil {
			return nil, err
		}
	}

	var userIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userIDLen); err != nil {
		return nil, err
	}

	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	rec.UserID = string(userID)

	if _, err := io.ReadFull(reader, rec.SecretHash[:]); err != nil {
		return nil, err
	}

	return rec, nil
}
