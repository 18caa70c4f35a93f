package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenInvalid covers malformed, mis-signed, and expired session tokens.
	ErrTokenInvalid = errors.New("invalid session token")
)

// Config holds session token parameters. HS256 only: a single shared
// secret serves both signing and verification inside one deployment.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string
	Leeway time.Duration
}

// Claims is the session token payload. SID is a per-login random
// identifier surfaced in SESSION_CREATED audit events so individual
// sessions can be traced through the log.
type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	SID   string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager mints and parses session tokens for successful logins.
type Manager struct {
	config Config
}

func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid session TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	return &Manager{config: cfg}, nil
}

// Issue mints a session token for the authenticated user. The returned
// session ID identifies this login in the audit log.
func (m *Manager) Issue(userID, email string) (token string, sessionID string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(m.config.TTL)
	sessionID = uuid.NewString()

	claims := Claims{
		UID:   userID,
		Email: email,
		SID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Secret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, sessionID, expiresAt, nil
}

// Parse verifies the signature and time bounds of a session token and
// returns its claims. Any failure maps to ErrTokenInvalid; callers get
// no detail an attacker could use.
func (m *Manager) Parse(token string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return m.config.Secret, nil
	},
		jwt.WithLeeway(m.config.Leeway),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UID == "" || claims.SID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
