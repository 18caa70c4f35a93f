package marketauth

import (
	"errors"

	"github.com/MrGr33n98/marketauth/internal/lockout"
	"github.com/MrGr33n98/marketauth/internal/rate"
	"github.com/MrGr33n98/marketauth/internal/tokens"
	"github.com/MrGr33n98/marketauth/password"
	"github.com/MrGr33n98/marketauth/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Construction is allocation-only; no I/O
// happens until the first Engine method call.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	rateStore rate.Store
	users     UserStore
	mailer    Mailer
	auditSink AuditSink

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the Redis client backing the token store, lockout
// tracker, and (unless overridden by WithRateStore) the rate limiter.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithRateStore overrides the rate limiter's backing store, e.g. with
// rate.NewMemoryStore() for a single-instance deployment without Redis
// round-trips on the limiter path.
func (b *Builder) WithRateStore(store rate.Store) *Builder {
	b.rateStore = store
	return b
}

// WithUserStore sets the account persistence collaborator. Required.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

// WithMailer sets the email collaborator. Required for signup,
// verification, and password reset flows.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithAuditSink sets the destination for security events. Defaults to
// NoOpSink; production deployments want eventlog.Sink or JSONWriterSink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration and returns a ready Engine.
// A Builder builds once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.users == nil {
		return nil, errors.New("user store is required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(b.config.passwordConfig())
	if err != nil {
		return nil, err
	}

	// Hash a throwaway value once so unknown-email logins can burn the
	// same argon2 work as real verifications.
	fallbackHash, err := hasher.Hash(uuid.NewString() + uuid.NewString())
	if err != nil {
		return nil, err
	}

	var sessions *session.Manager
	if b.config.Session.Enabled {
		sessions, err = session.NewManager(session.Config{
			Secret: b.config.Session.Secret,
			TTL:    b.config.Session.TTL,
			Issuer: b.config.Session.Issuer,
		})
		if err != nil {
			return nil, err
		}
	}

	rateStore := b.rateStore
	if rateStore == nil {
		rateStore = rate.NewRedisStore(b.redis)
	}

	e := &Engine{
		config:  b.config,
		limiter: rate.New(rateStore, b.config.RateLimit.Policies),
		lockout: lockout.New(b.redis, lockout.Config{
			Enabled:   b.config.Lockout.Enabled,
			Threshold: b.config.Lockout.Threshold,
			Duration:  b.config.Lockout.Duration,
		}),
		tokens:       tokens.NewStore(b.redis, b.config.Tokens.Retention),
		hasher:       hasher,
		sessions:     sessions,
		users:        b.users,
		mailer:       b.mailer,
		audit:        newAuditDispatcher(b.config.Audit, b.auditSink),
		metrics:      NewMetrics(b.config.Metrics),
		fallbackHash: fallbackHash,
	}

	b.built = true
	return e, nil
}
