// Command authd runs a small HTTP facade over the authentication engine.
//
// Configuration comes from AUTHD_-prefixed environment variables, with an
// optional .env file for local development:
//
//	AUTHD_LISTEN_ADDR      listen address (default ":8080")
//	AUTHD_REDIS_ADDR       Redis address (default "localhost:6379")
//	AUTHD_SESSION_SECRET   HMAC secret for session tokens, >= 32 bytes (required)
//	AUTHD_DATABASE_URL     Postgres DSN for the security event log (optional)
//	AUTHD_SMTP_HOST        SMTP relay host (optional; mails are logged when unset)
//	AUTHD_SMTP_PORT        SMTP relay port
//	AUTHD_SMTP_FROM        From address
//	AUTHD_BASE_URL         public base URL used in mail links
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrGr33n98/marketauth"
	"github.com/MrGr33n98/marketauth/eventlog"
	"github.com/MrGr33n98/marketauth/mail"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("authd exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	k, err := loadConfig(".env")
	if err != nil {
		return err
	}

	secret := k.String("authd.session.secret")
	if len(secret) < 32 {
		return errors.New("AUTHD_SESSION_SECRET must be at least 32 bytes")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: k.String("authd.redis.addr"),
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	cfg := marketauth.DefaultConfig()
	cfg.Session.Secret = []byte(secret)

	var mailer marketauth.Mailer
	if host := k.String("authd.smtp.host"); host != "" {
		mailer, err = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     host,
			Port:     k.Int("authd.smtp.port"),
			Username: k.String("authd.smtp.username"),
			Password: k.String("authd.smtp.password"),
			From:     k.String("authd.smtp.from"),
			BaseURL:  k.String("authd.base.url"),
		})
		if err != nil {
			return fmt.Errorf("smtp mailer: %w", err)
		}
	} else {
		logger.Warn("no SMTP host configured, mails are logged instead of sent")
		mailer = logMailer{logger: logger}
	}

	var sink marketauth.AuditSink = marketauth.NewJSONWriterSink(os.Stdout)
	if dsn := k.String("authd.database.url"); dsn != "" {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		sink = eventlog.NewSink(eventlog.NewStore(pool), logger)
		logger.Info("security events go to postgres")
	}

	engine, err := marketauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(newMemoryUserStore()).
		WithMailer(mailer).
		WithAuditSink(sink).
		Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:              k.String("authd.listen.addr"),
		Handler:           newServer(engine, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig layers an optional .env file under AUTHD_ environment
// variables. Keys normalize as AUTHD_REDIS_ADDR -> authd.redis.addr.
func loadConfig(envPath string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	// Defaults first, lowest precedence.
	defaults := map[string]string{
		"authd.listen.addr": ":8080",
		"authd.redis.addr":  "localhost:6379",
		"authd.smtp.port":   "587",
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(envPath); err == nil {
		if err := k.Load(file.Provider(envPath), dotenv.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	err := k.Load(env.Provider("AUTHD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	return k, nil
}

// logMailer is the no-SMTP fallback: it logs what would have been sent.
// Token values are deliberately not logged in full.
type logMailer struct {
	logger *slog.Logger
}

func (m logMailer) Send(ctx context.Context, to string, template mail.Template, vars map[string]string) error {
	token := vars["token"]
	if len(token) > 8 {
		token = token[:8] + "..."
	}
	m.logger.InfoContext(ctx, "mail (not sent, no SMTP configured)",
		"to", to,
		"template", string(template),
		"token_prefix", token)
	return nil
}
