package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrGr33n98/marketauth"
)

// server holds the HTTP layer around the engine. Handlers translate
// JSON requests into engine calls and engine errors into status codes;
// they carry no authentication logic of their own.
type server struct {
	engine *marketauth.Engine
	logger *slog.Logger
}

func newServer(engine *marketauth.Engine, logger *slog.Logger) *server {
	return &server{engine: engine, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signup", s.handleSignup)
	mux.HandleFunc("POST /v1/login", s.handleLogin)
	mux.HandleFunc("POST /v1/email/verify", s.handleVerifyEmail)
	mux.HandleFunc("POST /v1/email/resend", s.handleResendVerification)
	mux.HandleFunc("GET /v1/email/status", s.handleVerificationStatus)
	mux.HandleFunc("GET /v1/email/token-status", s.handleTokenStatus)
	mux.HandleFunc("POST /v1/password/reset", s.handleRequestReset)
	mux.HandleFunc("POST /v1/password/reset/complete", s.handleCompleteReset)
	mux.HandleFunc("POST /v1/password/change", s.handleChangePassword)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s.withRequestContext(mux)
}

// withRequestContext attaches client IP and user agent so every audit
// event carries the request origin.
func (s *server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := marketauth.WithClientIP(r.Context(), clientIP(r))
		ctx = marketauth.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.Signup(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":           result.User.ID,
			"email":        result.User.Email,
			"display_name": result.User.DisplayName,
		},
		"verification_sent": result.VerificationSent,
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":             result.User.ID,
			"email":          result.User.Email,
			"display_name":   result.User.DisplayName,
			"email_verified": result.User.EmailVerified,
		},
		"session_token": result.SessionToken,
		"expires_at":    result.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"email":    result.User.Email,
		"verified": true,
	})
}

func (s *server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.ResendEmailVerification(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":       result.Sent,
		"expires_at": result.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	status, err := s.engine.EmailVerificationStatus(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"verified":              status.Verified,
		"requires_verification": status.RequiresVerification,
	})
}

func (s *server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	status, err := s.engine.EmailVerificationTokenStatus(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"has_token": status.HasToken,
		"expired":   status.Expired,
	}
	if status.HasToken {
		body["expires_at"] = status.ExpiresAt.Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *server) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.engine.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sent": result.Sent})
}

func (s *server) handleCompleteReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.CompletePasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ChangePassword(r.Context(), claims.UID, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changed": true})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.engine.MetricsSnapshot()
	body := map[string]any{
		"counters":      snapshot,
		"audit_dropped": s.engine.AuditDropped(),
	}
	s.writeJSON(w, http.StatusOK, body)
}

// authenticate parses the Bearer session token. It only identifies the
// caller; password verification stays inside the engine.
func (s *server) authenticate(w http.ResponseWriter, r *http.Request) (claims authClaims, ok bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
		return authClaims{}, false
	}
	parsed, err := s.engine.ParseSessionToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid session token"})
		return authClaims{}, false
	}
	return authClaims{UID: parsed.UID, Email: parsed.Email}, true
}

type authClaims struct {
	UID   string
	Email string
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed JSON body"})
		return false
	}
	return true
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses. Rate-limit and
// lockout rejections carry Retry-After so well-behaved clients back
// off without parsing the body.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rle *marketauth.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds()))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetAt.Unix(), 10))
		s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": rle.RetryAfterSeconds(),
		})
		return
	}

	var le *marketauth.LockedError
	if errors.As(err, &le) {
		w.Header().Set("Retry-After", strconv.Itoa(int(le.Remaining.Seconds())+1))
		s.writeJSON(w, http.StatusForbidden, map[string]any{
			"error":       "account temporarily locked",
			"retry_after": int(le.Remaining.Seconds()) + 1,
		})
		return
	}

	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, marketauth.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, marketauth.ErrInvalidCredentials):
		status, message = http.StatusUnauthorized, err.Error()
	case errors.Is(err, marketauth.ErrAccountExists):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, marketauth.ErrAlreadyVerified):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, marketauth.ErrTokenExpired),
		errors.Is(err, marketauth.ErrTokenInvalidOrUsed):
		status, message = http.StatusGone, err.Error()
	case errors.Is(err, marketauth.ErrPasswordPolicy),
		errors.Is(err, marketauth.ErrPasswordReuse):
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, marketauth.ErrUserNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, marketauth.ErrEmailSendFailed):
		status, message = http.StatusBadGateway, err.Error()
	case errors.Is(err, marketauth.ErrDependencyFailure):
		status, message = http.StatusServiceUnavailable, err.Error()
	default:
		s.logger.ErrorContext(r.Context(), "unmapped engine error",
			"path", r.URL.Path, "error", fmt.Sprintf("%v", err))
	}
	s.writeJSON(w, status, map[string]any{"error": message})
}
