package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mocksmith/mocksmith/instrumentation"
	"github.com/mocksmith/mocksmith/providers"
	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/storage"
)

// Sentinel errors returned by the flows. The transport layer maps them to
// status codes; none of them carry account-existence information.
var (
	// ErrInvalidCredentials covers both unknown email and wrong password.
	// Callers must not be able to distinguish the two cases.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNotAuthenticated is returned when an operation needs a session and
	// none exists (or the one presented is not usable).
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidOTP covers a missing, expired, or mismatched one-time code.
	ErrInvalidOTP = errors.New("invalid or expired code")

	// ErrRateLimited is returned when OTP verification attempts for a user
	// exceed the configured budget.
	ErrRateLimited = errors.New("too many attempts")
)

// UpstreamProviderError wraps any failure talking to an external identity
// provider: network errors, timeouts, non-success responses, and malformed
// payloads all surface uniformly.
type UpstreamProviderError struct {
	Provider string
	Stage    string // "exchange" or "profile"
	Err      error
}

// Error implements the error interface
func (e *UpstreamProviderError) Error() string {
	return fmt.Sprintf("provider %s failed during %s: %v", e.Provider, e.Stage, e.Err)
}

// Unwrap returns the underlying error
func (e *UpstreamProviderError) Unwrap() error {
	return e.Err
}

// Server is the authentication state machine. It owns session lifecycle and
// coordinates the stores and the provider registry; it holds no mutable
// state of its own.
type Server struct {
	users      storage.UserStore
	sessions   storage.SessionStore
	challenges storage.ChallengeStore
	registry   *providers.Registry

	Auditor        *security.Auditor
	OTPRateLimiter *security.RateLimiter // per-user OTP attempt limiter
	Logger         *slog.Logger
	Config         *Config

	metrics      *instrumentation.Metrics
	tracer       trace.Tracer
	logClientIPs bool
}

// New creates a new authentication server.
func New(
	users storage.UserStore,
	sessions storage.SessionStore,
	challenges storage.ChallengeStore,
	registry *providers.Registry,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if challenges == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if registry == nil {
		registry = providers.NewRegistry()
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	return &Server{
		users:      users,
		sessions:   sessions,
		challenges: challenges,
		registry:   registry,
		Config:     config,
		Logger:     logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetOTPRateLimiter sets the per-user rate limiter for OTP verification attempts
func (s *Server) SetOTPRateLimiter(rl *security.RateLimiter) {
	s.OTPRateLimiter = rl
}

// SetInstrumentation wires OpenTelemetry metrics and tracing into the flows.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
	s.logClientIPs = inst.ShouldLogClientIPs()
}

// Sessions exposes the session store for transport-level session resolution
// and for the instrumentation gauges.
func (s *Server) Sessions() storage.SessionStore {
	return s.sessions
}

// Providers exposes the provider registry.
func (s *Server) Providers() *providers.Registry {
	return s.registry
}

// startSpan starts a trace span when instrumentation is wired, and a no-op
// span otherwise so flow code never branches on it.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return s.tracer.Start(ctx, name)
}

// createSession builds and persists a session for the user.
func (s *Server) createSession(ctx context.Context, user *storage.User, mfaVerified bool) (*storage.Session, error) {
	id, err := security.GenerateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &storage.Session{
		ID: id,
		User: storage.SessionUser{
			ID:    user.ID,
			Name:  user.Name,
			Email: user.Email,
		},
		MFAVerified: mfaVerified,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.Config.SessionTTL),
	}

	if err := s.sessions.Set(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogSessionCreated(user.ID, session.ID, mfaVerified)
	}

	return session, nil
}
