package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/mocksmith/mocksmith/instrumentation"
	"github.com/mocksmith/mocksmith/providers"
	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/storage"
)

// State classifies a request's authentication state. The three states are
// mutually exclusive and exhaustive.
type State int

const (
	// StateAnonymous means no usable session.
	StateAnonymous State = iota

	// StatePartial means the first factor succeeded but the OTP step is
	// still pending.
	StatePartial

	// StateAuthenticated means the session is fully authenticated.
	StateAuthenticated
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StatePartial:
		return "partial"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// LoginResult is the outcome of a first-factor login.
type LoginResult struct {
	User    *storage.User
	Session *storage.Session

	// MFARequired is true when the account has MFA enabled and the session
	// was created partially authenticated. The issued code is never part of
	// the result.
	MFARequired bool
}

// SessionState resolves a session ID to its authentication state. An empty
// ID, an unknown ID, and an expired session all resolve to Anonymous.
func (s *Server) SessionState(ctx context.Context, sessionID string) (State, *storage.Session, error) {
	if sessionID == "" {
		return StateAnonymous, nil, nil
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return StateAnonymous, nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return StateAnonymous, nil, nil
	}
	if !session.MFAVerified {
		return StatePartial, session, nil
	}
	return StateAuthenticated, session, nil
}

// Register creates a local account and an authenticated session. MFA is
// never required here even if the flag is set: the account was just created
// by the person holding the password.
func (s *Server) Register(ctx context.Context, name, email, password string, mfaEnabled bool, ipAddress string) (*storage.User, *storage.Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.Config.BcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &storage.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Provider:     storage.ProviderLocal,
		MFAEnabled:   mfaEnabled,
		CreatedAt:    time.Now(),
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	session, err := s.createSession(ctx, user, true)
	if err != nil {
		return nil, nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogUserRegistered(user.ID, user.Email, ipAddress)
	}
	if s.metrics != nil {
		s.metrics.RecordRegistration(ctx, storage.ProviderLocal)
	}

	return user, session, nil
}

// Login performs the first-factor password check. For accounts with MFA
// enabled the session is created partially authenticated and an OTP is
// issued; the code only ever reaches the audit log, never the caller.
func (s *Server) Login(ctx context.Context, email, password, ipAddress string) (*LoginResult, error) {
	user, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if s.Auditor != nil {
			s.Auditor.LogLoginFailed(email, ipAddress, "invalid_credentials")
		}
		if s.metrics != nil {
			s.metrics.RecordLogin(ctx, storage.ProviderLocal, "failure")
		}
		return nil, ErrInvalidCredentials
	}

	if !user.MFAEnabled {
		session, err := s.createSession(ctx, user, true)
		if err != nil {
			return nil, err
		}
		if s.Auditor != nil {
			s.Auditor.LogLoginSucceeded(user.ID, ipAddress, storage.ProviderLocal)
		}
		if s.metrics != nil {
			s.metrics.RecordLogin(ctx, storage.ProviderLocal, "success")
		}
		return &LoginResult{User: user, Session: session}, nil
	}

	session, err := s.createSession(ctx, user, false)
	if err != nil {
		return nil, err
	}

	if _, err := s.issueChallenge(ctx, user.ID); err != nil {
		// Do not leave a partial session behind with no code to redeem it.
		if destroyErr := s.sessions.Destroy(ctx, session.ID); destroyErr != nil {
			s.Logger.Warn("Failed to roll back session after challenge failure",
				"error", destroyErr)
		}
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogLoginMFAPending(user.ID, ipAddress)
	}
	if s.metrics != nil {
		s.metrics.RecordLogin(ctx, storage.ProviderLocal, "mfa_pending")
	}

	return &LoginResult{User: user, Session: session, MFARequired: true}, nil
}

// authenticate looks up the user and verifies the password. Unknown email
// and wrong password both return (nil, nil); a dummy bcrypt comparison runs
// in the unknown-email case so the two are indistinguishable by timing.
func (s *Server) authenticate(ctx context.Context, email, password string) (*storage.User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil || user.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil
	}
	return user, nil
}

// dummyHash keeps the unknown-email path doing the same bcrypt work as the
// wrong-password path.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("mocksmith-timing-pad"), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt self-test failed: %v", err))
	}
	return h
}()

// issueChallenge generates and stores an OTP for the user, replacing any
// existing one. The code is returned only so tests and the audit trail can
// observe issuance; production callers discard it.
func (s *Server) issueChallenge(ctx context.Context, userID string) (string, error) {
	code, err := security.GenerateNumericCode(s.Config.OTPLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}

	expiresAt := time.Now().Add(s.Config.ChallengeTTL)
	challenge := &storage.Challenge{
		UserID:    userID,
		Code:      code,
		ExpiresAt: expiresAt,
	}
	if err := s.challenges.SaveChallenge(ctx, challenge); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogOTPIssued(userID, expiresAt)
	}

	// The delivery channel (email, SMS) is out of scope; the code is logged
	// at debug level so development setups can complete the flow.
	s.Logger.Debug("One-time code issued", "user_id", userID, "code", code)

	return code, nil
}

// VerifyMFA validates the OTP for a partially authenticated session and, on
// success, flips it to fully authenticated in place. A wrong code leaves
// the session partial; the attempt can be retried until the code expires or
// the per-user attempt budget runs out.
func (s *Server) VerifyMFA(ctx context.Context, sessionID, code, ipAddress string) (*storage.Session, error) {
	state, session, err := s.SessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == StateAnonymous {
		return nil, ErrNotAuthenticated
	}

	userID := session.User.ID

	if s.OTPRateLimiter != nil && !s.OTPRateLimiter.Allow(userID) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(userID, ipAddress, "otp")
		}
		if s.metrics != nil {
			s.metrics.RecordRateLimitExceeded(ctx, "otp")
		}
		return nil, ErrRateLimited
	}

	ok, err := s.challenges.ConsumeChallenge(ctx, userID, code)
	if err != nil {
		return nil, fmt.Errorf("failed to validate challenge: %w", err)
	}
	if !ok {
		if s.Auditor != nil {
			s.Auditor.LogOTPRejected(userID, ipAddress)
		}
		if s.metrics != nil {
			s.metrics.RecordMFAValidation(ctx, false)
		}
		return nil, ErrInvalidOTP
	}

	session.MFAVerified = true
	if err := s.sessions.Set(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if s.OTPRateLimiter != nil {
		s.OTPRateLimiter.Reset(userID)
	}
	if s.Auditor != nil {
		s.Auditor.LogOTPVerified(userID, ipAddress)
	}
	if s.metrics != nil {
		s.metrics.RecordMFAValidation(ctx, true)
	}

	return session, nil
}

// AuthorizeURL builds the external provider's authorization redirect URL.
func (s *Server) AuthorizeURL(providerName, state string) (string, error) {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	return provider.AuthorizationURL(state)
}

// OAuthCallback completes a federated login: exchanges the code, fetches
// the profile, resolves or provisions the local account, and creates a
// session. Nothing is written until both outbound calls have succeeded, so
// a half-finished exchange leaves no artifact behind. If the account was
// provisioned during this call and a later step fails, the account is
// deleted again so the failed login leaves no residual user.
func (s *Server) OAuthCallback(ctx context.Context, providerName, code, ipAddress string) (*storage.User, *storage.Session, error) {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := s.startSpan(ctx, "oauth_callback")
	defer span.End()

	instrumentation.AddProviderAttributes(span, providerName, "callback")
	if s.logClientIPs {
		instrumentation.AddSecurityAttributes(span, ipAddress)
	}

	start := time.Now()
	token, err := provider.ExchangeCode(ctx, code)
	if s.metrics != nil {
		s.metrics.RecordProviderAPICall(ctx, providerName, "exchange", time.Since(start).Seconds()*1000, err)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, providers.ErrNotConfigured) {
			return nil, nil, err
		}
		if s.Auditor != nil {
			s.Auditor.LogProviderExchangeFailed(providerName, ipAddress, "exchange")
		}
		return nil, nil, &UpstreamProviderError{Provider: providerName, Stage: "exchange", Err: err}
	}

	start = time.Now()
	profile, err := provider.FetchProfile(ctx, token)
	if s.metrics != nil {
		s.metrics.RecordProviderAPICall(ctx, providerName, "profile", time.Since(start).Seconds()*1000, err)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		if s.Auditor != nil {
			s.Auditor.LogProviderExchangeFailed(providerName, ipAddress, "profile")
		}
		return nil, nil, &UpstreamProviderError{Provider: providerName, Stage: "profile", Err: err}
	}
	if profile.Email == "" {
		err := fmt.Errorf("provider returned no email")
		instrumentation.RecordError(span, err)
		return nil, nil, &UpstreamProviderError{Provider: providerName, Stage: "profile", Err: err}
	}

	name := profile.Name
	if name == "" {
		name = profile.Email
	}
	candidate := &storage.User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     profile.Email,
		Provider:  providerName,
		CreatedAt: time.Now(),
	}

	user, err := s.users.ResolveFederatedUser(ctx, candidate)
	if err != nil {
		instrumentation.RecordError(span, err)
		var mismatch *storage.ProviderMismatchError
		if errors.As(err, &mismatch) {
			if s.Auditor != nil {
				s.Auditor.LogProviderMismatch(profile.Email, ipAddress, providerName, mismatch.BoundProvider)
			}
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	provisioned := user.ID == candidate.ID
	if provisioned {
		if s.Auditor != nil {
			s.Auditor.LogFederatedUserProvisioned(user.ID, user.Email, ipAddress, providerName)
		}
		if s.metrics != nil {
			s.metrics.RecordRegistration(ctx, providerName)
		}
	}

	instrumentation.AddAuthFlowAttributes(span, user.ID, providerName)

	// Federated logins skip the OTP step unless the deployment opted into
	// step-up for them too.
	if s.Config.RequireMFAForOAuth && user.MFAEnabled {
		session, err := s.createSession(ctx, user, false)
		if err != nil {
			instrumentation.RecordError(span, err)
			s.rollbackProvisionedUser(ctx, user, provisioned)
			return nil, nil, err
		}
		if _, err := s.issueChallenge(ctx, user.ID); err != nil {
			instrumentation.RecordError(span, err)
			if destroyErr := s.sessions.Destroy(ctx, session.ID); destroyErr != nil {
				s.Logger.Warn("Failed to roll back session after challenge failure",
					"error", destroyErr)
			}
			s.rollbackProvisionedUser(ctx, user, provisioned)
			return nil, nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordLogin(ctx, providerName, "mfa_pending")
		}
		instrumentation.SetSpanAttributes(span,
			attribute.Bool(instrumentation.AttrMFARequired, true),
			attribute.String(instrumentation.AttrOutcome, "mfa_pending"),
		)
		instrumentation.SetSpanSuccess(span)
		return user, session, nil
	}

	session, err := s.createSession(ctx, user, true)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.rollbackProvisionedUser(ctx, user, provisioned)
		return nil, nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogLoginSucceeded(user.ID, ipAddress, providerName)
	}
	if s.metrics != nil {
		s.metrics.RecordLogin(ctx, providerName, "success")
	}
	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrMFARequired, false),
		attribute.String(instrumentation.AttrOutcome, "success"),
	)
	instrumentation.SetSpanSuccess(span)

	return user, session, nil
}

// rollbackProvisionedUser deletes an account that was created earlier in the
// same callback when a later step fails. Pre-existing accounts are left
// untouched.
func (s *Server) rollbackProvisionedUser(ctx context.Context, user *storage.User, provisioned bool) {
	if !provisioned {
		return
	}
	if err := s.users.DeleteUser(ctx, user.ID); err != nil {
		s.Logger.Warn("Failed to roll back provisioned user",
			"user_id", user.ID, "error", err)
	}
}

// Logout destroys the session. It requires at least a partial session;
// calling it anonymously is an error rather than a silent no-op.
func (s *Server) Logout(ctx context.Context, sessionID string) error {
	state, session, err := s.SessionState(ctx, sessionID)
	if err != nil {
		return err
	}
	if state == StateAnonymous {
		return ErrNotAuthenticated
	}

	if err := s.sessions.Destroy(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogSessionDestroyed(session.User.ID, session.ID, "logout")
	}
	if s.metrics != nil {
		s.metrics.RecordSessionDestroyed(ctx, "logout")
	}

	return nil
}

// CurrentUser returns the identity snapshot for a fully authenticated
// session. A partial session is not usable for identity disclosure: it is
// destroyed and the caller is told they are not authenticated, so a pending
// second factor never leaks who is logging in.
func (s *Server) CurrentUser(ctx context.Context, sessionID string) (*storage.SessionUser, error) {
	state, session, err := s.SessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch state {
	case StateAuthenticated:
		user := session.User
		return &user, nil
	case StatePartial:
		if err := s.sessions.Destroy(ctx, session.ID); err != nil {
			s.Logger.Warn("Failed to destroy partial session", "error", err)
		}
		if err := s.challenges.DeleteChallenge(ctx, session.User.ID); err != nil {
			s.Logger.Warn("Failed to clear challenge", "error", err)
		}
		if s.Auditor != nil {
			s.Auditor.LogSessionDestroyed(session.User.ID, session.ID, "partial_identity_query")
		}
		if s.metrics != nil {
			s.metrics.RecordSessionDestroyed(ctx, "partial_identity_query")
		}
		return nil, ErrNotAuthenticated
	default:
		return nil, ErrNotAuthenticated
	}
}
