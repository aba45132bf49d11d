package server

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/mocksmith/mocksmith/instrumentation"
	"github.com/mocksmith/mocksmith/providers"
	"github.com/mocksmith/mocksmith/providers/mock"
	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/storage"
	"github.com/mocksmith/mocksmith/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	registry := providers.NewRegistry()
	registry.Register(mock.NewMockProvider())

	srv, err := New(store, store, store, registry, &Config{BcryptCost: 4}, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func TestRegister(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	user, session, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", false, "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Email != "ann@x.com" {
		t.Errorf("Email = %q, want ann@x.com", user.Email)
	}
	if user.PasswordHash == "" || user.PasswordHash == "secret1" {
		t.Error("password was not hashed")
	}
	if !session.MFAVerified {
		t.Error("registration session must be fully authenticated")
	}

	state, _, err := srv.SessionState(ctx, session.ID)
	if err != nil {
		t.Fatalf("SessionState() error = %v", err)
	}
	if state != StateAuthenticated {
		t.Errorf("SessionState() = %v, want StateAuthenticated", state)
	}
}

func TestRegisterMFAEnabledStillAuthenticated(t *testing.T) {
	srv, _ := newTestServer(t)

	// Registration never requires the OTP step, even for MFA accounts.
	_, session, err := srv.Register(context.Background(), "Ann", "ann@x.com", "secret1", true, "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if !session.MFAVerified {
		t.Error("registration session must skip MFA")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if _, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", false, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, _, err := srv.Register(ctx, "Ann Again", "ann@x.com", "other", false, "")
	if !errors.Is(err, storage.ErrDuplicateEmail) {
		t.Errorf("Register() duplicate error = %v, want ErrDuplicateEmail", err)
	}
}

func TestLoginWithoutMFA(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if _, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", false, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := srv.Login(ctx, "ann@x.com", "secret1", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.MFARequired {
		t.Error("MFARequired = true for an account without MFA")
	}
	if !result.Session.MFAVerified {
		t.Error("session not fully authenticated")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if _, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", false, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Wrong password and unknown email fail identically.
	if _, err := srv.Login(ctx, "ann@x.com", "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := srv.Login(ctx, "nobody@x.com", "secret1", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() unknown email error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginWithMFA(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	if _, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", true, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := srv.Login(ctx, "ann@x.com", "secret1", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !result.MFARequired {
		t.Fatal("MFARequired = false for an MFA account")
	}
	if result.Session.MFAVerified {
		t.Fatal("session fully authenticated before OTP step")
	}

	state, _, err := srv.SessionState(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("SessionState() error = %v", err)
	}
	if state != StatePartial {
		t.Errorf("SessionState() = %v, want StatePartial", state)
	}

	// A partial session must not disclose identity; querying it destroys it.
	if _, err := srv.CurrentUser(ctx, result.Session.ID); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("CurrentUser() on partial session error = %v, want ErrNotAuthenticated", err)
	}
	state, _, _ = srv.SessionState(ctx, result.Session.ID)
	if state != StateAnonymous {
		t.Errorf("SessionState() after identity query = %v, want StateAnonymous", state)
	}
}

func TestVerifyMFA(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	reg, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", true, "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	result, err := srv.Login(ctx, "ann@x.com", "secret1", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// Reissue to capture a code; the login-issued code is superseded.
	code, err := srv.issueChallenge(ctx, reg.ID)
	if err != nil {
		t.Fatalf("issueChallenge() error = %v", err)
	}

	// Wrong code leaves the session partial and retryable.
	if _, err := srv.VerifyMFA(ctx, result.Session.ID, "000000", ""); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("VerifyMFA() wrong code error = %v, want ErrInvalidOTP", err)
	}
	state, _, _ := srv.SessionState(ctx, result.Session.ID)
	if state != StatePartial {
		t.Fatalf("SessionState() after wrong code = %v, want StatePartial", state)
	}

	session, err := srv.VerifyMFA(ctx, result.Session.ID, code, "")
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if !session.MFAVerified {
		t.Error("session not flipped to authenticated")
	}

	// The code is single use.
	if _, err := srv.VerifyMFA(ctx, result.Session.ID, code, ""); !errors.Is(err, ErrInvalidOTP) {
		t.Errorf("VerifyMFA() replay error = %v, want ErrInvalidOTP", err)
	}

	user, err := srv.CurrentUser(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if user.Email != "ann@x.com" {
		t.Errorf("CurrentUser() email = %q, want ann@x.com", user.Email)
	}
}

func TestVerifyMFAWithoutSession(t *testing.T) {
	srv, _ := newTestServer(t)

	if _, err := srv.VerifyMFA(context.Background(), "", "123456", ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("VerifyMFA() without session error = %v, want ErrNotAuthenticated", err)
	}
	if _, err := srv.VerifyMFA(context.Background(), "missing", "123456", ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("VerifyMFA() bogus session error = %v, want ErrNotAuthenticated", err)
	}
}

func TestVerifyMFARateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	limiter := security.NewRateLimiter(rate.Every(time.Hour), 2, slog.Default())
	t.Cleanup(limiter.Stop)
	srv.SetOTPRateLimiter(limiter)

	if _, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", true, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	result, err := srv.Login(ctx, "ann@x.com", "secret1", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := srv.VerifyMFA(ctx, result.Session.ID, "000000", ""); !errors.Is(err, ErrInvalidOTP) {
			t.Fatalf("VerifyMFA() attempt %d error = %v, want ErrInvalidOTP", i, err)
		}
	}
	if _, err := srv.VerifyMFA(ctx, result.Session.ID, "000000", ""); !errors.Is(err, ErrRateLimited) {
		t.Errorf("VerifyMFA() over budget error = %v, want ErrRateLimited", err)
	}
}

func TestLogout(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, session, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", false, "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := srv.Logout(ctx, session.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if err := srv.Logout(ctx, session.ID); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Logout() twice error = %v, want ErrNotAuthenticated", err)
	}
	if err := srv.Logout(ctx, ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Logout() anonymous error = %v, want ErrNotAuthenticated", err)
	}
}

func TestOAuthCallbackProvisionsUser(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	user, session, err := srv.OAuthCallback(ctx, "mock", "any-code", "")
	if err != nil {
		t.Fatalf("OAuthCallback() error = %v", err)
	}
	if user.Email != "mock@example.com" {
		t.Errorf("Email = %q, want mock@example.com", user.Email)
	}
	if user.Provider != "mock" {
		t.Errorf("Provider = %q, want mock", user.Provider)
	}
	if !session.MFAVerified {
		t.Error("federated session not fully authenticated")
	}

	// A second callback reuses the account instead of creating another.
	again, _, err := srv.OAuthCallback(ctx, "mock", "any-code", "")
	if err != nil {
		t.Fatalf("OAuthCallback() second error = %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("second callback user ID = %q, want %q", again.ID, user.ID)
	}

	stored, err := store.GetUserByEmail(ctx, "mock@example.com")
	if err != nil || stored == nil {
		t.Fatalf("GetUserByEmail() = (%+v, %v)", stored, err)
	}
}

func TestOAuthCallbackProviderMismatch(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	// The email is already taken by a password account.
	local := &storage.User{
		ID:        "u1",
		Name:      "Mock User",
		Email:     "mock@example.com",
		Provider:  storage.ProviderLocal,
		CreatedAt: time.Now(),
	}
	if err := store.CreateUser(ctx, local); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	_, _, err := srv.OAuthCallback(ctx, "mock", "any-code", "")
	var mismatch *storage.ProviderMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("OAuthCallback() error = %v, want ProviderMismatchError", err)
	}
	if mismatch.BoundProvider != storage.ProviderLocal {
		t.Errorf("BoundProvider = %q, want local", mismatch.BoundProvider)
	}

	// No session was created for the failed login.
	n, err := store.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Len() = %d, want 0 sessions after mismatch", n)
	}
}

func TestOAuthCallbackUpstreamFailure(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	provider := mock.NewMockProvider()
	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, errors.New("connection refused")
	}
	srv.Providers().Register(provider)

	_, _, err := srv.OAuthCallback(ctx, "mock", "any-code", "")
	var upstream *UpstreamProviderError
	if !errors.As(err, &upstream) {
		t.Fatalf("OAuthCallback() error = %v, want UpstreamProviderError", err)
	}
	if upstream.Stage != "exchange" {
		t.Errorf("Stage = %q, want exchange", upstream.Stage)
	}

	// A failed exchange leaves nothing behind.
	user, err := store.GetUserByEmail(ctx, "mock@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if user != nil {
		t.Error("user created despite failed exchange")
	}
}

func TestOAuthCallbackProfileFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	provider := mock.NewMockProvider()
	provider.FetchProfileFunc = func(ctx context.Context, token *oauth2.Token) (*providers.Profile, error) {
		return nil, errors.New("503 from provider")
	}
	srv.Providers().Register(provider)

	_, _, err := srv.OAuthCallback(context.Background(), "mock", "any-code", "")
	var upstream *UpstreamProviderError
	if !errors.As(err, &upstream) {
		t.Fatalf("OAuthCallback() error = %v, want UpstreamProviderError", err)
	}
	if upstream.Stage != "profile" {
		t.Errorf("Stage = %q, want profile", upstream.Stage)
	}
}

func TestOAuthCallbackUnsupportedProvider(t *testing.T) {
	srv, _ := newTestServer(t)

	_, _, err := srv.OAuthCallback(context.Background(), "gitlab", "code", "")
	var unsupported *providers.UnsupportedProviderError
	if !errors.As(err, &unsupported) {
		t.Errorf("OAuthCallback() error = %v, want UnsupportedProviderError", err)
	}
}

func TestOAuthCallbackNotConfigured(t *testing.T) {
	srv, _ := newTestServer(t)

	provider := mock.NewMockProvider()
	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, providers.ErrNotConfigured
	}
	srv.Providers().Register(provider)

	_, _, err := srv.OAuthCallback(context.Background(), "mock", "code", "")
	if !errors.Is(err, providers.ErrNotConfigured) {
		t.Errorf("OAuthCallback() error = %v, want ErrNotConfigured", err)
	}
}

func TestOAuthCallbackMFAStepUpWhenOptedIn(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	srv.Config.RequireMFAForOAuth = true

	// An existing federated account that enabled MFA.
	existing := &storage.User{
		ID:         "u1",
		Name:       "Mock User",
		Email:      "mock@example.com",
		Provider:   "mock",
		MFAEnabled: true,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateUser(ctx, existing); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	_, session, err := srv.OAuthCallback(ctx, "mock", "any-code", "")
	if err != nil {
		t.Fatalf("OAuthCallback() error = %v", err)
	}
	if session.MFAVerified {
		t.Error("session fully authenticated despite MFA step-up policy")
	}
}

func TestAuthorizeURL(t *testing.T) {
	srv, _ := newTestServer(t)

	url, err := srv.AuthorizeURL("mock", "state-1")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	if url == "" {
		t.Error("AuthorizeURL() returned empty URL")
	}

	if _, err := srv.AuthorizeURL("gitlab", "state-1"); err == nil {
		t.Error("AuthorizeURL() for unknown provider succeeded, want error")
	}
}

func TestExpiredSessionIsAnonymous(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	sess := &storage.Session{
		ID:          "expired",
		User:        storage.SessionUser{ID: "u1", Email: "a@x.com"},
		MFAVerified: true,
		CreatedAt:   time.Now().Add(-25 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := store.Set(ctx, sess); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	state, _, err := srv.SessionState(ctx, "expired")
	if err != nil {
		t.Fatalf("SessionState() error = %v", err)
	}
	if state != StateAnonymous {
		t.Errorf("SessionState() = %v, want StateAnonymous for expired session", state)
	}
}

// failingSessionStore rejects every write so callers can exercise the
// cleanup paths that follow a session persistence failure.
type failingSessionStore struct {
	storage.SessionStore
}

func (f *failingSessionStore) Set(ctx context.Context, session *storage.Session) error {
	return errors.New("session store unavailable")
}

func newFailingSessionServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	registry := providers.NewRegistry()
	registry.Register(mock.NewMockProvider())

	srv, err := New(store, &failingSessionStore{SessionStore: store}, store, registry, &Config{BcryptCost: 4}, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func TestOAuthCallbackRollsBackProvisionedUser(t *testing.T) {
	srv, store := newFailingSessionServer(t)
	ctx := context.Background()

	if _, _, err := srv.OAuthCallback(ctx, "mock", "any-code", ""); err == nil {
		t.Fatal("OAuthCallback() succeeded despite failing session store")
	}

	// The account provisioned during the failed login was deleted again.
	user, err := store.GetUserByEmail(ctx, "mock@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if user != nil {
		t.Errorf("residual user %q left behind after failed callback", user.ID)
	}
}

func TestOAuthCallbackKeepsExistingUserOnSessionFailure(t *testing.T) {
	srv, store := newFailingSessionServer(t)
	ctx := context.Background()

	existing := &storage.User{
		ID:        "u1",
		Name:      "Mock User",
		Email:     "mock@example.com",
		Provider:  "mock",
		CreatedAt: time.Now(),
	}
	if err := store.CreateUser(ctx, existing); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if _, _, err := srv.OAuthCallback(ctx, "mock", "any-code", ""); err == nil {
		t.Fatal("OAuthCallback() succeeded despite failing session store")
	}

	// Only accounts created within the failed call are rolled back.
	user, err := store.GetUserByEmail(ctx, "mock@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if user == nil || user.ID != "u1" {
		t.Errorf("pre-existing user = %+v, want u1 untouched", user)
	}
}

func TestFlowsWithInstrumentation(t *testing.T) {
	srv, _ := newTestServer(t)

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, LogClientIPs: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	srv.SetInstrumentation(inst)
	ctx := context.Background()

	// Traced federated login followed by a logout that records the teardown.
	_, session, err := srv.OAuthCallback(ctx, "mock", "any-code", "198.51.100.7")
	if err != nil {
		t.Fatalf("OAuthCallback() error = %v", err)
	}
	if err := srv.Logout(ctx, session.ID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	// A partial session destroyed by an identity query is also recorded.
	if _, _, err := srv.Register(ctx, "Ann", "ann@x.com", "secret1", true, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	result, err := srv.Login(ctx, "ann@x.com", "secret1", "")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := srv.CurrentUser(ctx, result.Session.ID); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("CurrentUser() on partial session error = %v, want ErrNotAuthenticated", err)
	}

	// Failures inside the traced callback are recorded on the span.
	provider := mock.NewMockProvider()
	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, errors.New("connection refused")
	}
	srv.Providers().Register(provider)
	var upstream *UpstreamProviderError
	if _, _, err := srv.OAuthCallback(ctx, "mock", "bad-code", "198.51.100.7"); !errors.As(err, &upstream) {
		t.Fatalf("OAuthCallback() error = %v, want UpstreamProviderError", err)
	}
}
