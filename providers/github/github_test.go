package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/mocksmith/mocksmith/providers"
)

// newFakeGitHub starts a test server emulating the token and API endpoints
// used by the provider.
func newFakeGitHub(t *testing.T, user map[string]any, emails []map[string]any) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad_verification_code"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gho_testtoken",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_testtoken" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(emails)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(srv *httptest.Server) *Provider {
	return NewProvider(&Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:3000/callback",
		TokenURL:     srv.URL + "/login/oauth/access_token",
		AuthURL:      srv.URL + "/login/oauth/authorize",
		APIBaseURL:   srv.URL,
	})
}

func TestName(t *testing.T) {
	p := NewProvider(&Config{})
	if got := p.Name(); got != "github" {
		t.Errorf("Name() = %q, want github", got)
	}
}

func TestAuthorizationURL(t *testing.T) {
	p := NewProvider(&Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:3000/callback",
	})

	url, err := p.AuthorizationURL("state-123")
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	if url == "" {
		t.Fatal("AuthorizationURL() returned empty URL")
	}
	for _, want := range []string{"client_id=test-client", "state=state-123"} {
		if !strings.Contains(url, want) {
			t.Errorf("AuthorizationURL() = %q, missing %q", url, want)
		}
	}
}

func TestAuthorizationURLNotConfigured(t *testing.T) {
	p := NewProvider(&Config{})
	if _, err := p.AuthorizationURL("state"); !errors.Is(err, providers.ErrNotConfigured) {
		t.Errorf("AuthorizationURL() error = %v, want ErrNotConfigured", err)
	}
}

func TestExchangeCode(t *testing.T) {
	srv := newFakeGitHub(t, map[string]any{"id": 1, "login": "octocat"}, nil)
	p := newTestProvider(srv)

	token, err := p.ExchangeCode(context.Background(), "good-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if token.AccessToken != "gho_testtoken" {
		t.Errorf("AccessToken = %q, want gho_testtoken", token.AccessToken)
	}
}

func TestExchangeCodeBadCode(t *testing.T) {
	srv := newFakeGitHub(t, nil, nil)
	p := newTestProvider(srv)

	if _, err := p.ExchangeCode(context.Background(), "bad-code"); err == nil {
		t.Fatal("ExchangeCode() with bad code succeeded, want error")
	}
}

func TestExchangeCodeNotConfigured(t *testing.T) {
	p := NewProvider(&Config{})
	if _, err := p.ExchangeCode(context.Background(), "code"); !errors.Is(err, providers.ErrNotConfigured) {
		t.Errorf("ExchangeCode() error = %v, want ErrNotConfigured", err)
	}
}

func TestFetchProfile(t *testing.T) {
	srv := newFakeGitHub(t, map[string]any{
		"id":         12345,
		"login":      "octocat",
		"name":       "The Octocat",
		"email":      "octo@example.com",
		"avatar_url": "https://avatars.example.com/u/12345",
	}, nil)
	p := newTestProvider(srv)

	profile, err := p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "gho_testtoken"})
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}

	if profile.ID != "12345" {
		t.Errorf("ID = %q, want 12345", profile.ID)
	}
	if profile.Email != "octo@example.com" {
		t.Errorf("Email = %q, want octo@example.com", profile.Email)
	}
	if profile.Name != "The Octocat" {
		t.Errorf("Name = %q, want The Octocat", profile.Name)
	}
	if profile.AvatarURL != "https://avatars.example.com/u/12345" {
		t.Errorf("AvatarURL = %q", profile.AvatarURL)
	}
}

func TestFetchProfileNameFallsBackToLogin(t *testing.T) {
	srv := newFakeGitHub(t, map[string]any{
		"id":    7,
		"login": "octocat",
		"email": "octo@example.com",
	}, nil)
	p := newTestProvider(srv)

	profile, err := p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "gho_testtoken"})
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.Name != "octocat" {
		t.Errorf("Name = %q, want login fallback octocat", profile.Name)
	}
}

func TestFetchProfileHiddenEmail(t *testing.T) {
	srv := newFakeGitHub(t, map[string]any{
		"id":    7,
		"login": "octocat",
	}, []map[string]any{
		{"email": "secondary@example.com", "primary": false, "verified": true},
		{"email": "primary@example.com", "primary": true, "verified": true},
	})
	p := newTestProvider(srv)

	profile, err := p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "gho_testtoken"})
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.Email != "primary@example.com" {
		t.Errorf("Email = %q, want primary@example.com", profile.Email)
	}
}

func TestFetchProfileUnauthorized(t *testing.T) {
	srv := newFakeGitHub(t, map[string]any{"id": 1}, nil)
	p := newTestProvider(srv)

	if _, err := p.FetchProfile(context.Background(), &oauth2.Token{AccessToken: "wrong"}); err == nil {
		t.Fatal("FetchProfile() with bad token succeeded, want error")
	}
}

func TestEnsureContextTimeout(t *testing.T) {
	p := NewProvider(&Config{RequestTimeout: time.Second})

	ctx, cancel := p.ensureContextTimeout(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("expected deadline to be set on bare context")
	}

	parent, parentCancel := context.WithTimeout(context.Background(), time.Minute)
	defer parentCancel()
	ctx2, cancel2 := p.ensureContextTimeout(parent)
	defer cancel2()
	d1, _ := parent.Deadline()
	d2, _ := ctx2.Deadline()
	if !d1.Equal(d2) {
		t.Error("expected existing deadline to be preserved")
	}
}
