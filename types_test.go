package mocksmith

import (
	"errors"
	"net/http"
	"testing"

	"github.com/mocksmith/mocksmith/providers"
	"github.com/mocksmith/mocksmith/server"
	"github.com/mocksmith/mocksmith/storage"
)

func TestRegisterRequestValidate(t *testing.T) {
	tests := []struct {
		name      string
		req       registerRequest
		badFields []string
	}{
		{"valid", registerRequest{Name: "Ann", Email: "ann@x.com", Password: "secret1"}, nil},
		{"short name", registerRequest{Name: "A", Email: "ann@x.com", Password: "secret1"}, []string{"name"}},
		{"whitespace name", registerRequest{Name: "  a ", Email: "ann@x.com", Password: "secret1"}, []string{"name"}},
		{"bad email", registerRequest{Name: "Ann", Email: "nope", Password: "secret1"}, []string{"email"}},
		{"display name email", registerRequest{Name: "Ann", Email: "Ann <ann@x.com>", Password: "secret1"}, []string{"email"}},
		{"short password", registerRequest{Name: "Ann", Email: "ann@x.com", Password: "abc"}, []string{"password"}},
		{"everything wrong", registerRequest{}, []string{"name", "email", "password"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := tt.req.validate()
			if len(fields) != len(tt.badFields) {
				t.Fatalf("got %d field errors %v, want %d", len(fields), fields, len(tt.badFields))
			}
			for i, want := range tt.badFields {
				if fields[i].Field != want {
					t.Errorf("field[%d] = %q, want %q", i, fields[i].Field, want)
				}
			}
		})
	}
}

func TestLoginRequestValidate(t *testing.T) {
	if fields := (&loginRequest{Email: "ann@x.com", Password: "x"}).validate(); len(fields) != 0 {
		t.Fatalf("valid login rejected: %v", fields)
	}
	if fields := (&loginRequest{Email: "bad", Password: ""}).validate(); len(fields) != 2 {
		t.Fatalf("expected 2 field errors, got %v", fields)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"duplicate email", storage.ErrDuplicateEmail, http.StatusBadRequest, ErrCodeValidationFailed},
		{"invalid credentials", server.ErrInvalidCredentials, http.StatusBadRequest, ErrCodeInvalidCredentials},
		{"not authenticated", server.ErrNotAuthenticated, http.StatusUnauthorized, ErrCodeNotAuthenticated},
		{"invalid otp", server.ErrInvalidOTP, http.StatusBadRequest, ErrCodeInvalidOTP},
		{"rate limited", server.ErrRateLimited, http.StatusTooManyRequests, ErrCodeRateLimited},
		{"provider unconfigured", providers.ErrNotConfigured, http.StatusInternalServerError, ErrCodeProviderConfig},
		{"provider mismatch", &storage.ProviderMismatchError{Email: "a@x.com", BoundProvider: "local"}, http.StatusBadRequest, ErrCodeProviderMismatch},
		{"unsupported provider", &providers.UnsupportedProviderError{Name: "google"}, http.StatusBadRequest, ErrCodeUnsupportedProvider},
		{"upstream failure", &server.UpstreamProviderError{Provider: "github", Stage: "exchange", Err: errors.New("boom")}, http.StatusInternalServerError, ErrCodeUpstreamProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authErr := mapError(tt.err)
			if authErr == nil {
				t.Fatalf("mapError(%v) = nil", tt.err)
			}
			if authErr.Status != tt.wantStatus || authErr.Code != tt.wantCode {
				t.Fatalf("got (%d, %s), want (%d, %s)", authErr.Status, authErr.Code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestMapErrorUnknownStaysInternal(t *testing.T) {
	if got := mapError(errors.New("database on fire")); got != nil {
		t.Fatalf("unexpected mapping for unknown error: %+v", got)
	}
}
