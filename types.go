package mocksmith

import (
	"net/mail"
	"strings"
	"time"

	"github.com/mocksmith/mocksmith/storage"
)

// minimum lengths enforced at the boundary
const (
	minNameLength     = 2
	minPasswordLength = 6
)

// ============================================================================
// Request Types
// ============================================================================

type registerRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	MFAEnabled bool   `json:"mfaEnabled"`
}

func (r *registerRequest) validate() []FieldError {
	var fields []FieldError
	if len(strings.TrimSpace(r.Name)) < minNameLength {
		fields = append(fields, FieldError{Field: "name", Message: "Name must be at least 2 characters"})
	}
	if !validEmail(r.Email) {
		fields = append(fields, FieldError{Field: "email", Message: "Invalid email address"})
	}
	if len(r.Password) < minPasswordLength {
		fields = append(fields, FieldError{Field: "password", Message: "Password must be at least 6 characters"})
	}
	return fields
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *loginRequest) validate() []FieldError {
	var fields []FieldError
	if !validEmail(r.Email) {
		fields = append(fields, FieldError{Field: "email", Message: "Invalid email address"})
	}
	if r.Password == "" {
		fields = append(fields, FieldError{Field: "password", Message: "Password is required"})
	}
	return fields
}

type verifyMFARequest struct {
	OTP string `json:"otp"`
}

func (r *verifyMFARequest) validate() []FieldError {
	if r.OTP == "" {
		return []FieldError{{Field: "otp", Message: "Code is required"}}
	}
	return nil
}

type oauthCallbackRequest struct {
	Code string `json:"code"`
}

func (r *oauthCallbackRequest) validate() []FieldError {
	if r.Code == "" {
		return []FieldError{{Field: "code", Message: "Authorization code is required"}}
	}
	return nil
}

// validEmail accepts a bare RFC 5322 address without a display name.
func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// ============================================================================
// Response Types
// ============================================================================

// userResponse is the client-facing view of an account. The password
// hash never leaves the storage layer.
type userResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Provider   string    `json:"provider"`
	MFAEnabled bool      `json:"mfaEnabled"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newUserResponse(user *storage.User) userResponse {
	return userResponse{
		ID:         user.ID,
		Name:       user.Name,
		Email:      user.Email,
		Provider:   user.Provider,
		MFAEnabled: user.MFAEnabled,
		CreatedAt:  user.CreatedAt,
	}
}

// sessionUserResponse is the identity snapshot returned by /me.
type sessionUserResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type mfaRequiredResponse struct {
	RequiresMFA bool `json:"requiresMfa"`
}

type authURLResponse struct {
	AuthURL string `json:"authUrl"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error   string       `json:"error"`
	Details []FieldError `json:"details,omitempty"`
}
