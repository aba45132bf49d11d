package mocksmith

import (
	"fmt"
	"net/http"
)

// Error codes returned in the "error" field of failure responses.
const (
	ErrCodeValidationFailed    = "validation_failed"
	ErrCodeInvalidCredentials  = "invalid_credentials"
	ErrCodeNotAuthenticated    = "not_authenticated"
	ErrCodeInvalidOTP          = "invalid_otp"
	ErrCodeProviderMismatch    = "provider_mismatch"
	ErrCodeUnsupportedProvider = "unsupported_provider"
	ErrCodeProviderConfig      = "provider_not_configured"
	ErrCodeUpstreamProvider    = "upstream_provider_error"
	ErrCodeUnknownResource     = "unknown_resource"
	ErrCodeNotFound            = "not_found"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeInternal            = "internal_error"
)

// FieldError pinpoints a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// AuthError is the typed error the handler maps onto HTTP responses.
// Message is safe to return to clients; Status is the response code;
// Fields carries field-level validation detail when present.
type AuthError struct {
	Code    string
	Message string
	Status  int
	Fields  []FieldError
}

func (e *AuthError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (%d field errors)", e.Code, e.Message, len(e.Fields))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ============================================================================
// Error Constructors
// ============================================================================

// NewValidationError reports one or more malformed request fields.
func NewValidationError(fields ...FieldError) *AuthError {
	return &AuthError{
		Code:    ErrCodeValidationFailed,
		Message: "Validation failed",
		Status:  http.StatusBadRequest,
		Fields:  fields,
	}
}

// NewDuplicateEmailError reports a registration against an email that is
// already taken. Field-level so clients can attach it to the email input.
func NewDuplicateEmailError() *AuthError {
	return &AuthError{
		Code:    ErrCodeValidationFailed,
		Message: "Validation failed",
		Status:  http.StatusBadRequest,
		Fields: []FieldError{
			{Field: "email", Message: "User with this email already exists"},
		},
	}
}

// NewInvalidCredentialsError is deliberately generic: it never reveals
// whether the email or the password was wrong.
func NewInvalidCredentialsError() *AuthError {
	return &AuthError{
		Code:    ErrCodeInvalidCredentials,
		Message: "Invalid email or password",
		Status:  http.StatusBadRequest,
	}
}

// NewNotAuthenticatedError rejects a request that needs a live session.
func NewNotAuthenticatedError() *AuthError {
	return &AuthError{
		Code:    ErrCodeNotAuthenticated,
		Message: "Not authenticated",
		Status:  http.StatusUnauthorized,
	}
}

// NewInvalidOTPError rejects a wrong or expired one-time code. The
// message does not distinguish the two cases.
func NewInvalidOTPError() *AuthError {
	return &AuthError{
		Code:    ErrCodeInvalidOTP,
		Message: "Invalid or expired code",
		Status:  http.StatusBadRequest,
	}
}

// NewProviderMismatchError rejects a federated login for an email bound
// to a different identity provider.
func NewProviderMismatchError(boundProvider string) *AuthError {
	return &AuthError{
		Code:    ErrCodeProviderMismatch,
		Message: fmt.Sprintf("Account already linked to provider %q", boundProvider),
		Status:  http.StatusBadRequest,
	}
}

// NewUnsupportedProviderError rejects a provider name with no registered
// implementation.
func NewUnsupportedProviderError(name string) *AuthError {
	return &AuthError{
		Code:    ErrCodeUnsupportedProvider,
		Message: fmt.Sprintf("Provider %q is not supported", name),
		Status:  http.StatusBadRequest,
	}
}

// NewProviderConfigError reports a registered provider missing its client
// credentials. Server-side misconfiguration, so a 500.
func NewProviderConfigError() *AuthError {
	return &AuthError{
		Code:    ErrCodeProviderConfig,
		Message: "Identity provider is not configured",
		Status:  http.StatusInternalServerError,
	}
}

// NewUpstreamProviderError reports a failed call to the provider's token
// or profile endpoint without echoing upstream error text.
func NewUpstreamProviderError() *AuthError {
	return &AuthError{
		Code:    ErrCodeUpstreamProvider,
		Message: "Identity provider request failed",
		Status:  http.StatusInternalServerError,
	}
}

// NewUnknownResourceError rejects a request against a resource that has
// no backing collection. 405 matches the long-standing surface contract.
func NewUnknownResourceError(message string) *AuthError {
	return &AuthError{
		Code:    ErrCodeUnknownResource,
		Message: message,
		Status:  http.StatusMethodNotAllowed,
	}
}

// NewNotFoundError reports an absent item within a known resource.
func NewNotFoundError(message string) *AuthError {
	return &AuthError{
		Code:    ErrCodeNotFound,
		Message: message,
		Status:  http.StatusNotFound,
	}
}

// NewRateLimitedError rejects a request that exceeded a rate limit.
func NewRateLimitedError() *AuthError {
	return &AuthError{
		Code:    ErrCodeRateLimited,
		Message: "Too many requests",
		Status:  http.StatusTooManyRequests,
	}
}

// NewInternalError is the generic fallback. Details stay in the logs.
func NewInternalError() *AuthError {
	return &AuthError{
		Code:    ErrCodeInternal,
		Message: "Internal server error",
		Status:  http.StatusInternalServerError,
	}
}
