package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Account lifecycle events

	// EventUserRegistered is logged when a new local account is created
	EventUserRegistered = "user_registered"

	// EventFederatedUserProvisioned is logged when an OAuth callback creates a new account
	EventFederatedUserProvisioned = "federated_user_provisioned"

	// Login events

	// EventLoginSucceeded is logged when a first-factor login fully authenticates
	EventLoginSucceeded = "login_succeeded"

	// EventLoginMFAPending is logged when a first-factor login enters the MFA step-up state
	EventLoginMFAPending = "login_mfa_pending"

	// EventLoginFailed is logged when credentials are rejected (unknown email or
	// wrong password; the audit trail does not distinguish either)
	EventLoginFailed = "login_failed"

	// MFA events

	// EventOTPIssued is logged when a one-time code is generated for a user
	EventOTPIssued = "otp_issued"

	// EventOTPVerified is logged when a one-time code validates successfully
	EventOTPVerified = "otp_verified"

	// EventOTPRejected is logged when a one-time code is wrong, expired, or replayed
	EventOTPRejected = "otp_rejected"

	// Session events

	// EventSessionCreated is logged when a session record is written
	EventSessionCreated = "session_created"

	// EventSessionDestroyed is logged when a session is destroyed (logout or
	// identity-query of a partially authenticated session)
	EventSessionDestroyed = "session_destroyed"

	// Federated identity events

	// EventProviderMismatch is logged when a federated login hits an email
	// bound to a different provider
	EventProviderMismatch = "provider_mismatch"

	// EventProviderExchangeFailed is logged when the token exchange or profile
	// fetch with the upstream provider fails
	EventProviderExchangeFailed = "provider_exchange_failed"

	// Violation events

	// EventRateLimitExceeded is logged when a login or OTP attempt limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
