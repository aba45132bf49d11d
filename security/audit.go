package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// User identifiers and emails are hashed before they reach the log stream;
// submitted secrets and one-time codes are never logged at all.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	Email     string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"email_hash", hashForLogging(event.Email),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogUserRegistered logs the creation of a local account
func (a *Auditor) LogUserRegistered(userID, email, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventUserRegistered,
		UserID:    userID,
		Email:     email,
		IPAddress: ipAddress,
	})
}

// LogFederatedUserProvisioned logs the creation of a federated account
func (a *Auditor) LogFederatedUserProvisioned(userID, email, ipAddress, provider string) {
	a.LogEvent(Event{
		Type:      EventFederatedUserProvisioned,
		UserID:    userID,
		Email:     email,
		IPAddress: ipAddress,
		Details: map[string]any{
			"provider": provider,
		},
	})
}

// LogLoginSucceeded logs a fully authenticated first-factor login
func (a *Auditor) LogLoginSucceeded(userID, ipAddress, provider string) {
	a.LogEvent(Event{
		Type:      EventLoginSucceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"provider": provider,
		},
	})
}

// LogLoginMFAPending logs a first-factor login awaiting step-up
func (a *Auditor) LogLoginMFAPending(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLoginMFAPending,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogLoginFailed logs a rejected login. The submitted email is hashed; the
// reason never distinguishes unknown-account from wrong-password beyond the
// audit trail itself.
func (a *Auditor) LogLoginFailed(email, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventLoginFailed,
		Email:     email,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogOTPIssued logs one-time code issuance. The code itself is never logged.
func (a *Auditor) LogOTPIssued(userID string, expiresAt time.Time) {
	a.LogEvent(Event{
		Type:   EventOTPIssued,
		UserID: userID,
		Details: map[string]any{
			"expires_at": expiresAt,
		},
	})
}

// LogOTPVerified logs a successful one-time code validation
func (a *Auditor) LogOTPVerified(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventOTPVerified,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogOTPRejected logs a failed one-time code validation
func (a *Auditor) LogOTPRejected(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventOTPRejected,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogSessionCreated logs session creation
func (a *Auditor) LogSessionCreated(userID, sessionID string, mfaVerified bool) {
	a.LogEvent(Event{
		Type:   EventSessionCreated,
		UserID: userID,
		Details: map[string]any{
			"session_id_hash": hashForLogging(sessionID),
			"mfa_verified":    mfaVerified,
		},
	})
}

// LogSessionDestroyed logs session destruction
func (a *Auditor) LogSessionDestroyed(userID, sessionID, reason string) {
	a.LogEvent(Event{
		Type:   EventSessionDestroyed,
		UserID: userID,
		Details: map[string]any{
			"session_id_hash": hashForLogging(sessionID),
			"reason":          reason,
		},
	})
}

// LogProviderMismatch logs a federated login conflicting with an existing binding
func (a *Auditor) LogProviderMismatch(email, ipAddress, attempted, bound string) {
	a.LogEvent(Event{
		Type:      EventProviderMismatch,
		Email:     email,
		IPAddress: ipAddress,
		Details: map[string]any{
			"attempted_provider": attempted,
			"bound_provider":     bound,
		},
	})
}

// LogProviderExchangeFailed logs an upstream provider failure
func (a *Auditor) LogProviderExchangeFailed(provider, ipAddress, stage string) {
	a.LogEvent(Event{
		Type:      EventProviderExchangeFailed,
		IPAddress: ipAddress,
		Details: map[string]any{
			"provider": provider,
			"stage":    stage,
		},
	})
}

// LogRateLimitExceeded logs an attempt limit violation
func (a *Auditor) LogRateLimitExceeded(userID, ipAddress, limiterType string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"limiter": limiterType,
		},
	})
}

// hashForLogging creates a SHA-256 hash prefix of sensitive data for logging.
// Empty values stay empty so absent fields are distinguishable from hashes.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])[:16]
}
