// Package storage defines interfaces for persisting users, sessions, and MFA
// challenges. It supports various backend implementations including in-memory,
// file-based, and embedded databases.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ProviderLocal is the identity provider name for accounts created through
// password registration.
const ProviderLocal = "local"

// ErrDuplicateEmail is returned when creating a user with an email that is
// already registered, regardless of which provider owns the existing account.
var ErrDuplicateEmail = errors.New("user with this email already exists")

// ProviderMismatchError is returned when a federated login resolves to an
// email that is already bound to a different identity provider. The existing
// binding is reported so the client can tell the user which provider to use.
type ProviderMismatchError struct {
	Email         string
	BoundProvider string
}

// Error implements the error interface
func (e *ProviderMismatchError) Error() string {
	return fmt.Sprintf("account %s is registered with provider %q", e.Email, e.BoundProvider)
}

// User represents a stored user account.
// PasswordHash is a bcrypt hash for local accounts and empty for federated
// accounts. It must never be serialized into API responses.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Provider     string    `json:"provider"`
	MFAEnabled   bool      `json:"mfaEnabled"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SessionUser is the snapshot of user identity carried inside a session.
type SessionUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session represents a stored session record.
//
// MFAVerified=false means the first factor succeeded but the OTP step is
// still pending; such a session exists only for accounts with MFA enabled.
// Expiry is absolute from creation: activity does not extend it.
type Session struct {
	ID          string      `json:"sessionId"`
	User        SessionUser `json:"user"`
	MFAVerified bool        `json:"mfaVerified"`
	CreatedAt   time.Time   `json:"createdAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
}

// Expired reports whether the session's absolute expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Challenge represents a pending one-time MFA code for a user.
// At most one challenge exists per user; issuing a new one replaces it.
type Challenge struct {
	UserID    string    `json:"userId"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UserStore defines the interface for persisting user accounts.
// All methods accept context.Context for tracing and cancellation.
//
// Lookups return (nil, nil) when no user exists; callers treat absence as a
// normal outcome, not an error.
type UserStore interface {
	// CreateUser inserts a new user. The uniqueness check and the insert are
	// a single atomic operation: concurrent creates for the same email must
	// produce exactly one user and one ErrDuplicateEmail.
	CreateUser(ctx context.Context, user *User) error

	// ResolveFederatedUser finds or provisions the account for a federated
	// login. If no account exists for user.Email one is created bound to
	// user.Provider. If an account exists under the same provider it is
	// returned unchanged. If it exists under a different provider the call
	// fails with *ProviderMismatchError and nothing is written.
	ResolveFederatedUser(ctx context.Context, user *User) (*User, error)

	// GetUserByEmail retrieves a user by email (case-sensitive as stored).
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// DeleteUser removes a user by ID. Deleting an absent user is not an
	// error. Used to roll back a freshly provisioned account when the rest
	// of the login flow fails.
	DeleteUser(ctx context.Context, id string) error
}

// SessionStore defines the interface for the durable session map.
//
// The contract is transport-agnostic: the HTTP layer adapts it to cookies
// without the store knowing anything about them.
type SessionStore interface {
	// Get retrieves a session by ID. Returns (nil, nil) when the session is
	// absent or expired; an expired record is deleted as a side effect.
	Get(ctx context.Context, id string) (*Session, error)

	// Set upserts a session and persists the store before returning.
	Set(ctx context.Context, session *Session) error

	// Destroy removes a session and persists the store before returning.
	// Destroying an absent session is not an error.
	Destroy(ctx context.Context, id string) error

	// Clear removes all sessions.
	Clear(ctx context.Context) error

	// Len returns the number of live (non-expired) sessions.
	Len(ctx context.Context) (int, error)

	// Touch is a no-op: sessions use fixed absolute expiry from creation,
	// never sliding expiry. Implementations must not extend the lifetime.
	Touch(ctx context.Context, id string) error

	// Sweep evicts every expired session, persisting once if anything was
	// removed. Returns the number of sessions evicted.
	Sweep(ctx context.Context) (int, error)
}

// ChallengeStore defines the interface for pending MFA challenges.
type ChallengeStore interface {
	// SaveChallenge stores a challenge, silently replacing any existing
	// challenge for the same user.
	SaveChallenge(ctx context.Context, challenge *Challenge) error

	// ConsumeChallenge atomically validates and consumes a challenge.
	// Returns false if no challenge exists, if it has expired (the stale
	// record is purged as a side effect), or if the code does not match.
	// On a match the challenge is deleted before returning true, so a
	// replay of the same code always fails.
	// SECURITY: This operation MUST be atomic to prevent concurrent
	// double-spend of a single-use code.
	ConsumeChallenge(ctx context.Context, userID, code string) (bool, error)

	// DeleteChallenge removes any pending challenge for the user. Used when
	// a flow aborts. Deleting an absent challenge is not an error.
	DeleteChallenge(ctx context.Context, userID string) error
}
