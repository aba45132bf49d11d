// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments
// where durability across restarts is not required.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mocksmith/mocksmith/storage"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements UserStore, SessionStore, and ChallengeStore.
type Store struct {
	mu sync.RWMutex

	users        map[string]*storage.User // user ID -> user
	usersByEmail map[string]string        // email -> user ID

	sessions   map[string]*storage.Session   // session ID -> session
	challenges map[string]*storage.Challenge // user ID -> challenge

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.UserStore      = (*Store)(nil)
	_ storage.SessionStore   = (*Store)(nil)
	_ storage.ChallengeStore = (*Store)(nil)
)

// New creates a new in-memory store with the default sweep interval (1 hour).
func New() *Store {
	return NewWithInterval(time.Hour)
}

// NewWithInterval creates a new in-memory store with a custom sweep interval.
// If sweepInterval is 0 or negative, the default of 1 hour is used.
func NewWithInterval(sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	s := &Store{
		users:         make(map[string]*storage.User),
		usersByEmail:  make(map[string]string),
		sessions:      make(map[string]*storage.Session),
		challenges:    make(map[string]*storage.Challenge),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
	}

	// Start background sweep
	go s.sweepLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop gracefully stops the sweep goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("Session sweep failed", "error", err)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser inserts a new user. The email uniqueness check and the insert
// happen under a single lock, so concurrent creates for the same email
// produce exactly one user.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Email == "" {
		return fmt.Errorf("user email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByEmail[user.Email]; exists {
		return storage.ErrDuplicateEmail
	}

	u := *user
	s.users[u.ID] = &u
	s.usersByEmail[u.Email] = u.ID

	return nil
}

// ResolveFederatedUser finds or provisions the account for a federated login.
func (s *Store) ResolveFederatedUser(ctx context.Context, user *storage.User) (*storage.User, error) {
	if user == nil || user.ID == "" {
		return nil, fmt.Errorf("invalid user")
	}
	if user.Email == "" {
		return nil, fmt.Errorf("user email is required")
	}
	if user.Provider == "" || user.Provider == storage.ProviderLocal {
		return nil, fmt.Errorf("federated user requires a non-local provider")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.usersByEmail[user.Email]; ok {
		existing := s.users[existingID]
		if existing.Provider != user.Provider {
			return nil, &storage.ProviderMismatchError{
				Email:         user.Email,
				BoundProvider: existing.Provider,
			}
		}
		copied := *existing
		return &copied, nil
	}

	u := *user
	s.users[u.ID] = &u
	s.usersByEmail[u.Email] = u.ID

	copied := u
	return &copied, nil
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, nil
	}

	copied := *s.users[id]
	return &copied, nil
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}

	copied := *user
	return &copied, nil
}

// DeleteUser removes a user by ID. Deleting an absent user is not an error.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil
	}

	delete(s.usersByEmail, user.Email)
	delete(s.users, id)

	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// Get retrieves a session by ID with lazy expiry: an expired record is
// deleted and reported as absent.
func (s *Store) Get(ctx context.Context, id string) (*storage.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}

	if session.Expired(time.Now()) {
		delete(s.sessions, id)
		return nil, nil
	}

	copied := *session
	return &copied, nil
}

// Set upserts a session.
func (s *Store) Set(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[copied.ID] = &copied

	return nil
}

// Destroy removes a session.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Clear removes all sessions.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*storage.Session)
	return nil
}

// Len returns the number of live sessions.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, session := range s.sessions {
		if !session.Expired(now) {
			count++
		}
	}
	return count, nil
}

// Touch is a no-op: sessions carry a fixed absolute expiry.
func (s *Store) Touch(ctx context.Context, id string) error {
	return nil
}

// Sweep evicts all expired sessions.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Session sweep completed",
			"removed", removed,
			"remaining", len(s.sessions))
	}

	return removed, nil
}

// ============================================================
// ChallengeStore Implementation
// ============================================================

// SaveChallenge stores a challenge, replacing any existing one for the user.
func (s *Store) SaveChallenge(ctx context.Context, challenge *storage.Challenge) error {
	if challenge == nil || challenge.UserID == "" {
		return fmt.Errorf("invalid challenge")
	}
	if challenge.Code == "" {
		return fmt.Errorf("challenge code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *challenge
	s.challenges[copied.UserID] = &copied

	return nil
}

// ConsumeChallenge atomically validates and consumes a challenge.
func (s *Store) ConsumeChallenge(ctx context.Context, userID, code string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[userID]
	if !ok {
		return false, nil
	}

	if time.Now().After(challenge.ExpiresAt) {
		// Purge the stale challenge; the caller sees the same failure as a
		// wrong code.
		delete(s.challenges, userID)
		return false, nil
	}

	if subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) != 1 {
		return false, nil
	}

	// Single use: delete before reporting success so a replay fails.
	delete(s.challenges, userID)
	return true, nil
}

// DeleteChallenge removes any pending challenge for the user.
func (s *Store) DeleteChallenge(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, userID)
	return nil
}
