// Package file provides a JSON file backed implementation of all storage
// interfaces. Every mutation rewrites the file, which keeps the on-disk state
// consistent at the cost of write amplification. Suitable for development and
// small single-instance deployments.
package file

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/storage"
)

// state is the serialized form of the store.
type state struct {
	UsersByID     map[string]*storage.User      `json:"usersById"`
	UserIDByEmail map[string]string             `json:"userIdByEmail"`
	SessionsByID  map[string]*storage.Session   `json:"sessionsById"`
	Challenges    map[string]*storage.Challenge `json:"challengesByUserId"`
}

func newState() state {
	return state{
		UsersByID:     map[string]*storage.User{},
		UserIDByEmail: map[string]string{},
		SessionsByID:  map[string]*storage.Session{},
		Challenges:    map[string]*storage.Challenge{},
	}
}

// Store is a file-backed implementation of all storage interfaces.
type Store struct {
	mu   sync.RWMutex
	path string
	s    state

	encryptor *security.Encryptor

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

// Options configures a file store.
type Options struct {
	// Encryptor optionally encrypts the file at rest. A nil encryptor means
	// plaintext JSON.
	Encryptor *security.Encryptor

	// SweepInterval is how often expired sessions are evicted in the
	// background (default: 1 hour).
	SweepInterval time.Duration

	// Logger is the logger for background activity (default: slog.Default()).
	Logger *slog.Logger
}

// New creates a file store persisting to <dataDir>/mocksmith.json.
// Existing state is loaded, and expired sessions and challenges are purged
// immediately so a restart never resurrects stale credentials.
func New(dataDir string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	encryptor := opts.Encryptor
	if encryptor == nil {
		var err error
		encryptor, err = security.NewEncryptor(nil)
		if err != nil {
			return nil, err
		}
	}

	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:          filepath.Join(dataDir, "mocksmith.json"),
		s:             newState(),
		encryptor:     encryptor,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        logger,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	go s.sweepLoop()

	return s, nil
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

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.s = newState()
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	plain, err := s.encryptor.Decrypt(raw)
	if err != nil {
		return fmt.Errorf("failed to decrypt store file: %w", err)
	}

	var loaded state
	if err := json.Unmarshal(plain, &loaded); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	if loaded.UsersByID == nil {
		loaded.UsersByID = map[string]*storage.User{}
	}
	if loaded.UserIDByEmail == nil {
		loaded.UserIDByEmail = map[string]string{}
	}
	if loaded.SessionsByID == nil {
		loaded.SessionsByID = map[string]*storage.Session{}
	}
	if loaded.Challenges == nil {
		loaded.Challenges = map[string]*storage.Challenge{}
	}
	s.s = loaded

	// Purge anything that expired while the process was down.
	now := time.Now()
	purged := 0
	for id, session := range s.s.SessionsByID {
		if session.Expired(now) {
			delete(s.s.SessionsByID, id)
			purged++
		}
	}
	for userID, challenge := range s.s.Challenges {
		if now.After(challenge.ExpiresAt) {
			delete(s.s.Challenges, userID)
			purged++
		}
	}
	if purged > 0 {
		s.logger.Info("Purged expired records on load", "purged", purged)
		return s.saveLocked()
	}

	return nil
}

// saveLocked persists the state. Callers must hold the write lock.
func (s *Store) saveLocked() error {
	plain, err := json.MarshalIndent(s.s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize store: %w", err)
	}

	raw, err := s.encryptor.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt store: %w", err)
	}

	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser inserts a new user and persists the file before returning.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Email == "" {
		return fmt.Errorf("user email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.s.UserIDByEmail[user.Email]; exists {
		return storage.ErrDuplicateEmail
	}

	u := *user
	s.s.UsersByID[u.ID] = &u
	s.s.UserIDByEmail[u.Email] = u.ID

	return s.saveLocked()
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

	if existingID, ok := s.s.UserIDByEmail[user.Email]; ok {
		existing := s.s.UsersByID[existingID]
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
	s.s.UsersByID[u.ID] = &u
	s.s.UserIDByEmail[u.Email] = u.ID

	if err := s.saveLocked(); err != nil {
		return nil, err
	}

	copied := u
	return &copied, nil
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.s.UserIDByEmail[email]
	if !ok {
		return nil, nil
	}

	copied := *s.s.UsersByID[id]
	return &copied, nil
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.s.UsersByID[id]
	if !ok {
		return nil, nil
	}

	copied := *user
	return &copied, nil
}

// DeleteUser removes a user by ID and persists the store. Deleting an
// absent user is not an error.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.s.UsersByID[id]
	if !ok {
		return nil
	}

	delete(s.s.UserIDByEmail, user.Email)
	delete(s.s.UsersByID, id)

	return s.saveLocked()
}

// ============================================================
// SessionStore Implementation
// ============================================================

// Get retrieves a session by ID with lazy expiry: an expired record is
// deleted, persisted, and reported as absent.
func (s *Store) Get(ctx context.Context, id string) (*storage.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.s.SessionsByID[id]
	if !ok {
		return nil, nil
	}

	if session.Expired(time.Now()) {
		delete(s.s.SessionsByID, id)
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	copied := *session
	return &copied, nil
}

// Set upserts a session and persists the file before returning.
func (s *Store) Set(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.s.SessionsByID[copied.ID] = &copied

	return s.saveLocked()
}

// Destroy removes a session and persists the file before returning.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.s.SessionsByID[id]; !ok {
		return nil
	}

	delete(s.s.SessionsByID, id)
	return s.saveLocked()
}

// Clear removes all sessions.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.s.SessionsByID = map[string]*storage.Session{}
	return s.saveLocked()
}

// Len returns the number of live sessions.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, session := range s.s.SessionsByID {
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

// Sweep evicts all expired sessions, persisting once if anything was removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, session := range s.s.SessionsByID {
		if session.Expired(now) {
			delete(s.s.SessionsByID, id)
			removed++
		}
	}

	if removed > 0 {
		if err := s.saveLocked(); err != nil {
			return removed, err
		}
		s.logger.Debug("Session sweep completed",
			"removed", removed,
			"remaining", len(s.s.SessionsByID))
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
	s.s.Challenges[copied.UserID] = &copied

	return s.saveLocked()
}

// ConsumeChallenge atomically validates and consumes a challenge.
func (s *Store) ConsumeChallenge(ctx context.Context, userID, code string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.s.Challenges[userID]
	if !ok {
		return false, nil
	}

	if time.Now().After(challenge.ExpiresAt) {
		delete(s.s.Challenges, userID)
		if err := s.saveLocked(); err != nil {
			return false, err
		}
		return false, nil
	}

	if subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) != 1 {
		return false, nil
	}

	// Single use: delete before reporting success so a replay fails.
	delete(s.s.Challenges, userID)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteChallenge removes any pending challenge for the user.
func (s *Store) DeleteChallenge(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.s.Challenges[userID]; !ok {
		return nil
	}

	delete(s.s.Challenges, userID)
	return s.saveLocked()
}
