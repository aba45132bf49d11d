// Package sqlite provides a SQLite-backed implementation of all storage
// interfaces using the pure Go modernc.org/sqlite driver. It is the durable
// backend for deployments that need accounts and sessions to survive
// restarts without an external database server.
package sqlite

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/mocksmith/mocksmith/storage"
)

// Store is a SQLite-backed implementation of all storage interfaces.
type Store struct {
	db *sql.DB

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

// Options configures a SQLite store.
type Options struct {
	// SweepInterval is how often expired sessions are evicted in the
	// background (default: 1 hour).
	SweepInterval time.Duration

	// Logger is the logger for background activity (default: slog.Default()).
	Logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL,
	mfa_enabled   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	user_name    TEXT NOT NULL,
	user_email   TEXT NOT NULL,
	mfa_verified INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS challenges (
	user_id    TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// New creates a SQLite store at the given path, creating the schema if
// needed. Expired sessions and challenges are purged immediately so a
// restart never resurrects stale credentials.
func New(dbPath string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
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
		db:            db,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        logger,
	}

	now := time.Now()
	if _, err := db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	if _, err := db.Exec(`DELETE FROM challenges WHERE expires_at <= ?`, now); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to purge expired challenges: %w", err)
	}

	go s.sweepLoop()

	return s, nil
}

// Close stops the sweep goroutine and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
	return s.db.Close()
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

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite does not export a typed error for this, so match on
// the message the SQLite engine produces.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ============================================================
// UserStore Implementation
// ============================================================

// CreateUser inserts a new user. The UNIQUE index on email makes the
// uniqueness check and the insert a single atomic operation.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	if user.Email == "" {
		return fmt.Errorf("user email is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, provider, mfa_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Provider, user.MFAEnabled, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// ResolveFederatedUser finds or provisions the account for a federated login.
// The lookup and conditional insert run inside one transaction.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanUser(tx.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, provider, mfa_enabled, created_at
		 FROM users WHERE email = ?`, user.Email))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if existing != nil {
		if existing.Provider != user.Provider {
			return nil, &storage.ProviderMismatchError{
				Email:         user.Email,
				BoundProvider: existing.Provider,
			}
		}
		return existing, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, provider, mfa_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Provider, user.MFAEnabled, user.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	copied := *user
	return &copied, nil
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, provider, mfa_enabled, created_at
		 FROM users WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUserByID(ctx context.Context, id string) (*storage.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, email, password_hash, provider, mfa_enabled, created_at
		 FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user by ID. Deleting an absent user is not an error.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*storage.User, error) {
	var u storage.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Provider, &u.MFAEnabled, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// Get retrieves a session by ID with lazy expiry: an expired row is deleted
// and reported as absent.
func (s *Store) Get(ctx context.Context, id string) (*storage.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	var sess storage.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, user_name, user_email, mfa_verified, created_at, expires_at
		 FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.User.ID, &sess.User.Name, &sess.User.Email,
			&sess.MFAVerified, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if sess.Expired(time.Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, nil
	}

	return &sess, nil
}

// Set upserts a session.
func (s *Store) Set(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, user_name, user_email, mfa_verified, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			user_name = excluded.user_name,
			user_email = excluded.user_email,
			mfa_verified = excluded.mfa_verified,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		session.ID, session.User.ID, session.User.Name, session.User.Email,
		session.MFAVerified, session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Destroy removes a session.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Clear removes all sessions.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	return nil
}

// Len returns the number of live sessions.
func (s *Store) Len(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE expires_at > ?`, time.Now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Touch is a no-op: sessions carry a fixed absolute expiry.
func (s *Store) Touch(ctx context.Context, id string) error {
	return nil
}

// Sweep evicts all expired sessions.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept sessions: %w", err)
	}

	if removed > 0 {
		s.logger.Debug("Session sweep completed", "removed", removed)
	}

	return int(removed), nil
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (user_id, code, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			code = excluded.code,
			expires_at = excluded.expires_at`,
		challenge.UserID, challenge.Code, challenge.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge atomically validates and consumes a challenge. The read
// and the delete run inside one transaction, and the single-writer
// connection limit serializes concurrent attempts.
func (s *Store) ConsumeChallenge(ctx context.Context, userID, code string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user ID is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var storedCode string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT code, expires_at FROM challenges WHERE user_id = ?`, userID).
		Scan(&storedCode, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get challenge: %w", err)
	}

	if time.Now().After(expiresAt) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE user_id = ?`, userID); err != nil {
			return false, fmt.Errorf("failed to purge expired challenge: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		return false, nil
	}

	if subtle.ConstantTimeCompare([]byte(storedCode), []byte(code)) != 1 {
		return false, nil
	}

	// Single use: delete before reporting success so a replay fails.
	if _, err := tx.ExecContext(ctx, `DELETE FROM challenges WHERE user_id = ?`, userID); err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// DeleteChallenge removes any pending challenge for the user.
func (s *Store) DeleteChallenge(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}
