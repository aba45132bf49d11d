package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/storage"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, dir
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	user := &storage.User{
		ID:        "u1",
		Name:      "Alice",
		Email:     "alice@example.com",
		Provider:  storage.ProviderLocal,
		CreatedAt: time.Now(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	sess := &storage.Session{
		ID:          "s1",
		User:        storage.SessionUser{ID: "u1", Name: "Alice", Email: "alice@example.com"},
		MFAVerified: true,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.Set(ctx, sess); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.Stop()

	reopened, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Stop()

	gotUser, err := reopened.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if gotUser == nil || gotUser.ID != "u1" {
		t.Errorf("GetUserByEmail() after reopen = %+v, want user u1", gotUser)
	}

	gotSess, err := reopened.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotSess == nil || !gotSess.MFAVerified {
		t.Errorf("Get() after reopen = %+v, want verified session", gotSess)
	}
}

func TestExpiredRecordsPurgedOnLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	dead := &storage.Session{
		ID:        "dead",
		User:      storage.SessionUser{ID: "u1"},
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := s.Set(ctx, dead); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	staleChallenge := &storage.Challenge{
		UserID:    "u1",
		Code:      "123456",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveChallenge(ctx, staleChallenge); err != nil {
		t.Fatalf("SaveChallenge() error = %v", err)
	}
	s.Stop()

	reopened, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Stop()

	n, err := reopened.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Len() after reopen = %d, want 0", n)
	}
	ok, err := reopened.ConsumeChallenge(ctx, "u1", "123456")
	if err != nil {
		t.Fatalf("ConsumeChallenge() error = %v", err)
	}
	if ok {
		t.Error("ConsumeChallenge() on purged challenge = true, want false")
	}
}

func TestDeleteUserPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	user := &storage.User{
		ID:        "u1",
		Name:      "Alice",
		Email:     "alice@example.com",
		Provider:  storage.ProviderLocal,
		CreatedAt: time.Now(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if err := s.DeleteUser(ctx, "missing"); err != nil {
		t.Errorf("DeleteUser() absent user error = %v, want nil", err)
	}
	s.Stop()

	// The deletion survives a reopen, and the email binding is released.
	reopened, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Stop()

	got, err := reopened.GetUserByEmail(ctx, "alice@example.com")
	if err != nil || got != nil {
		t.Errorf("GetUserByEmail() after delete = (%+v, %v), want (nil, nil)", got, err)
	}
	user.ID = "u2"
	if err := reopened.CreateUser(ctx, user); err != nil {
		t.Errorf("CreateUser() reusing freed email error = %v", err)
	}
}

func TestDuplicateEmail(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u := &storage.User{ID: "u1", Email: "a@example.com", Provider: storage.ProviderLocal, CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	dup := &storage.User{ID: "u2", Email: "a@example.com", Provider: storage.ProviderLocal, CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, storage.ErrDuplicateEmail) {
		t.Errorf("CreateUser() duplicate error = %v, want ErrDuplicateEmail", err)
	}
}

func TestProviderMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u := &storage.User{ID: "u1", Email: "a@example.com", Provider: storage.ProviderLocal, CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	fed := &storage.User{ID: "u2", Email: "a@example.com", Provider: "github", CreatedAt: time.Now()}
	_, err := s.ResolveFederatedUser(ctx, fed)
	var mismatch *storage.ProviderMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("ResolveFederatedUser() error = %v, want ProviderMismatchError", err)
	}
}

func TestEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	s, err := New(dir, &Options{Encryptor: enc})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	u := &storage.User{ID: "u1", Email: "secret@example.com", Provider: storage.ProviderLocal, CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	s.Stop()

	raw, err := os.ReadFile(filepath.Join(dir, "mocksmith.json"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(raw), "secret@example.com") {
		t.Error("email visible in encrypted file")
	}
	var probe map[string]any
	if json.Unmarshal(raw, &probe) == nil {
		t.Error("encrypted file parsed as JSON, want ciphertext")
	}

	reopened, err := New(dir, &Options{Encryptor: enc})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer reopened.Stop()

	got, err := reopened.GetUserByEmail(ctx, "secret@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if got == nil || got.ID != "u1" {
		t.Errorf("GetUserByEmail() after encrypted reopen = %+v, want user u1", got)
	}
}

func TestConsumeChallengeSingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ch := &storage.Challenge{UserID: "u1", Code: "123456", ExpiresAt: time.Now().Add(5 * time.Minute)}
	if err := s.SaveChallenge(ctx, ch); err != nil {
		t.Fatalf("SaveChallenge() error = %v", err)
	}

	ok, err := s.ConsumeChallenge(ctx, "u1", "123456")
	if err != nil || !ok {
		t.Fatalf("ConsumeChallenge() = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.ConsumeChallenge(ctx, "u1", "123456")
	if err != nil {
		t.Fatalf("ConsumeChallenge() replay error = %v", err)
	}
	if ok {
		t.Error("ConsumeChallenge() replay = true, want false")
	}
}
