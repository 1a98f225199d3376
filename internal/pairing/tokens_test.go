package pairing

import (
	"io"
	"log/slog"
	"testing"

	"github.com/mconnect/mconnect/internal/crypto"
	"github.com/mconnect/mconnect/internal/database"
)

func setupTokens(t *testing.T) (*TokenStore, *database.Store) {
	t.Helper()
	store, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.CreateSession("s1", database.StateRunning, "{}", "/"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTokenStore(store, crypto.New(store), log), store
}

func TestIssueAndValidate(t *testing.T) {
	ts, _ := setupTokens(t)

	token, err := ts.Issue("s1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// 32 random bytes hex-encoded.
	if len(token) != 64 {
		t.Errorf("len(token) = %d, want 64", len(token))
	}

	sid, ok := ts.Validate(token)
	if !ok || sid != "s1" {
		t.Errorf("validate = %q/%v, want s1/true", sid, ok)
	}
	if !ts.ValidateForSession("s1", token) {
		t.Error("ValidateForSession refused the issued token")
	}
	if ts.ValidateForSession("s1", "wrong") {
		t.Error("wrong token accepted")
	}
	if _, ok := ts.Validate("wrong"); ok {
		t.Error("unknown token validated")
	}
}

func TestIssueIsIdempotent(t *testing.T) {
	ts, _ := setupTokens(t)
	first, _ := ts.Issue("s1")
	second, _ := ts.Issue("s1")
	if first != second {
		t.Error("re-issue minted a different token")
	}
}

func TestInvalidate(t *testing.T) {
	ts, store := setupTokens(t)
	token, _ := ts.Issue("s1")

	ts.Invalidate("s1")
	if _, ok := ts.Validate(token); ok {
		t.Error("token valid after invalidation")
	}
	if _, err := store.GetSessionToken("s1"); err != database.ErrNotFound {
		t.Errorf("persisted token err = %v, want ErrNotFound", err)
	}
}

func TestLoadSurvivesRestart(t *testing.T) {
	ts, store := setupTokens(t)
	token, _ := ts.Issue("s1")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fresh := NewTokenStore(store, crypto.New(store), log)
	if err := fresh.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sid, ok := fresh.Validate(token)
	if !ok || sid != "s1" {
		t.Errorf("validate after restart = %q/%v, want s1/true", sid, ok)
	}
}

func TestTokensAreStoredEncrypted(t *testing.T) {
	ts, store := setupTokens(t)
	token, _ := ts.Issue("s1")

	ct, err := store.GetSessionToken("s1")
	if err != nil {
		t.Fatalf("get persisted token: %v", err)
	}
	if ct == token {
		t.Error("token persisted in plaintext")
	}
}
