package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mconnect/mconnect/internal/crypto"
	"github.com/mconnect/mconnect/internal/database"
)

// TokenStore issues and validates per-session bearer tokens. Tokens
// are random 256-bit strings; at rest they are fernet-encrypted in the
// session store so pairing survives daemon restarts.
type TokenStore struct {
	store  *database.Store
	cipher *crypto.Cipher
	log    *slog.Logger

	mu     sync.RWMutex
	tokens map[string]string // sessionID -> token
}

func NewTokenStore(store *database.Store, cipher *crypto.Cipher, log *slog.Logger) *TokenStore {
	return &TokenStore{
		store:  store,
		cipher: cipher,
		log:    log,
		tokens: make(map[string]string),
	}
}

// Load decrypts persisted tokens after a restart. Tokens that no
// longer decrypt are dropped.
func (t *TokenStore) Load() error {
	rows, err := t.store.AllSessionTokens()
	if err != nil {
		return fmt.Errorf("load session tokens: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		token, err := t.cipher.Decrypt(row.Ciphertext)
		if err != nil {
			t.log.Warn("dropping undecryptable session token", "session", row.SessionID)
			continue
		}
		t.tokens[row.SessionID] = token
	}
	return nil
}

// Issue creates (or returns the existing) token for a session.
func (t *TokenStore) Issue(sessionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if token, ok := t.tokens[sessionID]; ok {
		return token, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	ct, err := t.cipher.Encrypt(token)
	if err != nil {
		return "", err
	}
	if err := t.store.SaveSessionToken(sessionID, ct); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}

	t.tokens[sessionID] = token
	t.log.Debug("issued session token", "session", sessionID, "token", crypto.Mask(token))
	return token, nil
}

// Validate checks a presented token in constant time and returns the
// session it is scoped to.
func (t *TokenStore) Validate(token string) (sessionID string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for sid, want := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			return sid, true
		}
	}
	return "", false
}

// ValidateForSession checks a token against one session only.
func (t *TokenStore) ValidateForSession(sessionID, token string) bool {
	t.mu.RLock()
	want, ok := t.tokens[sessionID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// Invalidate drops a session's token; called when the session
// completes.
func (t *TokenStore) Invalidate(sessionID string) {
	t.mu.Lock()
	delete(t.tokens, sessionID)
	t.mu.Unlock()

	if err := t.store.DeleteSessionToken(sessionID); err != nil && err != database.ErrNotFound {
		t.log.Warn("delete persisted token", "session", sessionID, "error", err)
	}
}
