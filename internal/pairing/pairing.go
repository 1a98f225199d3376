package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Pairing codes avoid 0/O and 1/I so they survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 6
	codeTTL    = 5 * time.Minute
)

// Validation failure reasons, surfaced verbatim in the pairing API.
const (
	ReasonInvalid = "Invalid code"
	ReasonExpired = "code_expired"
)

// Result is the outcome of a code validation.
type Result struct {
	Valid     bool
	Token     string
	SessionID string
	Reason    string
}

type codeEntry struct {
	sessionID string
	token     string
	expires   time.Time
}

// Manager holds short-lived pairing codes. Codes are single-use:
// validation consumes them.
type Manager struct {
	mu    sync.Mutex
	codes map[string]codeEntry

	now func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		codes: make(map[string]codeEntry),
		now:   time.Now,
	}
}

// CreateCode mints a fresh code binding sessionID to token, valid for
// five minutes.
func (m *Manager) CreateCode(sessionID, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.codes[code]; taken {
			continue
		}
		m.codes[code] = codeEntry{
			sessionID: sessionID,
			token:     token,
			expires:   now.Add(codeTTL),
		}
		return code, nil
	}
	return "", fmt.Errorf("could not mint a unique pairing code")
}

// ValidateCode consumes a code. A hit purges it; an expired code is
// reported as such and purged.
func (m *Manager) ValidateCode(code string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.codes[code]
	if !ok {
		m.sweep(now)
		return Result{Reason: ReasonInvalid}
	}
	delete(m.codes, code)
	if now.After(entry.expires) {
		m.sweep(now)
		return Result{Reason: ReasonExpired}
	}
	return Result{Valid: true, Token: entry.token, SessionID: entry.sessionID}
}

// PurgeSession removes outstanding codes for a session, for use when
// the session completes before anyone pairs.
func (m *Manager) PurgeSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, entry := range m.codes {
		if entry.sessionID == sessionID {
			delete(m.codes, code)
		}
	}
}

// sweep drops expired entries. Caller holds m.mu.
func (m *Manager) sweep(now time.Time) {
	for code, entry := range m.codes {
		if now.After(entry.expires) {
			delete(m.codes, code)
		}
	}
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
