package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mconnect/mconnect/internal/database"
	"github.com/mconnect/mconnect/internal/process"
	"github.com/mconnect/mconnect/internal/registry"
	"github.com/mconnect/mconnect/internal/scrollback"
)

var (
	// ErrTooManySessions is returned when creating a session would
	// exceed the concurrency cap.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrInvalidTransition is returned for a disallowed state change.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Config tunes the manager.
type Config struct {
	MaxConcurrentSessions int
	CleanupAfter          time.Duration // completed-session retention
	CompletedViewGrace    time.Duration // live view kept after completion
	Scrollback            scrollback.Config
	RespawnOnRestore      bool
	Shell                 string
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 5,
		CleanupAfter:          24 * time.Hour,
		CompletedViewGrace:    time.Minute,
		Scrollback:            scrollback.DefaultConfig(),
		Shell:                 "/bin/sh",
	}
}

// OutputFunc receives session output after it has been appended to
// scrollback, for fan-out to attached clients.
type OutputFunc func(sessionID string, data []byte)

// StateChangeFunc is invoked after every persisted state transition.
type StateChangeFunc func(sessionID, newState string)

// view is the live per-session state.
type view struct {
	buffer *scrollback.Buffer
}

// Manager owns all session and scrollback mutations. Every operation
// that touches a session's state or buffer is serialized here.
type Manager struct {
	cfg      Config
	store    *database.Store
	procs    *process.Manager
	reg      *registry.Registry
	log      *slog.Logger
	cron     *cron.Cron
	onOutput OutputFunc
	onState  StateChangeFunc

	mu       sync.Mutex
	active   map[string]*view
	stopping bool
}

// NewManager wires the manager. onOutput and onState may be nil.
func NewManager(cfg Config, store *database.Store, procs *process.Manager, reg *registry.Registry, log *slog.Logger) *Manager {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultConfig().MaxConcurrentSessions
	}
	if cfg.CompletedViewGrace <= 0 {
		cfg.CompletedViewGrace = DefaultConfig().CompletedViewGrace
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		procs:  procs,
		reg:    reg,
		log:    log,
		active: make(map[string]*view),
	}
}

// SetOutputFunc registers the output fan-out callback.
func (m *Manager) SetOutputFunc(fn OutputFunc) { m.onOutput = fn }

// SetStateChangeFunc registers the state-change callback.
func (m *Manager) SetStateChangeFunc(fn StateChangeFunc) { m.onState = fn }

// Initialize reloads running sessions from the store after a restart.
// Scrollback already persisted is recovered; PTY processes are only
// respawned when configured.
func (m *Manager) Initialize() error {
	sessions, err := m.store.GetSessionsByState(database.StateRunning)
	if err != nil {
		return fmt.Errorf("load running sessions: %w", err)
	}

	for _, s := range sessions {
		buf := scrollback.New(m.store, s.ID, m.cfg.Scrollback)
		if err := buf.Restore(); err != nil {
			return fmt.Errorf("restore scrollback for %s: %w", s.ID, err)
		}
		m.mu.Lock()
		m.active[s.ID] = &view{buffer: buf}
		m.mu.Unlock()

		if m.cfg.RespawnOnRestore {
			if err := m.procs.Spawn(s.ID, process.SpawnOptions{
				Shell:      m.cfg.Shell,
				WorkingDir: s.WorkingDirectory,
			}); err != nil {
				m.log.Warn("respawn failed", "session", s.ID, "error", err)
			}
		}
		m.log.Info("restored session", "session", s.ID, "lines", buf.TotalLines())
	}
	return nil
}

// Start schedules the hourly completed-session cleanup.
func (m *Manager) Start() {
	m.cron = cron.New()
	m.cron.AddFunc("@hourly", func() {
		if n, err := m.CleanupCompletedSessions(); err != nil {
			m.log.Error("session cleanup failed", "error", err)
		} else if n > 0 {
			m.log.Info("cleaned up completed sessions", "count", n)
		}
	})
	m.cron.Start()
}

// Create starts a new session: a store row, a scrollback buffer and a
// PTY process.
func (m *Manager) Create(agentConfig, workingDirectory string) (*database.Session, error) {
	live, err := m.store.GetAllSessions(false)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if len(live) >= m.cfg.MaxConcurrentSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.New().String()
	if agentConfig == "" {
		agentConfig = "{}"
	}
	sess, err := m.store.CreateSession(id, database.StateRunning, agentConfig, workingDirectory)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.active[id] = &view{buffer: scrollback.New(m.store, id, m.cfg.Scrollback)}
	m.mu.Unlock()

	if err := m.procs.Spawn(id, process.SpawnOptions{
		Shell:      m.cfg.Shell,
		WorkingDir: workingDirectory,
	}); err != nil {
		// Spawn failure is reported, not retried; the row stays so the
		// operator can inspect and kill it.
		m.log.Error("spawn failed", "session", id, "error", err)
		return sess, fmt.Errorf("spawn session process: %w", err)
	}

	m.log.Info("created session", "session", id, "cwd", workingDirectory)
	return sess, nil
}

// Get returns the stored session record.
func (m *Manager) Get(sessionID string) (*database.Session, error) {
	return m.store.GetSession(sessionID)
}

// List returns sessions, excluding completed ones unless asked.
func (m *Manager) List(includeCompleted bool) ([]database.Session, error) {
	return m.store.GetAllSessions(includeCompleted)
}

// IsActive reports whether the session has a live view.
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// AttachClient binds a registered client to a session. Fails with
// ErrNotFound when the session is unknown.
func (m *Manager) AttachClient(sessionID, clientID string) (*database.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.reg.Attach(clientID, sessionID); err != nil {
		return nil, fmt.Errorf("attach client: %w", err)
	}
	return sess, nil
}

// DetachClient unbinds the client from whatever session it watches.
func (m *Manager) DetachClient(clientID string) error {
	return m.reg.Detach(clientID)
}

// AppendOutput routes PTY bytes into scrollback, refreshes activity
// and fans the chunk out to attached clients. Bytes for a session with
// no live view are dropped.
func (m *Manager) AppendOutput(sessionID string, data []byte) {
	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := v.buffer.Append(string(data)); err != nil {
		m.log.Error("scrollback append failed", "session", sessionID, "error", err)
	}
	if err := m.store.UpdateSessionActivity(sessionID); err != nil {
		m.log.Warn("activity refresh failed", "session", sessionID, "error", err)
	}
	if m.onOutput != nil {
		m.onOutput(sessionID, data)
	}
}

// WriteInput forwards accepted input bytes to the session's PTY.
func (m *Manager) WriteInput(sessionID string, data []byte) error {
	return m.procs.Write(sessionID, data)
}

// Resize changes the session's PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	return m.procs.Resize(sessionID, cols, rows)
}

var validTransitions = map[string]map[string]bool{
	database.StateRunning: {database.StatePaused: true, database.StateCompleted: true},
	database.StatePaused:  {database.StateRunning: true, database.StateCompleted: true},
}

// TransitionState validates and applies a state change. Transitioning
// to completed flushes scrollback and keeps the live view around for a
// grace period so late readers can still export from memory.
func (m *Manager) TransitionState(sessionID, newState string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if !validTransitions[sess.State][newState] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, newState)
	}
	if err := m.store.UpdateSessionState(sessionID, newState); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	if newState == database.StateCompleted {
		m.complete(sessionID, false)
	}
	m.log.Info("session state changed", "session", sessionID, "from", sess.State, "to", newState)
	if m.onState != nil {
		m.onState(sessionID, newState)
	}
	return nil
}

// Terminate kills the process, marks the session completed and drops
// the live view immediately.
func (m *Manager) Terminate(sessionID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.State == database.StateCompleted {
		return nil
	}

	if err := m.procs.Kill(sessionID); err != nil && err != process.ErrNoProcess {
		m.log.Warn("kill failed", "session", sessionID, "error", err)
	}
	if err := m.store.UpdateSessionState(sessionID, database.StateCompleted); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	m.complete(sessionID, true)
	m.log.Info("terminated session", "session", sessionID)
	if m.onState != nil {
		m.onState(sessionID, database.StateCompleted)
	}
	return nil
}

// complete flushes the buffer and drops the live view, either
// now or after the grace period.
func (m *Manager) complete(sessionID string, immediate bool) {
	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := v.buffer.Flush(); err != nil {
		m.log.Error("flush on completion failed", "session", sessionID, "error", err)
	}

	drop := func() {
		m.mu.Lock()
		delete(m.active, sessionID)
		m.mu.Unlock()
	}
	if immediate {
		drop()
	} else {
		time.AfterFunc(m.cfg.CompletedViewGrace, drop)
	}
}

// HandleProcessExit reacts to a PTY child dying mid-session by
// completing the session.
func (m *Manager) HandleProcessExit(sessionID string, exitErr error) {
	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		// Daemon shutdown: the session stays running in the store so a
		// restart can restore it.
		return
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return
	}
	if sess.State == database.StateCompleted {
		return
	}
	m.log.Info("session process exited", "session", sessionID, "error", exitErr)
	if err := m.store.UpdateSessionState(sessionID, database.StateCompleted); err != nil {
		m.log.Error("persist completion failed", "session", sessionID, "error", err)
		return
	}
	m.complete(sessionID, false)
	if m.onState != nil {
		m.onState(sessionID, database.StateCompleted)
	}
}

// CleanupCompletedSessions deletes completed sessions whose activity
// is older than the retention threshold.
func (m *Manager) CleanupCompletedSessions() (int, error) {
	return m.store.DeleteCompletedSessions(m.cfg.CleanupAfter)
}

// GetRecent returns the last count scrollback lines for replay.
func (m *Manager) GetRecent(sessionID string, count int) ([]string, error) {
	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		return v.buffer.GetRecent(count)
	}

	rows, err := m.store.GetLatestScrollback(sessionID, count)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Content)
	}
	return out, nil
}

// GetRange returns up to count lines numbered fromLine and up.
func (m *Manager) GetRange(sessionID string, fromLine int64, count int) ([]scrollback.Line, error) {
	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		return v.buffer.GetRange(fromLine, count)
	}

	rows, err := m.store.GetScrollback(sessionID, fromLine, count)
	if err != nil {
		return nil, err
	}
	out := make([]scrollback.Line, 0, len(rows))
	for _, r := range rows {
		out = append(out, scrollback.Line{Number: r.LineNumber, Content: r.Content, Timestamp: r.Timestamp})
	}
	return out, nil
}

// TotalLines returns the retained scrollback length.
func (m *Manager) TotalLines(sessionID string) (int64, error) {
	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		return v.buffer.TotalLines(), nil
	}
	return m.store.GetScrollbackLineCount(sessionID)
}

// Tail returns the last count retained lines with their numbers, plus
// the total retained line count.
func (m *Manager) Tail(sessionID string, count int) ([]scrollback.Line, int64, error) {
	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		total := v.buffer.TotalLines()
		from := v.buffer.NextLineNumber() - int64(count)
		if from < 0 {
			from = 0
		}
		lines, err := v.buffer.GetRange(from, count)
		return lines, total, err
	}

	total, err := m.store.GetScrollbackLineCount(sessionID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := m.store.GetLatestScrollback(sessionID, count)
	if err != nil {
		return nil, 0, err
	}
	lines := make([]scrollback.Line, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, scrollback.Line{Number: r.LineNumber, Content: r.Content, Timestamp: r.Timestamp})
	}
	return lines, total, nil
}

// Export returns the full retained scrollback of a session, flushing
// the live buffer first so nothing is left in memory only.
func (m *Manager) Export(sessionID string) ([]string, error) {
	if _, err := m.store.GetSession(sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	v, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		if err := v.buffer.Flush(); err != nil {
			return nil, fmt.Errorf("flush before export: %w", err)
		}
	}

	count, err := m.store.GetScrollbackLineCount(sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := m.store.GetLatestScrollback(sessionID, int(count))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Content)
	}
	return out, nil
}

// Shutdown stops the cleanup job, kills all processes and flushes
// every live buffer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Stop()
	}
	m.procs.Shutdown()

	m.mu.Lock()
	views := make(map[string]*view, len(m.active))
	for id, v := range m.active {
		views[id] = v
	}
	m.mu.Unlock()

	for id, v := range views {
		if err := v.buffer.Flush(); err != nil {
			m.log.Error("flush on shutdown failed", "session", id, "error", err)
		}
	}
	m.log.Info("session manager stopped")
}
