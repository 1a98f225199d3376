package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrNoProcess is returned for operations on a session with no live process.
var ErrNoProcess = errors.New("no process for session")

const (
	defaultCols = 80
	defaultRows = 24

	// killGrace is how long a process gets after SIGTERM before SIGKILL.
	killGrace = 5 * time.Second
)

// OutputFunc receives raw PTY output for a session.
type OutputFunc func(sessionID string, data []byte)

// ExitFunc is called once when a session's process exits. err is the
// wait error, nil on a clean exit.
type ExitFunc func(sessionID string, err error)

// SpawnOptions configures a new PTY process.
type SpawnOptions struct {
	Shell      string   // command to run; falls back to the manager default
	WorkingDir string
	Env        []string // appended to the inherited environment
	Cols       uint16
	Rows       uint16
}

// Manager owns at most one PTY process per session.
type Manager struct {
	shell    string
	onOutput OutputFunc
	onExit   ExitFunc
	log      *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	sessionID string
	ptmx      *os.File
	cmd       *exec.Cmd

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewManager creates a manager spawning shell by default.
func NewManager(shell string, onOutput OutputFunc, onExit ExitFunc, log *slog.Logger) *Manager {
	return &Manager{
		shell:    shell,
		onOutput: onOutput,
		onExit:   onExit,
		log:      log,
		procs:    make(map[string]*proc),
	}
}

// Spawn starts a PTY process for sessionID. A session can have at most
// one live process.
func (m *Manager) Spawn(sessionID string, opts SpawnOptions) error {
	shell := opts.Shell
	if shell == "" {
		shell = m.shell
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	// Reserve the slot before starting the PTY so a concurrent Spawn
	// for the same session fails instead of leaking a second process.
	p := &proc{
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	if _, ok := m.procs[sessionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s already has a process", sessionID)
	}
	m.procs[sessionID] = p
	m.mu.Unlock()

	cmd := exec.Command(shell)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"MCONNECT_SESSION="+sessionID,
	)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		m.mu.Lock()
		delete(m.procs, sessionID)
		m.mu.Unlock()
		return fmt.Errorf("start pty: %w", err)
	}

	p.mu.Lock()
	p.ptmx = ptmx
	p.cmd = cmd
	p.mu.Unlock()

	m.log.Info("spawned session process",
		"session", sessionID, "shell", shell, "pid", cmd.Process.Pid)

	go m.readLoop(p)
	return nil
}

// readLoop pumps PTY output to the output callback until the process
// exits, then reaps it and fires the exit callback.
func (m *Manager) readLoop(p *proc) {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && m.onOutput != nil {
			m.onOutput(p.sessionID, buf[:n])
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				m.log.Warn("pty read error", "session", p.sessionID, "error", err)
			}
			break
		}
	}

	waitErr := p.cmd.Wait()
	p.mu.Lock()
	p.closed = true
	p.ptmx.Close()
	p.mu.Unlock()
	close(p.done)

	m.mu.Lock()
	delete(m.procs, p.sessionID)
	m.mu.Unlock()

	m.log.Info("session process exited", "session", p.sessionID, "error", waitErr)
	if m.onExit != nil {
		m.onExit(p.sessionID, waitErr)
	}
}

func (m *Manager) get(sessionID string) (*proc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[sessionID]
	if !ok {
		return nil, ErrNoProcess
	}
	return p, nil
}

// Write sends input bytes to the session's PTY.
func (m *Manager) Write(sessionID string, data []byte) error {
	p, err := m.get(sessionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	ptmx := p.ptmx
	p.mu.Unlock()
	if closed || ptmx == nil {
		return ErrNoProcess
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("write pty: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	p, err := m.get(sessionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ptmx == nil {
		return ErrNoProcess
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Running reports whether the session has a live process.
func (m *Manager) Running(sessionID string) bool {
	_, err := m.get(sessionID)
	return err == nil
}

// Pid returns the process id for the session.
func (m *Manager) Pid(sessionID string) (int, error) {
	p, err := m.get(sessionID)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return 0, ErrNoProcess
	}
	return cmd.Process.Pid, nil
}

// Kill terminates the session's process: SIGTERM first, escalating to
// SIGKILL if it has not exited within the grace period. Blocks until
// the process is reaped.
func (m *Manager) Kill(sessionID string) error {
	p, err := m.get(sessionID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return ErrNoProcess
	}

	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
	}

	m.log.Warn("process ignored SIGTERM, sending SIGKILL", "session", sessionID)
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	<-p.done
	return nil
}

// Shutdown kills every live process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Kill(id)
		}(id)
	}
	wg.Wait()
}
