// Package daemonize backgrounds the server process: it re-executes the
// binary in a new session, tracks it through a PID file, and signals it
// for shutdown.
package daemonize

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// childEnv marks the re-executed process so it runs the server loop
// instead of forking again.
const childEnv = "MCONNECT_DAEMON"

// ErrNotRunning is returned when no daemon can be found via the PID file.
var ErrNotRunning = errors.New("daemon not running")

// IsChild reports whether this process is the backgrounded server.
func IsChild() bool {
	return os.Getenv(childEnv) == "1"
}

// Spawn re-executes the current binary detached from the terminal, with
// stdout/stderr redirected to logPath. Returns the child PID.
func Spawn(args []string, logPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	// The child outlives us; release instead of waiting.
	cmd.Process.Release()
	return cmd.Process.Pid, nil
}

// PIDFile records the daemon's PID on disk.
type PIDFile struct {
	path string
}

// NewPIDFile points at path without touching it.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the backing file path.
func (p *PIDFile) Path() string { return p.path }

// Write records the given PID. The write is atomic so a concurrent
// reader never sees a partial file.
func (p *PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit pid file: %w", err)
	}
	return nil
}

// Read returns the recorded PID, or ErrNotRunning when the file is
// absent.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %q", p.path, data)
	}
	return pid, nil
}

// Remove deletes the PID file. Missing files are not an error.
func (p *PIDFile) Remove() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive returns the live daemon's PID, cleaning up a stale file left by
// a crashed process. ErrNotRunning covers both absent and stale files.
func (p *PIDFile) Alive() (int, error) {
	pid, err := p.Read()
	if err != nil {
		return 0, err
	}
	if !processAlive(pid) {
		p.Remove()
		return 0, ErrNotRunning
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop signals the daemon. Graceful sends SIGTERM and waits up to grace
// for the process to exit; force sends SIGKILL immediately.
func (p *PIDFile) Stop(force bool, grace time.Duration) error {
	pid, err := p.Alive()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	if force {
		if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill daemon: %w", err)
		}
		p.Remove()
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			p.Remove()
			return nil
		}
		return fmt.Errorf("signal daemon: %w", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			p.Remove()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (PID %d) did not exit within %s", pid, grace)
}

// WaitUntilReady polls for a condition, typically the IPC socket
// answering, after spawning the daemon.
func WaitUntilReady(timeout time.Duration, ready func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ready() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("daemon did not become ready in time")
}
