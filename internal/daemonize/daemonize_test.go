package daemonize

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "state", "daemon.pid"))

	if _, err := p.Read(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("read of missing file err = %v, want ErrNotRunning", err)
	}
	if err := p.Write(12345); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := p.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 12345 {
		t.Errorf("pid = %d, want 12345", pid)
	}
	if err := p.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.Remove(); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestAliveOwnProcess(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "daemon.pid"))
	if err := p.Write(os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}

	pid, err := p.Alive()
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAliveCleansStaleFile(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "daemon.pid"))

	// A short-lived child gives us a PID that is certainly dead.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	deadPID := cmd.Process.Pid
	cmd.Wait()

	if err := p.Write(deadPID); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := p.Alive(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("alive err = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Error("stale pid file not removed")
	}
}

func TestMalformedPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPIDFile(path).Read(); err == nil {
		t.Error("malformed pid file read succeeded")
	}
}

func TestStopDeadProcess(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "daemon.pid"))

	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	deadPID := cmd.Process.Pid
	cmd.Wait()

	if err := p.Write(deadPID); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Stop(false, time.Second); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop err = %v, want ErrNotRunning", err)
	}
}

func TestStopGraceful(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "daemon.pid"))

	// sleep exits on SIGTERM, standing in for a cooperative daemon.
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	go cmd.Wait()

	if err := p.Write(cmd.Process.Pid); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Stop(false, 5*time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(p.Path()); !os.IsNotExist(err) {
		t.Error("pid file not removed after stop")
	}
}

func TestWaitUntilReady(t *testing.T) {
	calls := 0
	err := WaitUntilReady(2*time.Second, func() bool {
		calls++
		return calls >= 3
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := WaitUntilReady(300*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("wait succeeded despite never-ready condition")
	}
}

func TestIsChild(t *testing.T) {
	t.Setenv(childEnv, "")
	if IsChild() {
		t.Error("IsChild true without marker")
	}
	t.Setenv(childEnv, "1")
	if !IsChild() {
		t.Error("IsChild false with marker set")
	}
}
