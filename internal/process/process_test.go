package process

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type outputCollector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *outputCollector) collect(sessionID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
}

func (c *outputCollector) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Contains(c.buf.Bytes(), []byte(s))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSpawnWriteOutput(t *testing.T) {
	var out outputCollector
	exited := make(chan string, 1)
	m := NewManager("/bin/sh", out.collect, func(id string, err error) {
		exited <- id
	}, testLogger())

	if err := m.Spawn("s1", SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !m.Running("s1") {
		t.Error("session should be running after spawn")
	}
	if pid, err := m.Pid("s1"); err != nil || pid <= 0 {
		t.Errorf("pid = %d, %v", pid, err)
	}

	if err := m.Write("s1", []byte("echo mconnect-test\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return out.contains("mconnect-test") })

	if err := m.Write("s1", []byte("exit\n")); err != nil {
		t.Fatalf("write exit: %v", err)
	}
	select {
	case id := <-exited:
		if id != "s1" {
			t.Errorf("exit callback for %q, want s1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never fired")
	}
	if m.Running("s1") {
		t.Error("session still running after exit")
	}
}

func TestSpawnRejectsDuplicate(t *testing.T) {
	m := NewManager("/bin/sh", nil, nil, testLogger())
	if err := m.Spawn("s1", SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer m.Kill("s1")

	if err := m.Spawn("s1", SpawnOptions{}); err == nil {
		t.Error("second spawn for the same session should fail")
	}
}

func TestConcurrentSpawnSameSession(t *testing.T) {
	m := NewManager("/bin/sh", nil, nil, testLogger())
	defer m.Shutdown()

	const attempts = 8
	errs := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		go func() {
			start.Wait()
			errs <- m.Spawn("s1", SpawnOptions{})
		}()
	}
	start.Done()

	var ok int
	for i := 0; i < attempts; i++ {
		if err := <-errs; err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful spawns = %d, want exactly 1", ok)
	}
}

func TestSpawnFailureFreesSlot(t *testing.T) {
	m := NewManager("/bin/sh", nil, nil, testLogger())
	if err := m.Spawn("s1", SpawnOptions{Shell: "/nonexistent/shell"}); err == nil {
		t.Fatal("spawn of missing shell succeeded")
	}
	if m.Running("s1") {
		t.Error("failed spawn left the session registered")
	}

	// The slot is reusable after the failure.
	if err := m.Spawn("s1", SpawnOptions{}); err != nil {
		t.Fatalf("respawn: %v", err)
	}
	m.Kill("s1")
}

func TestWriteWithoutProcess(t *testing.T) {
	m := NewManager("/bin/sh", nil, nil, testLogger())
	if err := m.Write("ghost", []byte("x")); err != ErrNoProcess {
		t.Errorf("err = %v, want ErrNoProcess", err)
	}
	if err := m.Resize("ghost", 120, 40); err != ErrNoProcess {
		t.Errorf("resize err = %v, want ErrNoProcess", err)
	}
	if m.Running("ghost") {
		t.Error("ghost session reported running")
	}
}

func TestSessionEnvironment(t *testing.T) {
	var out outputCollector
	m := NewManager("/bin/sh", out.collect, nil, testLogger())
	if err := m.Spawn("env-test", SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer m.Kill("env-test")

	m.Write("env-test", []byte("echo session=$MCONNECT_SESSION\n"))
	waitFor(t, 5*time.Second, func() bool { return out.contains("session=env-test") })
}

func TestResize(t *testing.T) {
	m := NewManager("/bin/sh", nil, nil, testLogger())
	if err := m.Spawn("s1", SpawnOptions{Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer m.Kill("s1")

	if err := m.Resize("s1", 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
}

func TestKillTerminates(t *testing.T) {
	exited := make(chan struct{})
	m := NewManager("/bin/sh", nil, func(string, error) { close(exited) }, testLogger())
	if err := m.Spawn("s1", SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := m.Kill("s1"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback not fired after kill")
	}
	if m.Running("s1") {
		t.Error("session still running after kill")
	}
	if err := m.Kill("s1"); err != ErrNoProcess {
		t.Errorf("second kill err = %v, want ErrNoProcess", err)
	}
}

func TestShutdownKillsAll(t *testing.T) {
	m := NewManager("/bin/sh", nil, nil, testLogger())
	for _, id := range []string{"a", "b", "c"} {
		if err := m.Spawn(id, SpawnOptions{}); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
	}

	m.Shutdown()

	for _, id := range []string{"a", "b", "c"} {
		if m.Running(id) {
			t.Errorf("session %s still running after shutdown", id)
		}
	}
}
