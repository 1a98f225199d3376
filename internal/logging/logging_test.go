package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRotationShiftsArchives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	w, err := NewRotatingWriter(path, 100, 3)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	chunk := strings.Repeat("x", 60) + "\n"
	for i := 0; i < 6; i++ {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// 61 bytes per write against a 100-byte cap rotates on every write
	// after the first, so the live file holds exactly one chunk.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat live log: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("live log size = %d, want %d", info.Size(), len(chunk))
	}
	for i := 1; i <= 3; i++ {
		if _, err := os.Stat(fmt.Sprintf("%s.%d", path, i)); err != nil {
			t.Errorf("archive .%d missing: %v", i, err)
		}
	}
	if _, err := os.Stat(path + ".4"); !os.IsNotExist(err) {
		t.Error("archive beyond keep limit exists")
	}
}

func TestRotationPreservesRecentContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	w, err := NewRotatingWriter(path, 50, 2)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		fmt.Fprintf(w, "entry-%d %s\n", i, strings.Repeat(".", 30))
	}

	live, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read live log: %v", err)
	}
	if !strings.Contains(string(live), "entry-4") {
		t.Errorf("live log missing newest entry, got %q", live)
	}
	prev, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if !strings.Contains(string(prev), "entry-3") {
		t.Errorf("archive missing previous entry, got %q", prev)
	}
}

func TestFileLoggerWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	log, err := New(Options{Level: slog.LevelInfo, File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Info("session started", "session", "abc123")
	log.Debug("suppressed")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"msg":"session started"`) || !strings.Contains(got, `"session":"abc123"`) {
		t.Errorf("log output = %q", got)
	}
	if strings.Contains(got, "suppressed") {
		t.Error("debug entry written at info level")
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	var content strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&content, "line-%d\n", i)
	}
	if err := os.WriteFile(path, []byte(content.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	lines, err := ReadTail(path, 3)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	want := []string{"line-7", "line-8", "line-9"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}

	missing, err := ReadTail(filepath.Join(t.TempDir(), "none.log"), 3)
	if err != nil || missing != nil {
		t.Errorf("missing file tail = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestFollowStreamsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	if err := os.WriteFile(path, []byte("old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu syncBuffer
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, path, &mu) }()

	// Give the watcher time to arm before appending.
	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("fresh-line\n")
	f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(mu.String(), "fresh-line") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	got := mu.String()
	if !strings.Contains(got, "fresh-line") {
		t.Fatalf("followed output = %q, want fresh-line", got)
	}
	if strings.Contains(got, "old") {
		t.Error("follow replayed pre-existing content")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// syncBuffer is a bytes.Buffer safe for the Follow goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
