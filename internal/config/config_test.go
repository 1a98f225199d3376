package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCONNECT_HOME", t.TempDir())

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if s.Port != 8700 {
		t.Errorf("Port = %d, want 8700", s.Port)
	}
	if s.PCIdleThresholdMs != 30000 {
		t.Errorf("PCIdleThresholdMs = %d, want 30000", s.PCIdleThresholdMs)
	}
	if s.MemoryLines != 1000 || s.MaxTotalLines != 10000 || s.SpillBatchSize != 100 {
		t.Errorf("scrollback defaults wrong: %d/%d/%d", s.MemoryLines, s.MaxTotalLines, s.SpillBatchSize)
	}
	if s.MaxConcurrentSessions != 5 {
		t.Errorf("MaxConcurrentSessions = %d, want 5", s.MaxConcurrentSessions)
	}
	if s.RespawnOnRestore {
		t.Error("RespawnOnRestore should default to false")
	}
}

func TestLoadPathLayout(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MCONNECT_HOME", home)

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got, want := s.DatabasePath(), filepath.Join(home, "sessions.db"); got != want {
		t.Errorf("DatabasePath = %q, want %q", got, want)
	}
	if got, want := s.PIDFilePath(), filepath.Join(home, "daemon.pid"); got != want {
		t.Errorf("PIDFilePath = %q, want %q", got, want)
	}
	if got, want := s.IPCPath, filepath.Join(home, "daemon.sock"); got != want {
		t.Errorf("IPCPath = %q, want %q", got, want)
	}
	if got, want := s.LogFilePath(), filepath.Join(home, "logs", "daemon.log"); got != want {
		t.Errorf("LogFilePath = %q, want %q", got, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MCONNECT_HOME", t.TempDir())
	t.Setenv("MCONNECT_PORT", "9001")
	t.Setenv("MCONNECT_MAX_TOTAL_LINES", "500")
	t.Setenv("MCONNECT_RESPAWN_ON_RESTORE", "true")

	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Port != 9001 {
		t.Errorf("Port = %d, want 9001", s.Port)
	}
	if s.MaxTotalLines != 500 {
		t.Errorf("MaxTotalLines = %d, want 500", s.MaxTotalLines)
	}
	if !s.RespawnOnRestore {
		t.Error("RespawnOnRestore should be true")
	}
}
