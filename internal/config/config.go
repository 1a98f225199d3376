package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds every recognized daemon option. Values are read from
// MCONNECT_* environment variables; zero config is a working config.
type Settings struct {
	Home string `envconfig:"HOME" default:""`
	Port int    `envconfig:"PORT" default:"8700"`

	IPCPath string `envconfig:"IPC_PATH" default:""`

	Shell string `envconfig:"SHELL" default:""`

	// Arbitration
	PCIdleThresholdMs   int `envconfig:"PC_IDLE_THRESHOLD_MS" default:"30000"`
	MobileGracePeriodMs int `envconfig:"MOBILE_GRACE_PERIOD_MS" default:"5000"`
	ExclusiveTimeoutMs  int `envconfig:"EXCLUSIVE_TIMEOUT_MS" default:"300000"`
	ConflictWindowMs    int `envconfig:"CONFLICT_WINDOW_MS" default:"100"`
	InputRateLimitCps   int `envconfig:"INPUT_RATE_LIMIT_CPS" default:"100"`

	// Scrollback
	MemoryLines    int `envconfig:"MEMORY_LINES" default:"1000"`
	MaxTotalLines  int `envconfig:"MAX_TOTAL_LINES" default:"10000"`
	SpillBatchSize int `envconfig:"SPILL_BATCH_SIZE" default:"100"`

	// Heartbeats and cleanup
	HeartbeatIntervalMs int `envconfig:"HEARTBEAT_INTERVAL_MS" default:"30000"`
	HeartbeatTimeoutMs  int `envconfig:"HEARTBEAT_TIMEOUT_MS" default:"90000"`
	CleanupAfterHours   int `envconfig:"CLEANUP_AFTER_HOURS" default:"24"`

	MaxConcurrentSessions int `envconfig:"MAX_CONCURRENT_SESSIONS" default:"5"`

	// Whether sessions restored as "running" at startup get their PTY
	// child re-spawned. The DB row is authoritative either way.
	RespawnOnRestore bool `envconfig:"RESPAWN_ON_RESTORE" default:"false"`

	// Connection-level rate limit for new WebSocket upgrades per IP.
	ConnRateLimit    int `envconfig:"CONN_RATE_LIMIT" default:"10"`
	ConnRateWindowMs int `envconfig:"CONN_RATE_WINDOW_MS" default:"60000"`
}

// Load reads settings from the environment and resolves the data
// directory layout.
func Load() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("MCONNECT", &s); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if s.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		s.Home = filepath.Join(home, ".mconnect")
	}
	if s.IPCPath == "" {
		s.IPCPath = filepath.Join(s.Home, "daemon.sock")
	}
	if s.Shell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			s.Shell = sh
		} else {
			s.Shell = "/bin/sh"
		}
	}
	return &s, nil
}

// EnsureDirs creates the data directory layout.
func (s *Settings) EnsureDirs() error {
	for _, dir := range []string{s.Home, s.LogDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Settings) DatabasePath() string { return filepath.Join(s.Home, "sessions.db") }
func (s *Settings) PIDFilePath() string  { return filepath.Join(s.Home, "daemon.pid") }
func (s *Settings) LogDir() string       { return filepath.Join(s.Home, "logs") }
func (s *Settings) LogFilePath() string  { return filepath.Join(s.LogDir(), "daemon.log") }

func (s *Settings) PCIdleThreshold() time.Duration {
	return time.Duration(s.PCIdleThresholdMs) * time.Millisecond
}

func (s *Settings) MobileGracePeriod() time.Duration {
	return time.Duration(s.MobileGracePeriodMs) * time.Millisecond
}

func (s *Settings) ExclusiveTimeout() time.Duration {
	return time.Duration(s.ExclusiveTimeoutMs) * time.Millisecond
}

func (s *Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

func (s *Settings) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutMs) * time.Millisecond
}

func (s *Settings) CleanupAfter() time.Duration {
	return time.Duration(s.CleanupAfterHours) * time.Hour
}

func (s *Settings) ConnRateWindow() time.Duration {
	return time.Duration(s.ConnRateWindowMs) * time.Millisecond
}
