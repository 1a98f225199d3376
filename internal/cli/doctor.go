package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mconnect/mconnect/internal/daemonize"
	"github.com/mconnect/mconnect/internal/ipc"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the local installation",
	RunE:  runDoctor,
}

type check struct {
	name string
	run  func() (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	checks := []check{
		{"data directory", func() (string, error) {
			probe := filepath.Join(cfg.Home, ".doctor-probe")
			if err := os.WriteFile(probe, nil, 0o600); err != nil {
				return "", fmt.Errorf("%s not writable: %w", cfg.Home, err)
			}
			os.Remove(probe)
			return cfg.Home, nil
		}},
		{"shell", func() (string, error) {
			if _, err := exec.LookPath(cfg.Shell); err != nil {
				return "", fmt.Errorf("%s not found", cfg.Shell)
			}
			return cfg.Shell, nil
		}},
		{"daemon", func() (string, error) {
			pid, err := daemonize.NewPIDFile(cfg.PIDFilePath()).Alive()
			if err != nil {
				return "not running", nil
			}
			return fmt.Sprintf("running (PID %d)", pid), nil
		}},
		{"ipc socket", func() (string, error) {
			info, err := os.Stat(cfg.IPCPath)
			if err != nil {
				if os.IsNotExist(err) {
					return "absent (daemon not running)", nil
				}
				return "", err
			}
			if perm := info.Mode().Perm(); perm != 0o600 {
				return "", fmt.Errorf("%s has mode %o, want 600", cfg.IPCPath, perm)
			}
			if !ipc.NewClient(cfg.IPCPath).Ping() {
				return "", fmt.Errorf("%s exists but is not answering", cfg.IPCPath)
			}
			return cfg.IPCPath, nil
		}},
		{"database", func() (string, error) {
			info, err := os.Stat(cfg.DatabasePath())
			if err != nil {
				if os.IsNotExist(err) {
					return "absent (created on first start)", nil
				}
				return "", err
			}
			return fmt.Sprintf("%s (%d KiB)", cfg.DatabasePath(), info.Size()/1024), nil
		}},
	}

	failed := 0
	for _, c := range checks {
		detail, err := c.run()
		if err != nil {
			failed++
			fmt.Printf("%s %-15s %v\n", color.RedString("✗"), c.name, err)
			continue
		}
		fmt.Printf("%s %-15s %s\n", color.GreenString("✓"), c.name, detail)
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
