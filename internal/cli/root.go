// Package cli implements the mconnect command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mconnect/mconnect/internal/config"
	"github.com/mconnect/mconnect/internal/ipc"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "mconnect",
	Short: "Remote terminal session daemon",
	Long: `mconnect runs interactive terminal sessions in a background daemon
and multiplexes them to paired remote clients over WebSocket, so a
session survives the terminal that started it and stays reachable
from other devices.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.AddCommand(daemonCmd, sessionCmd, doctorCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		return 1
	}
	return 0
}

func loadSettings() (*config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func daemonClient(cfg *config.Settings) (*ipc.Client, error) {
	c := ipc.NewClient(cfg.IPCPath)
	if !c.Ping() {
		return nil, fmt.Errorf("daemon is not running (start it with 'mconnect daemon start')")
	}
	return c, nil
}
