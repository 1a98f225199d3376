package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mconnect/mconnect/internal/daemonize"
	"github.com/mconnect/mconnect/internal/ipc"
	"github.com/mconnect/mconnect/internal/logging"
)

var (
	startForeground bool
	startPort       int
	startIPCPath    string
	stopForce       bool
	stopTimeoutMs   int
	statusJSON      bool
	logsFollow      bool
	logsLines       int
	installNoStart  bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runDaemonStop(cmd, args); err != nil {
			return err
		}
		return runDaemonStart(cmd, args)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show daemon logs",
	RunE:  runDaemonLogs,
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a systemd user service for the daemon",
	RunE:  runDaemonInstall,
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the systemd user service",
	RunE:  runDaemonUninstall,
}

func init() {
	daemonStartCmd.Flags().BoolVarP(&startForeground, "foreground", "f", false, "Run in the foreground instead of daemonizing")
	daemonStartCmd.Flags().IntVar(&startPort, "port", 0, "WebSocket port (overrides MCONNECT_PORT)")
	daemonStartCmd.Flags().StringVar(&startIPCPath, "ipc-path", "", "IPC socket path (overrides MCONNECT_IPC_PATH)")
	daemonStopCmd.Flags().BoolVar(&stopForce, "force", false, "SIGKILL instead of graceful shutdown")
	daemonStopCmd.Flags().IntVar(&stopTimeoutMs, "timeout", 5000, "Milliseconds to wait for graceful exit")
	daemonInstallCmd.Flags().BoolVar(&installNoStart, "no-start", false, "Install the service without starting the daemon")
	daemonStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit status as JSON")
	daemonLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow new log entries")
	daemonLogsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonRestartCmd,
		daemonStatusCmd, daemonLogsCmd, daemonInstallCmd, daemonUninstallCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	// Flag overrides flow through the environment so the re-executed
	// child resolves the same settings.
	if startPort > 0 {
		os.Setenv("MCONNECT_PORT", fmt.Sprintf("%d", startPort))
	}
	if startIPCPath != "" {
		os.Setenv("MCONNECT_IPC_PATH", startIPCPath)
	}
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	if startForeground || daemonize.IsChild() {
		return runServer(cfg, startForeground)
	}

	pid := daemonize.NewPIDFile(cfg.PIDFilePath())
	if existing, err := pid.Alive(); err == nil {
		return fmt.Errorf("daemon already running (PID %d)", existing)
	}

	childPID, err := daemonize.Spawn([]string{"daemon", "start"}, cfg.LogFilePath())
	if err != nil {
		return err
	}
	client := ipc.NewClient(cfg.IPCPath)
	if err := daemonize.WaitUntilReady(10*time.Second, client.Ping); err != nil {
		return fmt.Errorf("daemon (PID %d) started but is not answering: %w", childPID, err)
	}
	fmt.Printf("Daemon started (PID %d), listening on port %d\n", childPID, cfg.Port)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	pid := daemonize.NewPIDFile(cfg.PIDFilePath())
	grace := time.Duration(stopTimeoutMs) * time.Millisecond
	if grace <= 0 {
		grace = shutdownGrace
	}
	if err := pid.Stop(stopForce, grace); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := daemonClient(cfg)
	if err != nil {
		if statusJSON {
			json.NewEncoder(os.Stdout).Encode(map[string]bool{"running": false})
			return nil
		}
		return err
	}
	resp, err := client.Do(ipc.Request{Action: ipc.ActionStatus})
	if err != nil {
		return err
	}

	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(resp.Status)
	}
	s := resp.Status
	fmt.Printf("%s daemon running\n", color.GreenString("●"))
	fmt.Printf("  PID:       %d\n", s.PID)
	fmt.Printf("  Uptime:    %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())
	fmt.Printf("  Port:      %d\n", s.Port)
	fmt.Printf("  IPC:       %s\n", s.IPCPath)
	fmt.Printf("  Sessions:  %d running, %d total\n", s.RunningSessions, s.TotalSessions)
	fmt.Printf("  Clients:   %d\n", s.Clients)
	fmt.Printf("  Memory:    %.1f MiB (%.1f%%)\n", float64(s.MemoryRSSBytes)/(1<<20), s.MemoryPercent)
	return nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	path := cfg.LogFilePath()

	lines, err := logging.ReadTail(path, logsLines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !logsFollow {
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	fmt.Fprintf(os.Stderr, "Following %s (Ctrl+C to stop)\n", path)
	return logging.Follow(ctx, path, os.Stdout)
}

const serviceUnit = `[Unit]
Description=mconnect terminal session daemon
After=network.target

[Service]
ExecStart=%s daemon start --foreground
Restart=on-failure
Environment=MCONNECT_HOME=%s

[Install]
WantedBy=default.target
`

func servicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", "mconnect.service"), nil
}

func runDaemonInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	unit, err := servicePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unit), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf(serviceUnit, executable, cfg.Home)
	if err := os.WriteFile(unit, []byte(content), 0o644); err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", unit)
	fmt.Println("Enable with: systemctl --user enable --now mconnect")
	if installNoStart {
		return nil
	}
	if _, err := daemonize.NewPIDFile(cfg.PIDFilePath()).Alive(); err == nil {
		return nil // already running
	}
	return runDaemonStart(cmd, args)
}

func runDaemonUninstall(cmd *cobra.Command, args []string) error {
	unit, err := servicePath()
	if err != nil {
		return err
	}
	if err := os.Remove(unit); err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No service installed")
			return nil
		}
		return err
	}
	fmt.Printf("Removed %s\n", unit)
	fmt.Println("Reload with: systemctl --user daemon-reload")
	return nil
}
