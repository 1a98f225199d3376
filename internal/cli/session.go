package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mconnect/mconnect/internal/ipc"
)

var (
	listAll      bool
	createDir    string
	createConfig string
	exportOut    string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage terminal sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its pairing code",
	RunE:  runSessionCreate,
}

var sessionKillCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionKill,
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session's full scrollback",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionExport,
}

func init() {
	sessionListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include completed sessions")
	sessionCreateCmd.Flags().StringVarP(&createDir, "dir", "d", "", "Working directory for the session (default: current)")
	sessionCreateCmd.Flags().StringVar(&createConfig, "agent-config", "", "Agent configuration JSON passed to the session")
	sessionExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Write to file instead of stdout")
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionKillCmd,
		sessionExportCmd, sessionAttachCmd)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := daemonClient(cfg)
	if err != nil {
		return err
	}
	resp, err := client.Do(ipc.Request{Action: ipc.ActionSessionList, IncludeCompleted: listAll})
	if err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "State", "Directory", "Created", "Last Activity"})
	table.SetBorder(false)
	for _, s := range resp.Sessions {
		table.Append([]string{
			shortID(s.ID),
			s.State,
			s.WorkingDirectory,
			s.CreatedAt.Local().Format(time.DateTime),
			s.LastActivity.Local().Format(time.DateTime),
		})
	}
	table.Render()
	return nil
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := daemonClient(cfg)
	if err != nil {
		return err
	}
	wd := createDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	resp, err := client.Do(ipc.Request{
		Action:           ipc.ActionSessionCreate,
		WorkingDirectory: wd,
		AgentConfig:      createConfig,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Session %s created\n", resp.ID)
	if resp.PairCode != "" {
		fmt.Printf("Pairing code: %s (valid 5 minutes, single use)\n", color.CyanString(resp.PairCode))
	}
	fmt.Printf("Attach locally with: mconnect session attach %s\n", shortID(resp.ID))
	return nil
}

func runSessionKill(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := daemonClient(cfg)
	if err != nil {
		return err
	}
	id, err := resolveSessionID(client, args[0])
	if err != nil {
		return err
	}
	if _, err := client.Do(ipc.Request{Action: ipc.ActionSessionKill, SessionID: id}); err != nil {
		return err
	}
	fmt.Printf("Session %s terminated\n", shortID(id))
	return nil
}

func runSessionExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	client, err := daemonClient(cfg)
	if err != nil {
		return err
	}
	id, err := resolveSessionID(client, args[0])
	if err != nil {
		return err
	}
	resp, err := client.Do(ipc.Request{Action: ipc.ActionSessionExport, SessionID: id})
	if err != nil {
		return err
	}

	content := strings.Join(resp.Lines, "\n")
	if len(resp.Lines) > 0 {
		content += "\n"
	}
	if exportOut == "" {
		fmt.Print(content)
		return nil
	}
	if err := os.WriteFile(exportOut, []byte(content), 0o600); err != nil {
		return err
	}
	fmt.Printf("Exported %d lines to %s\n", len(resp.Lines), exportOut)
	return nil
}

// resolveSessionID expands a unique ID prefix to the full session ID.
func resolveSessionID(client *ipc.Client, arg string) (string, error) {
	resp, err := client.Do(ipc.Request{Action: ipc.ActionSessionList, IncludeCompleted: true})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range resp.Sessions {
		if s.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no session matches %q", arg)
	default:
		return "", fmt.Errorf("%q is ambiguous (%d sessions match)", arg, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
