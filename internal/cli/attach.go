package cli

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/mconnect/mconnect/internal/ipc"
)

// detachKey is Ctrl-], the escape that ends a local attach.
const detachKey = 0x1d

var sessionAttachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach this terminal to a session",
	Long: `Attach the current terminal to a running session. Keystrokes go to
the session's PTY and its output is mirrored here. Detach with Ctrl-]
without stopping the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionAttach,
}

func runSessionAttach(cmd *cobra.Command, args []string) error {
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

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return fmt.Errorf("attach requires an interactive terminal")
	}

	att, err := client.Attach(id, "pc")
	if err != nil {
		return err
	}
	defer att.Detach()

	oldState, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(stdin, oldState)

	// Size the PTY to this terminal, and track it across resizes.
	sendSize := func() {
		if cols, rows, err := term.GetSize(stdin); err == nil {
			att.Resize(uint16(cols), uint16(rows))
		}
	}
	sendSize()
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendSize()
		}
	}()

	fmt.Printf("Attached to %s. Detach with Ctrl-].\r\n", shortID(id))

	// Reader: stdin -> daemon, until the detach key.
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						att.SendInput(chunk[:i])
					}
					return
				}
				if err := att.SendInput(chunk); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-inputDone:
			fmt.Printf("\r\nDetached from %s\r\n", shortID(id))
			return nil
		case frame, ok := <-att.Frames():
			if !ok {
				term.Restore(stdin, oldState)
				if err := att.Err(); err != nil {
					return fmt.Errorf("connection lost: %w", err)
				}
				fmt.Printf("\r\nSession %s ended\r\n", shortID(id))
				return nil
			}
			switch frame.Type {
			case ipc.StreamOutput:
				os.Stdout.WriteString(frame.Data)
			case ipc.StreamRejected:
				fmt.Fprintf(os.Stderr, "\r\n%s input rejected: %s\r\n",
					color.YellowString("!"), frame.Reason)
			}
		}
	}
}
