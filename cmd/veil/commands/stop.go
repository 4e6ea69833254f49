package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	stopPidFile string
	stopForce   bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the veil server",
	Long: `Stop a veil server started in the background.

By default the server receives SIGTERM and closes every session with the
shutdown code before exiting. Use --force to kill it immediately.

Examples:
  # Stop server (uses default PID file)
  veil stop

  # Force stop (SIGKILL)
  veil stop --force`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/veil/veil.pid)")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Force kill (SIGKILL) instead of graceful shutdown (SIGTERM)")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pid, running := readPID(pidPath)
	if pid == 0 {
		return fmt.Errorf("no valid PID file at %s\n\nIs the server running?", pidPath)
	}
	if !running {
		_ = os.Remove(pidPath)
		fmt.Println("Server already stopped")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := signalStop(process, stopForce); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			_ = os.Remove(pidPath)
			fmt.Println("Server already stopped")
			return nil
		}
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	if stopForce {
		fmt.Println("Server terminated")
	} else {
		fmt.Println("Shutdown signal sent. Server will stop gracefully.")
	}
	return nil
}
