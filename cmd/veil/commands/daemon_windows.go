//go:build windows

package commands

import (
	"fmt"
	"os"
)

func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// startDaemon is not supported on Windows.
func startDaemon() error {
	return fmt.Errorf("daemon mode is not supported on Windows, use --foreground")
}

// signalStop kills the process; Windows has no SIGTERM delivery.
func signalStop(process *os.Process, _ bool) error {
	return process.Kill()
}
