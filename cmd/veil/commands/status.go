package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/marmos91/veil/internal/cli/output"
	"github.com/marmos91/veil/pkg/api"
	"github.com/marmos91/veil/pkg/apiclient"
	"github.com/marmos91/veil/pkg/session"
	"github.com/spf13/cobra"
)

var (
	statusOutput  string
	statusPidFile string
	statusAPIPort int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the status of a running veil server and its sessions.

The command reads the local status API (api.enabled in the configuration)
and falls back to the PID file when the API is unreachable.

Examples:
  # Check status (uses default settings)
  veil status

  # Check status with custom API port
  veil status --api-port 9191

  # Output as JSON
  veil status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/veil/veil.pid)")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", api.DefaultPort, "Status API port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus is what veil status reports.
type ServerStatus struct {
	Running   bool           `json:"running" yaml:"running"`
	PID       int            `json:"pid,omitempty" yaml:"pid,omitempty"`
	Ready     bool           `json:"ready" yaml:"ready"`
	Message   string         `json:"message" yaml:"message"`
	Version   string         `json:"version,omitempty" yaml:"version,omitempty"`
	StartedAt time.Time      `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	Uptime    string         `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	Sessions  []session.Info `json:"sessions" yaml:"sessions"`
}

// Headers and Rows render the session list.
func (s ServerStatus) Headers() []string {
	return []string{"SESSION", "PEER", "ALPN", "STATE", "STREAMS", "UP", "DOWN", "AGE"}
}

func (s ServerStatus) Rows() [][]string {
	rows := make([][]string, 0, len(s.Sessions))
	for _, si := range s.Sessions {
		rows = append(rows, []string{
			shortID(si.ID),
			si.Peer,
			si.ALPN,
			si.State,
			strconv.Itoa(len(si.Streams)),
			output.FormatBytes(si.BytesUp),
			output.FormatBytes(si.BytesDown),
			output.FormatUptime(time.Since(si.CreatedAt)),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// fetchStatus queries the status API at baseURL.
func fetchStatus(ctx context.Context, baseURL string) (ServerStatus, error) {
	client := apiclient.New(baseURL).WithTimeout(2 * time.Second)
	status := ServerStatus{Sessions: []session.Info{}}

	health, err := client.Health(ctx)
	if err != nil {
		return status, err
	}
	status.Running = true
	status.Ready = health.Ready
	status.Version = health.Version
	status.StartedAt = health.StartedAt
	status.Uptime = health.Uptime
	if status.Ready {
		status.Message = fmt.Sprintf("Server is running with %d session(s)", health.Sessions)
	} else {
		status.Message = "Server is running but the tunnel listener is not ready"
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return status, fmt.Errorf("listing sessions: %w", err)
	}
	if sessions != nil {
		status.Sessions = sessions
	}
	return status, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}
	pid, alive := readPID(pidPath)

	status, err := fetchStatus(cmd.Context(), fmt.Sprintf("http://127.0.0.1:%d", statusAPIPort))
	switch {
	case err == nil:
	case alive:
		status.Running = true
		status.Message = fmt.Sprintf("Server process exists but the status API is unreachable: %v", err)
	default:
		status.Message = "Server is not running"
	}
	if alive {
		status.PID = pid
	}

	printer := output.NewPrinter(os.Stdout, format, true)
	if format != output.FormatTable {
		return printer.Print(status)
	}
	return printStatusTable(printer, status)
}

func printStatusTable(p *output.Printer, status ServerStatus) error {
	p.Printf("\nveil server status\n==================\n\n")
	switch {
	case !status.Running:
		p.Error("  ○ Stopped")
	case status.Ready:
		p.Success("  ● Running")
	default:
		p.Warning("  ● Running (not ready)")
	}

	var pairs [][2]string
	if status.PID != 0 {
		pairs = append(pairs, [2]string{"PID", strconv.Itoa(status.PID)})
	}
	if status.Version != "" {
		pairs = append(pairs, [2]string{"Version", status.Version})
	}
	if !status.StartedAt.IsZero() {
		pairs = append(pairs, [2]string{"Started", status.StartedAt.Local().Format(time.RFC1123)})
		pairs = append(pairs, [2]string{"Uptime", status.Uptime})
	}
	if len(pairs) > 0 {
		if err := output.PrintKeyValue(os.Stdout, pairs); err != nil {
			return err
		}
	}
	p.Printf("\n  %s\n\n", status.Message)

	if len(status.Sessions) > 0 {
		if err := output.PrintTable(os.Stdout, status); err != nil {
			return err
		}
		p.Printf("\n")
	}
	return nil
}
