package commands

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/marmos91/veil/internal/cli/output"
	"github.com/marmos91/veil/pkg/accounting"
	"github.com/marmos91/veil/pkg/api"
	"github.com/marmos91/veil/pkg/apiclient"
	"github.com/spf13/cobra"
)

var (
	usageOutput  string
	usageAPIPort int
)

var usageCmd = &cobra.Command{
	Use:   "usage [client-ip]",
	Short: "Show per-client traffic totals",
	Long: `Display the traffic totals recorded per client IP.

Requires accounting.enabled and api.enabled in the server configuration.
Totals are updated when a session closes.

Examples:
  # All clients
  veil usage

  # One client as JSON
  veil usage 203.0.113.7 -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().IntVar(&usageAPIPort, "api-port", api.DefaultPort, "Status API port")
	usageCmd.Flags().StringVarP(&usageOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// UsageList renders accounting records as a table.
type UsageList []accounting.Record

func (l UsageList) Headers() []string {
	return []string{"CLIENT", "UP", "DOWN", "SESSIONS", "STREAMS", "LAST SEEN"}
}

func (l UsageList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{
			r.Key,
			output.FormatBytes(r.BytesUp),
			output.FormatBytes(r.BytesDown),
			strconv.FormatUint(r.Sessions, 10),
			strconv.FormatUint(r.Streams, 10),
			r.LastSeen.Local().Format(time.DateTime),
		})
	}
	return rows
}

func runUsage(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(usageOutput)
	if err != nil {
		return err
	}
	client := apiclient.New(fmt.Sprintf("http://127.0.0.1:%d", usageAPIPort))

	var records UsageList
	if len(args) == 1 {
		rec, err := client.GetAccounting(cmd.Context(), args[0])
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("no usage recorded for %s", args[0])
		}
		if err != nil {
			return err
		}
		records = UsageList{*rec}
	} else {
		list, err := client.ListAccounting(cmd.Context())
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("accounting is disabled on this server")
		}
		if err != nil {
			return err
		}
		records = list
	}

	printer := output.NewPrinter(os.Stdout, format, true)
	if format != output.FormatTable {
		return printer.Print(records)
	}
	if len(records) == 0 {
		printer.Printf("No usage recorded yet.\n")
		return nil
	}
	return output.PrintTable(os.Stdout, records)
}
