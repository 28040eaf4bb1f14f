package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/ipc"
)

var (
	exportFormat string
	exportSince  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export issues and events as JSON or Markdown",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpExport, ipc.ExportArgs{
			Format: exportFormat,
			Since:  exportSince,
		})
		if err != nil {
			return err
		}
		if exportFormat == "markdown" && !flagJSON {
			// The payload is a JSON-encoded string; unwrap it.
			var md string
			if err := json.Unmarshal(raw, &md); err == nil {
				fmt.Print(md)
				return nil
			}
		}
		printJSON(raw)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format (json|markdown)")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "timestamp, RFC 3339 time, or event id")
	rootCmd.AddCommand(exportCmd)
}
