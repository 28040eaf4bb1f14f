package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the grit version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("grit %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
