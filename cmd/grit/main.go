package main

import (
	"fmt"
	"os"

	"github.com/neul-labs/grit/internal/errs"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
}
