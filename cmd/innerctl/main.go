package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "innerctl",
		Short: "Inner control-protocol client",
		Long: `innerctl keeps a control connection to a directing server open,
answers its identity and telemetry calls, and measures bandwidth on request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "innerctl: %v\n", err)
		os.Exit(1)
	}
}
