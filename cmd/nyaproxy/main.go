// Command nyaproxy is the CLI entry point: serve runs the proxy,
// version prints build metadata, and hash-token hashes an admin bearer
// secret for storage, grounded on the teacher's cmd/pulse cobra command
// tree (rootCmd with Run defaulting to serve, AddCommand per verb).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "nyaproxy",
	Short:   "nyaproxy multiplexes client traffic across a pool of upstream API credentials",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nyaproxy %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
