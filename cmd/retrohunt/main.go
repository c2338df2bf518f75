// Command retrohunt serves the retrohunt job API and maintains its hit index.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "retrohunt",
	Short: "Retrohunt job API",
	Long: `Retrohunt starts YARA searches on a remote retrohunt service, keeps the
local job records in step with it and serves the jobs, their hits and their
errors over HTTP.

Configuration is read from RETROHUNT_* environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
