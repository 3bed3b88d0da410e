// Command offlined runs the offline layer as a local forward proxy in front
// of one upstream application.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "offlined",
	Short: "Offline cache and request queue proxy",
	Long: `offlined sits between a client and its upstream application.

Static resources are served cache-first, API reads network-first with a
cached fallback, and mutations that cannot reach the upstream are queued
durably and replayed when connectivity returns.

Configuration is read from flags, OFFLINE_* environment variables and an
optional config file (offlined.yaml in the working directory).`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)

	registerFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
