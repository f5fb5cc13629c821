// Espctl-server is a control server for ESP microcontrollers.
//
// Devices connect over plain TCP, announce a one-byte identifier and the
// commands they understand, and then execute commands queued by an operator
// through the HTTP/WebSocket API or the interactive console.
//
// Usage:
//
//	espctl-server server [flags]
//
// See 'espctl-server server --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/espctl/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "espctl-server",
	Short: "ESP device control server",
	Long: `A TCP control server for ESP microcontrollers.

Each device connects, sends its identifier and command table, and then
executes commands an operator queues for it. Responses to read commands are
stored per device until the operator collects them.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("espctl-server %s\n", version.Full())
	},
}
