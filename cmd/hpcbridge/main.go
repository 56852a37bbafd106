// hpcbridge runs guest programs behind a host procedure call bridge.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hpcbridge",
	Short: "hpcbridge — host procedure calls for sandboxed guests.",
	Long: `hpcbridge runs an untrusted guest program in a process sandbox and services
its host procedure calls (random bytes, proxied HTTPS) over a pipe, socket or
file channel. The same binary carries the example guest programs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, callCmd, adventureCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
