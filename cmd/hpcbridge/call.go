package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hpcbridge/internal/config"
)

var (
	callConfigPath string
	callFile       string
	callDebug      bool
)

var callCmd = &cobra.Command{
	Use:   "call [request-json]",
	Short: "Dispatch one hpc request on the host and print the response",
	Long: `call dispatches a single request through the host router.

With --file it services a file-transport channel: the request the guest wrote
to the file is replaced by the response, which the guest then reads back.
Otherwise the request is taken from the argument or from stdin and the
response is printed to stdout.`,
	Example: `  hpcbridge call '{"rng":{"n":4}}'
  hpcbridge call --file ./hpc`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	callCmd.Flags().StringVar(&callFile, "file", "", "service the request stored in this file in place")
	callCmd.Flags().BoolVar(&callDebug, "debug", false, "enable debug logging")
}

func runCall(_ *cobra.Command, args []string) error {
	logger := newLogger(callDebug)

	cfg, err := loadConfig(callConfigPath)
	if err != nil {
		return err
	}
	host, err := initHost(cfg, logger)
	if err != nil {
		return err
	}
	defer host.Cleanup()

	ctx := context.Background()
	if callFile != "" {
		if len(args) > 0 {
			return fmt.Errorf("--file and a request argument are mutually exclusive")
		}
		if err := host.Router.ServeFile(ctx, callFile); err != nil {
			return err
		}
		logger.Debug("file request serviced", slog.String("path", callFile))
		return nil
	}

	var raw []byte
	if len(args) == 1 {
		raw = []byte(args[0])
	} else {
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading request from stdin: %w", err)
		}
	}
	if strings.TrimSpace(string(raw)) == "" {
		return fmt.Errorf("empty request")
	}

	out := host.Router.Dispatch(ctx, raw)
	fmt.Println(string(out))
	return nil
}
