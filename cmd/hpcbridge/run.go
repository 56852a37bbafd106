package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hpcbridge/internal/config"
	"github.com/jkaninda/hpcbridge/internal/sandbox"
)

var (
	runConfigPath string
	runTransport  string
	runTimeout    time.Duration
	runDebug      bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <guest command> [args...]",
	Short: "Run a guest program in the sandbox with the hpc bridge attached",
	Example: `  hpcbridge run -- hpcbridge adventure
  hpcbridge run --transport socket -- ./my-guest --verbose`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGuest,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runTransport, "transport", "", "override the guest channel (pipe or socket)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override the sandbox execution timeout")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "enable debug logging")
}

// exitCodeError carries a guest's nonzero exit code out of the command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("guest exited with code %d", e.code)
}

// runGuest launches the guest, copies its output through, and exits with
// the guest's exit code.
func runGuest(_ *cobra.Command, args []string) error {
	logger := newLogger(runDebug)

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, err := initHost(cfg, logger)
	if err != nil {
		return err
	}
	defer host.Cleanup()

	arg, err := guestArg(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// The sandbox PATH is minimal; resolve the program on the host's PATH.
	command := append([]string(nil), args...)
	if resolved, err := exec.LookPath(command[0]); err == nil {
		command[0] = resolved
	}

	sb := initSandbox(cfg, host, logger)
	result, err := sb.Execute(ctx, sandbox.ExecutionRequest{
		Command: command,
		Env: map[string]string{
			cfg.Guest.ArgEnv:    arg,
			"HPC_GUEST_ARG_ENV": cfg.Guest.ArgEnv,
		},
		Timeout:   runTimeout,
		Transport: runTransport,
	})
	if err != nil {
		return fmt.Errorf("running guest: %w", err)
	}

	_, _ = os.Stdout.WriteString(result.Stdout)
	_, _ = os.Stderr.WriteString(result.Stderr)

	logger.Info("guest finished",
		slog.String("transport", result.Transport),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)
	if result.ExitCode != 0 {
		return &exitCodeError{code: result.ExitCode}
	}
	return nil
}
