package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/hpcbridge/internal/adventure"
	"github.com/jkaninda/hpcbridge/internal/guest"
	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/llm"
	"github.com/jkaninda/hpcbridge/internal/llm/openai"
	"github.com/jkaninda/hpcbridge/internal/rng"
	"github.com/jkaninda/hpcbridge/internal/rpc"
)

var (
	adventureArgEnv string
	adventureRolls  int
	adventureDebug  bool
)

var adventureCmd = &cobra.Command{
	Use:   "adventure",
	Short: "Guest: play an LLM-narrated text adventure over the hpc channel",
	Long: `adventure is a guest program. It must run under "hpcbridge run", which
attaches the hpc channel and passes the LLM settings in the guest argument.
It prints {"rolls": [...], "rpcs": [...]} to stdout.`,
	RunE: runAdventure,
}

func init() {
	adventureCmd.Flags().StringVar(&adventureArgEnv, "arg-env", "HPC_GUEST_ARG", "environment variable holding the guest argument")
	adventureCmd.Flags().IntVar(&adventureRolls, "rolls", 0, "override the number of turns")
	adventureCmd.Flags().BoolVar(&adventureDebug, "debug", false, "enable debug logging")
}

func runAdventure(_ *cobra.Command, _ []string) error {
	logger := newLogger(adventureDebug)

	transport, err := guest.TransportFromEnv()
	if err != nil {
		return err
	}

	var settings guest.Settings
	if err := guest.Arg(goutils.Env("HPC_GUEST_ARG_ENV", adventureArgEnv), &settings); err != nil {
		if !errors.Is(err, guest.ErrNoArg) {
			return err
		}
		logger.Warn("no guest argument; calling the LLM without credentials")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := hpc.NewClient(transport, logger)
	receipts := rpc.NewLog()
	rpcClient := rpc.NewClient(client, receipts, logger)

	completer := newCompleter(rpcClient, settings, logger)

	rolls := settings.Rolls
	if adventureRolls > 0 {
		rolls = adventureRolls
	}
	game := &adventure.Game{
		LLM:     completer,
		Chooser: rng.New(client),
		Rolls:   rolls,
		RPCs:    receipts,
		Logger:  logger,
	}

	result, playErr := game.Play(ctx)
	if result != nil {
		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		_, _ = os.Stdout.Write(append(out, '\n'))
	}
	if playErr != nil {
		logger.Error("adventure failed",
			slog.Int("rolls", len(result.Rolls)),
			slog.String("error", playErr.Error()),
		)
		return playErr
	}
	return nil
}

// newCompleter builds the OpenAI client for the configured model, falling
// back to each of settings.FallbackModels in order.
func newCompleter(rpcClient *rpc.Client, settings guest.Settings, logger *slog.Logger) llm.Completer {
	newClient := func(model string) llm.Completer {
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithMaxOutputTokens(settings.MaxOutputTokens),
		}
		if settings.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(settings.BaseURL))
		}
		return openai.NewClient(rpcClient, settings.APIKey, logger, opts...)
	}

	primary := newClient(settings.Model)
	if len(settings.FallbackModels) == 0 {
		return primary
	}
	completers := []llm.Completer{primary}
	for _, model := range settings.FallbackModels {
		completers = append(completers, newClient(model))
	}
	return llm.NewFallback(logger, completers...)
}
