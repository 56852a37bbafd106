package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Fallback wraps several completers and tries them in order. If the primary
// fails, the next one is tried until one succeeds or all have failed.
type Fallback struct {
	completers []Completer
	logger     *slog.Logger
}

// NewFallback creates a completer that tries each completer in order.
// At least one completer is required.
func NewFallback(logger *slog.Logger, completers ...Completer) *Fallback {
	if len(completers) == 0 {
		panic("llm.Fallback requires at least one completer")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fallback{completers: completers, logger: logger}
}

// Complete returns the first successful completion.
func (f *Fallback) Complete(ctx context.Context, conversation []Message) (string, error) {
	var lastErr error
	for i, c := range f.completers {
		text, err := c.Complete(ctx, conversation)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "completer fallback succeeded",
					slog.Int("attempt", i+1),
				)
			}
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "completer failed, trying next",
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.completers)-i-1),
		)
	}
	return "", fmt.Errorf("all %d completers failed, last error: %w", len(f.completers), lastErr)
}
