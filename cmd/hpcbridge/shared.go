package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/hpcbridge/internal/audit"
	"github.com/jkaninda/hpcbridge/internal/config"
	"github.com/jkaninda/hpcbridge/internal/guest"
	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/observability"
	"github.com/jkaninda/hpcbridge/internal/ratelimit"
	"github.com/jkaninda/hpcbridge/internal/router"
	"github.com/jkaninda/hpcbridge/internal/sandbox"
	"github.com/jkaninda/hpcbridge/internal/secrets"
)

// Host holds the subsystems every host-side command needs. Built once by
// initHost, torn down by Cleanup.
type Host struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Audit   audit.Store
	Limiter *ratelimit.Limiter
	Router  *router.Router

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (h *Host) Cleanup() {
	for i := len(h.cleanups) - 1; i >= 0; i-- {
		h.cleanups[i]()
	}
}

func (h *Host) addCleanup(fn func()) {
	h.cleanups = append(h.cleanups, fn)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist. HPC_CONFIG overrides the flag.
func loadConfig(path string) (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("HPC_CONFIG", path))
}

// initHost builds observability, the audit store, and the capability router.
// Callers must call h.Cleanup() when done.
func initHost(cfg *config.Config, logger *slog.Logger) (*Host, error) {
	h := &Host{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	h.Obs = obs
	h.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
		if obs.Anomaly != nil {
			obs.Health.AddCheck("error_rate", obs.Anomaly.Check)
		}
	}

	// Audit trail.
	store, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		h.Cleanup()
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	h.Audit = store
	h.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing audit store", slog.String("error", err.Error()))
		}
	})
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok && obs != nil {
		obs.Health.AddCheck("audit", pinger.Ping)
	}

	// Rate limiting.
	if rpm := cfg.Router.RateLimit.RequestsPerMinute; rpm > 0 {
		h.Limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rpm,
			BurstSize:         cfg.Router.RateLimit.BurstSize,
		})
	}

	h.Router = buildRouter(cfg, h, logger)
	logger.Debug("router initialized", slog.Any("capabilities", h.Router.Capabilities()))
	return h, nil
}

// buildRouter registers every enabled capability, each wrapped with metrics
// and tracing.
func buildRouter(cfg *config.Config, h *Host, logger *slog.Logger) *router.Router {
	opts := []router.Option{
		router.WithLogger(logger),
		router.WithAudit(h.Audit),
	}
	if h.Limiter != nil {
		opts = append(opts, router.WithLimiter(h.Limiter))
	}
	if h.Obs != nil {
		opts = append(opts, router.WithObserver(h.Obs))
	}
	r := router.New(opts...)

	metrics, tracer := h.Obs.MetricsOrNil(), h.Obs.TracerOrNil()
	if !cfg.Router.RNG.Disabled {
		r.Register(hpc.CapabilityRNG, observability.NewInstrumentedHandler(hpc.CapabilityRNG,
			router.RNGHandler{MaxBytes: cfg.Router.RNG.MaxBytes}, metrics, tracer))
	}
	if !cfg.Router.TLSP.Disabled {
		r.Register(hpc.CapabilityTLSP, observability.NewInstrumentedHandler(hpc.CapabilityTLSP,
			router.NewTLSPHandler(cfg.Router.TLSP, logger), metrics, tracer))
	}
	return r
}

// initSandbox creates the process sandbox with the router attached as its bridge.
func initSandbox(cfg *config.Config, h *Host, logger *slog.Logger) sandbox.Sandbox {
	var sb sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Sandbox.ExecutionTimeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
		Transport: cfg.Sandbox.Transport,
		Bridge:    h.Router,
	}, logger)
	if h.Obs != nil {
		sb = observability.NewInstrumentedSandbox(sb, h.Obs.Metrics, h.Obs.Tracer)
	}
	return sb
}

// guestArg resolves the configured credential and encodes the settings the
// guest receives in its argument variable. An unset credential reference
// yields settings without a key.
func guestArg(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	settings := guest.Settings{
		Model:           cfg.Guest.Model,
		FallbackModels:  cfg.Guest.FallbackModels,
		BaseURL:         cfg.Guest.BaseURL,
		MaxOutputTokens: cfg.Guest.MaxOutputTokens,
		Rolls:           cfg.Guest.Rolls,
	}

	if ref := cfg.Guest.CredentialRef; ref != "" {
		provider, err := secrets.New(cfg.Secrets)
		if err != nil {
			return "", err
		}
		secret, err := provider.Resolve(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("resolving guest credential: %w", err)
		}
		settings.APIKey = secret.Value
		logger.Debug("guest credential resolved", slog.String("provider", secret.Metadata["source"]))
	} else {
		logger.Warn("no guest credential configured; set guest.credential_ref or OPENAI_API_KEY")
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encoding guest argument: %w", err)
	}
	return string(data), nil
}
