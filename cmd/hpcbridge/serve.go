package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/hpcbridge/internal/config"
	"github.com/jkaninda/hpcbridge/internal/httpapi"
)

var (
	serveConfigPath string
	serveSocket     string
	serveHTTPAddr   string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the capability router on a unix socket (and the HTTP API when configured)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "override the unix socket path (bridge.channel)")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", "", "serve the HTTP API on this address (e.g. :9090)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
}

// runServe exposes the router to guests started outside this process.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(serveDebug)

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if serveSocket != "" {
		cfg.Bridge.Transport = config.TransportSocket
		cfg.Bridge.Channel = serveSocket
	}
	if cfg.Bridge.Transport != config.TransportSocket {
		return fmt.Errorf("serve supports the socket transport only; use `hpcbridge call --file` for %q", cfg.Bridge.Transport)
	}
	if serveHTTPAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.Addr = serveHTTPAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, err := initHost(cfg, logger)
	if err != nil {
		return err
	}
	defer host.Cleanup()

	ln, err := listenUnix(cfg.Bridge.Channel)
	if err != nil {
		return err
	}
	if host.Obs != nil {
		host.Obs.Health.AddCheck("socket", func(context.Context) error {
			_, err := os.Stat(cfg.Bridge.Channel)
			return err
		})
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("hpc socket listening",
			slog.String("path", cfg.Bridge.Channel),
			slog.Any("capabilities", host.Router.Capabilities()),
		)
		errs <- host.Router.ServeSocket(ctx, ln)
	}()

	var api *httpapi.Server
	if cfg.HTTP != nil {
		api = newHTTPAPI(cfg, host, logger)
		go func() {
			errs <- api.Start(ctx)
		}()
	}

	serveErr := awaitServers(ctx, errs, logger)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if api != nil {
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Error("stopping http api", slog.String("error", err.Error()))
		}
	}
	_ = os.Remove(cfg.Bridge.Channel)
	return serveErr
}

// awaitServers blocks until a shutdown signal or the first server exit.
// Any server exit before shutdown is an error, so the process exits nonzero.
func awaitServers(ctx context.Context, errs <-chan error, logger *slog.Logger) error {
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errs:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errStoppedEarly
		}
		logger.Error("server exited with error", slog.String("error", err.Error()))
		return fmt.Errorf("server exited: %w", err)
	}
}

var errStoppedEarly = errors.New("stopped before shutdown")

// listenUnix listens on path, replacing a stale socket file.
func listenUnix(path string) (net.Listener, error) {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

func newHTTPAPI(cfg *config.Config, host *Host, logger *slog.Logger) *httpapi.Server {
	apiCfg := httpapi.Config{
		ListenAddr: cfg.HTTP.Addr,
		APIToken:   cfg.HTTP.APIToken,
		EnableCall: cfg.HTTP.EnableCall,
	}
	if host.Obs != nil {
		apiCfg.HealthChecker = host.Obs.Health
		apiCfg.Metrics = host.Obs.Metrics
		if host.Obs.Metrics != nil {
			apiCfg.MetricsRegistry = host.Obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				apiCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if host.Obs.Tracer != nil {
			apiCfg.Tracer = host.Obs.Tracer.Tracer()
		}
	}
	return httpapi.NewServer(apiCfg, host.Router, host.Limiter, logger)
}
