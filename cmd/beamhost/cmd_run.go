package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"beamhost/internal/config"
	"beamhost/internal/logging"
	"beamhost/internal/metrics"
	"beamhost/pkg/eventlog"
	"beamhost/pkg/host"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runConfig holds command-line overrides for the run command.
type runConfig struct {
	server   bool
	debug    bool
	logLevel string
}

// newRunCmd creates the "beamhost run" subcommand.
func newRunCmd(configPath *string) *cobra.Command {
	var rc runConfig

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the workers and open the host window",
		Long:  "Starts the primary worker and the monitor daemon, opens the first content\nsurface, and runs until the window closes or a quit is agreed by every surface.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, paths, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.ServerMode = rc.server
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = rc.debug
			}
			if rc.logLevel != "" {
				cfg.LogLevel = rc.logLevel
			}
			return runHost(cmd.Context(), cfg, paths)
		},
	}

	cmd.Flags().BoolVar(&rc.server, "server", false, "let the primary worker listen on all interfaces")
	cmd.Flags().BoolVar(&rc.debug, "debug", false, "start the primary worker in debug mode and log at debug level")
	cmd.Flags().StringVar(&rc.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	return cmd
}

// runHost runs one host session until it ends.
func runHost(ctx context.Context, cfg *config.Config, paths config.Paths) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var opts []host.Option
	store, err := eventlog.Open(paths.EventDB)
	if err != nil {
		logger.Warn("event log unavailable", zap.String("path", paths.EventDB), zap.Error(err))
	} else {
		defer func() { _ = store.Close() }()
		logger = logger.With(zap.String("session", store.Session()))
		opts = append(opts, host.WithRecorder(store))
	}

	m := metrics.New()
	opts = append(opts,
		host.WithLogger(logger),
		host.WithMetrics(m),
		host.WithPaths(paths),
	)

	h, err := host.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("build host: %w", err)
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, m, logger)
		defer stop()
	}

	if err := h.Start(); err != nil {
		h.Shutdown()
		return err
	}
	logger.Info("host running")

	waitForQuit(ctx, h, logger)
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel
	if cfg.Debug {
		lc.Level = "debug"
	}
	if cfg.LogFile != "" {
		lc.OutputPaths = []string{cfg.LogFile}
		lc.Development = false
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}

// waitForQuit blocks until the window closes or a quit goes through. A
// signal starts the close negotiation; if a surface declines, the host keeps
// running and waits for the next signal. Cancelling ctx shuts down even when
// a surface declines.
func waitForQuit(ctx context.Context, h *host.Host, log *zap.Logger) {
	for {
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-h.Window().Done():
			stop()
			h.Shutdown()
			return

		case <-sigCtx.Done():
			stop()
			log.Info("quit requested")
			if h.Quit(true) {
				return
			}
			if ctx.Err() != nil {
				h.Shutdown()
				return
			}
			log.Info("quit declined, still running")
		}
	}
}

// serveMetrics serves /metrics on addr and returns a function that stops
// the server.
func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
