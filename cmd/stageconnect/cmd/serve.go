package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development messaging broker",
	Long: `Run a STOMP over WebSocket broker implementing the messaging backend's
destinations, for local development and testing.

Chat messages are delivered to both participants' private topics; typing
indicators and read receipts to the receiver only.

Examples:
  stageconnect serve
  stageconnect serve --listen :9000 --metrics prometheus
  stageconnect serve -c broker.hcl`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var shutdownTimeout time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to listen on")
	serveCmd.Flags().String("metrics", "", "metrics provider (prometheus, otel)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for sessions to close")
}

// serveMetrics exposes Prometheus metrics when they are enabled with a
// dedicated listen address. When mux is given and no address is set the
// handler is mounted on it instead. The returned function stops the
// dedicated server.
func serveMetrics(cfg *config.Config, logger *zap.Logger, mux *http.ServeMux) (stop func()) {
	if cfg.Metrics.Provider != config.MetricsPrometheus {
		return nil
	}

	handler := promhttp.Handler()

	if cfg.Metrics.Listen == "" {
		if mux != nil {
			mux.Handle(cfg.Metrics.Path, handler)
		}
		return nil
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, handler)
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("Serving metrics", zap.String("addr", srv.Addr), zap.String("path", cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Provider == config.MetricsPrometheus {
		prometheus.MustRegister(collectors.NewBuildInfoCollector())
	}
	metrics, _ := cfg.Observability(prometheus.DefaultRegisterer, Version)

	listener, err := cfg.ListenerConfig(metrics).Build()
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Broker.Path, listener.ServeWebsocket)
	if stop := serveMetrics(cfg, logger, mux); stop != nil {
		defer stop()
	}

	srv := &http.Server{
		Addr:              cfg.Broker.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting broker",
			zap.String("addr", srv.Addr),
			zap.String("path", cfg.Broker.Path),
			zap.Bool("authenticated", len(cfg.Broker.Tokens) > 0),
			zap.String("metrics", cfg.Metrics.Provider),
		)
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broker failed: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := listener.Shutdown(ctx); err != nil {
		logger.Warn("Sessions did not close in time", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
