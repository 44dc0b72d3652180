// Package commands implements the tonexporter CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tonexporter/pkg/config"
	"github.com/Sumatoshi-tech/tonexporter/pkg/observability"
	"github.com/Sumatoshi-tech/tonexporter/pkg/version"
)

const (
	metricsPath              = "/metrics"
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 2 * time.Second
)

// App carries the root persistent flags shared by every command.
type App struct {
	ConfigPath   string
	MetricsAddr  string
	OTLPEndpoint string
	Verbose      bool
	Quiet        bool
	LogJSON      bool
}

// RegisterFlags adds the persistent flags to the root command.
func (a *App) RegisterFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVar(&a.ConfigPath, "config", "", "config file (default: .tonexporter.yaml in cwd or $HOME)")
	flags.BoolVarP(&a.Verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&a.Quiet, "quiet", "q", false, "only log errors and skip the summary")
	flags.BoolVar(&a.LogJSON, "log-json", false, "JSON log output")
	flags.StringVar(&a.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	flags.StringVar(&a.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector address")
}

// loadConfig reads the config file and applies root flag overrides.
func (a *App) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(a.ConfigPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()

	switch {
	case a.Verbose:
		cfg.Log.Level = "debug"
	case a.Quiet:
		cfg.Log.Level = "error"
	}

	if flags.Changed("log-json") {
		cfg.Log.JSON = a.LogJSON
	}

	if flags.Changed("metrics-addr") {
		cfg.Telemetry.MetricsAddr = a.MetricsAddr
	}

	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint = a.OTLPEndpoint
	}

	return cfg, nil
}

// runtime holds the process-wide telemetry for one command invocation.
type runtime struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	metrics   *observability.ExportMetrics
	server    *http.Server
}

func (a *App) start(cfg *config.Config) (*runtime, error) {
	obsCfg, err := cfg.Observability(version.Version)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	rt := &runtime{cfg: cfg, providers: providers, logger: providers.Logger}

	metrics, err := observability.NewExportMetrics(providers.Meter)
	if err != nil {
		rt.logger.Warn("metrics: instruments unavailable", "error", err)
	} else {
		rt.metrics = metrics
	}

	if cfg.Telemetry.MetricsAddr != "" && providers.MetricsHandler != nil {
		serveErr := rt.serveMetrics(cfg.Telemetry.MetricsAddr)
		if serveErr != nil {
			return nil, errors.Join(serveErr, rt.close())
		}
	}

	return rt, nil
}

func (rt *runtime) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(metricsPath, rt.providers.MetricsHandler)

	rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}

	go func() {
		serveErr := rt.server.Serve(ln)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			rt.logger.Error("metrics: server stopped", "error", serveErr)
		}
	}()

	rt.logger.Info("metrics: serving", "addr", ln.Addr().String(), "path", metricsPath)

	return nil
}

func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	var serverErr error
	if rt.server != nil {
		serverErr = rt.server.Shutdown(ctx)
	}

	return errors.Join(serverErr, rt.providers.Shutdown(context.Background()))
}
