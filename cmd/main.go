package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/ristretto"
	"github.com/spf13/cobra"

	"github.com/angeloszaimis/telemetry/config"
	"github.com/angeloszaimis/telemetry/internal/alert"
	"github.com/angeloszaimis/telemetry/internal/handler"
	"github.com/angeloszaimis/telemetry/internal/httpserver"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/monitoring"
	"github.com/angeloszaimis/telemetry/internal/poolmonitor"
	"github.com/angeloszaimis/telemetry/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "telemetryd",
		Short:         "Serve performance metrics, health and SLO status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("failed to load config", slog.Any("err", err))
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	return root
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := alertOptions(cfg.Alert, log)
	if err != nil {
		log.Error("Failed to configure alert channels", slog.Any("err", err))
		return err
	}

	var handlerOpts []handler.Option
	if cfg.Cache.RistrettoEnabled {
		cache, err := newCache(cfg.Cache)
		if err != nil {
			log.Error("Failed to create response cache", slog.Any("err", err))
			return err
		}
		defer cache.Close()
		opts = append(opts, monitoring.WithRistretto(cache, metrics.LayerL1, cfg.Cache.PollInterval))
		handlerOpts = append(handlerOpts, handler.WithResponseCache(cache, cfg.Cache.TTL))
	}

	mon, err := monitoring.New(cfg.Monitoring(), log, opts...)
	if err != nil {
		log.Error("Failed to create monitor", slog.Any("err", err))
		return err
	}

	if cfg.Database.DSN != "" {
		pool, err := poolmonitor.Open(ctx, cfg.Database.DSN, mon.Pool)
		if err != nil {
			log.Error("Failed to open database pool", slog.Any("err", err))
			return err
		}
		defer pool.Close()
	}

	h := handler.New(log, mon, handlerOpts...)
	srv, err := httpserver.New(cfg.HTTPServer(), setupRouter(h, mon, cfg.Stream, log))
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	mon.Start(ctx)
	defer mon.Stop()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Telemetry service started", slog.String("address", cfg.Server.Address))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting telemetry service", slog.Any("err", err))
			return err
		}
	}

	return nil
}

// alertOptions maps the alert settings to tiered channels. Console and log
// channels take every alert, the webhook takes warnings and above, the pager
// takes critical alerts only.
func alertOptions(cfg config.AlertConfig, log *slog.Logger) ([]monitoring.Option, error) {
	opts := []monitoring.Option{
		monitoring.WithChannel(alert.TierBasic, alert.NewLogChannel(log)),
	}
	if cfg.Console {
		opts = append(opts, monitoring.WithChannel(alert.TierBasic, alert.NewConsoleChannel(os.Stderr, cfg.NoColor)))
	}

	client := &http.Client{Timeout: cfg.SendTimeout}

	if cfg.WebhookURL != "" {
		ch, err := alert.NewWebhookChannel("webhook", cfg.WebhookURL, client)
		if err != nil {
			return nil, err
		}
		opts = append(opts, monitoring.WithChannel(alert.TierSecondary, ch))
	}
	if cfg.PagerURL != "" {
		ch, err := alert.NewWebhookChannel("pager", cfg.PagerURL, client)
		if err != nil {
			return nil, err
		}
		opts = append(opts, monitoring.WithChannel(alert.TierHighTouch, ch))
	}

	return opts, nil
}

func newCache(cfg config.CacheConfig) (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: max(cfg.MaxCost/100, 1000),
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
		Metrics:     true,
	})
}
