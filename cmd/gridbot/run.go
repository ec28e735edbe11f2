package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/config"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/infrastructure/logger"
	"github.com/vitos/crypto_virtual_grid/internal/infrastructure/metrics"
	"github.com/vitos/crypto_virtual_grid/internal/infrastructure/storage"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
	"github.com/vitos/crypto_virtual_grid/internal/web"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every configured grid, the price poller and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts.configPath)
		},
	}
}

func run(configPath string) error {
	// 1. Load Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init Logger
	log, err := logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Init Storage
	var repo domain.TradeRepository
	var store *storage.SQLiteStore
	if cfg.Storage.Path != "" {
		store, err = storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("init sqlite: %w", err)
		}
		defer store.Close()
		repo = store
	}

	// 4. Init Exchange
	v := newVenue(cfg, log)
	log.Info("Exchange ready", zap.String("name", cfg.Exchange.Name), zap.Bool("testnet", cfg.Exchange.Testnet))

	// 5. Init Service
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc := usecase.NewGridService(cfg.ToServiceConfig(), v.placer, repo, log,
		usecase.WithMetrics(metrics.NewRecorder(reg)))

	grids, err := gridConfigs(ctx, cfg, v.feed)
	if err != nil {
		return err
	}
	for _, g := range grids {
		if cfg.Exchange.Name == config.ExchangeBybit {
			if err := v.bybit.EnsureHedgeMode(ctx, g.Symbol); err != nil {
				return multierr.Append(err, svc.Stop(context.Background()))
			}
		}
		if err := svc.StartGrid(ctx, g); err != nil {
			return multierr.Append(fmt.Errorf("start %s: %w", g.Symbol, err), svc.Stop(context.Background()))
		}
	}

	// 6. Prices
	poller := usecase.NewPricePoller(v.feed, svc, svc.Symbols, cfg.Polling.Interval, cfg.Polling.Timeout, log.Named("poller"))
	poller.Start(ctx)

	if cfg.Exchange.Stream {
		v.bybit.OnPriceUpdate(func(symbol string, price float64) {
			if err := svc.SubmitTick(symbol, price); err != nil && !errors.Is(err, domain.ErrQueueFull) {
				log.Debug("Stream tick not submitted", zap.String("symbol", symbol), zap.Error(err))
			}
		})
		if err := v.bybit.ConnectWS(svc.Symbols()); err != nil {
			log.Error("Failed to connect ticker stream, polling only", zap.Error(err))
		} else {
			defer v.bybit.CloseWS()
		}
	}

	// 7. Hot reload of signal thresholds
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if err := svc.UpdateSignalThresholds(next.Signals); err != nil {
			log.Error("Failed to apply signal thresholds", zap.Error(err))
		}
	}, log.Named("config"))
	if err != nil {
		log.Warn("Config hot reload disabled", zap.Error(err))
	} else {
		go watcher.Run(ctx)
	}

	// 8. Start Web Server
	var server *web.Server
	if cfg.Server.Port > 0 {
		server = web.NewServer(cfg.Server.Port, svc, repo, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log.Named("web"))
		go func() {
			if err := server.Start(); err != nil {
				log.Error("Web server failed", zap.Error(err))
				stop()
			}
		}()
	}

	log.Info("Grid bot running", zap.Strings("symbols", svc.Symbols()))

	// 9. Wait for Shutdown
	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if server != nil {
		errs = multierr.Append(errs, server.Shutdown(shutdownCtx))
	}
	errs = multierr.Append(errs, svc.Stop(shutdownCtx))
	if errs != nil {
		log.Error("Shutdown finished with errors", zap.Error(errs))
	}
	return errs
}
