package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/config"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/infrastructure/exchange"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "gridbot",
		Short:         "Virtual grid trading bot for perpetual futures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "path to the YAML config")

	cmd.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newCheckCmd(opts),
	)
	return cmd
}

// venue is the exchange side of the bot: where prices come from and where
// orders go.
type venue struct {
	feed   domain.PriceFeed
	placer domain.OrderPlacer
	bybit  *exchange.BybitAdapter
}

func newVenue(cfg *config.Config, log *zap.Logger) venue {
	ex := cfg.Exchange
	bybitCfg := exchange.BybitConfig{
		APIKey:          ex.APIKey,
		APISecret:       ex.APISecret,
		BaseURL:         ex.RESTEndpoint,
		WSURL:           ex.WSEndpoint,
		OrdersPerSecond: ex.OrdersPerSecond,
	}
	if ex.Testnet {
		if bybitCfg.BaseURL == "" {
			bybitCfg.BaseURL = exchange.BybitTestnetBaseURL
		}
		if bybitCfg.WSURL == "" {
			bybitCfg.WSURL = exchange.BybitTestnetWSURL
		}
	}
	adapter := exchange.NewBybitAdapter(bybitCfg, log.Named("bybit"))

	if ex.Name == config.ExchangePaper {
		paper := exchange.NewPaperBroker(adapter, ex.PaperSlippagePct, log.Named("paper"))
		return venue{feed: paper, placer: paper, bybit: adapter}
	}
	return venue{feed: adapter, placer: adapter, bybit: adapter}
}

// gridConfigs resolves every configured grid, asking the feed for the
// center of grids without one.
func gridConfigs(ctx context.Context, cfg *config.Config, feed domain.PriceFeed) ([]domain.GridConfig, error) {
	out := make([]domain.GridConfig, 0, len(cfg.Grids))
	for _, g := range cfg.Grids {
		center := g.CenterPrice
		if center <= 0 {
			price, err := feed.LatestPrice(ctx, g.Symbol)
			if err != nil {
				return nil, fmt.Errorf("center price for %s: %w", g.Symbol, err)
			}
			center = price
		}
		out = append(out, g.GridConfig(center))
	}
	return out, nil
}
