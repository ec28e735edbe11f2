package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/config"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [symbols...]",
		Short: "Query the price feed for the configured (or given) symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			symbols := args
			if len(symbols) == 0 {
				symbols = cfg.Symbols()
			}
			if len(symbols) == 0 {
				return fmt.Errorf("no symbols configured")
			}

			v := newVenue(cfg, zap.NewNop())
			var errs error
			for _, symbol := range symbols {
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Polling.Timeout)
				start := time.Now()
				price, err := v.feed.LatestPrice(ctx, symbol)
				cancel()
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%-12s ERROR %v\n", symbol, err)
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", symbol, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %.8g (%s)\n", symbol, price, time.Since(start).Round(time.Millisecond))
			}
			return errs
		},
	}
}
