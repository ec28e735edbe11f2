package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/config"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Classify each grid's spacing against fees and show its sizing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			v := newVenue(cfg, zap.NewNop())
			grids, err := gridConfigs(ctx, cfg, v.feed)
			if err != nil {
				return err
			}

			svc := usecase.NewGridService(cfg.ToServiceConfig(), v.placer, nil, zap.NewNop())
			plans := make([]usecase.GridPlan, 0, len(grids))
			for _, g := range grids {
				plan, err := svc.PlanGrid(g)
				if err != nil {
					return fmt.Errorf("plan %s: %w", g.Symbol, err)
				}
				plans = append(plans, plan)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plans)
			}
			return writePlans(cmd.OutOrStdout(), plans)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func writePlans(out io.Writer, plans []usecase.GridPlan) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSPACING%\tBREAK-EVEN%\tNET%\tCLASS\tTRADES\tLEVERAGE\tMARGIN\tNOTIONAL\tRANGE")
	for _, p := range plans {
		trades := "yes"
		if !p.Honored {
			trades = "no"
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f\t%s\t%s\t%dx\t%.2f\t%.2f\t%.6g - %.6g\n",
			p.Symbol, p.SpacingPct, p.BreakEvenPct, p.NetProfitPct, p.Class, trades,
			p.EffectiveLeverage, p.LevelMargin, p.LevelNotional, p.LowestLevel, p.HighestLevel)
	}
	return tw.Flush()
}
