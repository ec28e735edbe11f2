package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_virtual_grid/internal/config"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
)

type stubFeed map[string]float64

func (f stubFeed) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if p, ok := f[symbol]; ok {
		return p, nil
	}
	return 0, domain.ErrPriceUnavailable
}

func TestGridConfigs_ResolvesMarketCenter(t *testing.T) {
	cfg := config.Default()
	cfg.Grids = []config.GridEntry{
		{Symbol: "BTCUSDT", CenterPrice: 64000, GridSpacingPct: 1, TotalInvestment: 1000, Leverage: 10, MaxPositions: 5},
		{Symbol: "ethusdt", GridSpacingPct: 1, TotalInvestment: 500, Leverage: 5, MaxPositions: 4},
	}

	grids, err := gridConfigs(context.Background(), cfg, stubFeed{"ethusdt": 3000})
	require.NoError(t, err)
	require.Len(t, grids, 2)
	assert.Equal(t, 64000.0, grids[0].CenterPrice)
	assert.Equal(t, "ETHUSDT", grids[1].Symbol)
	assert.Equal(t, 3000.0, grids[1].CenterPrice)

	_, err = gridConfigs(context.Background(), cfg, stubFeed{})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestWritePlans(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePlans(&buf, []usecase.GridPlan{
		{Symbol: "BTCUSDT", SpacingPct: 1, BreakEvenPct: 0.17, NetProfitPct: 0.83, Class: usecase.SpacingSafe, Honored: true, EffectiveLeverage: 10, LevelMargin: 100, LevelNotional: 1000, LowestLevel: 60000, HighestLevel: 70000},
		{Symbol: "DOGEUSDT", SpacingPct: 0.1, Class: usecase.SpacingUnprofitable, EffectiveLeverage: 5},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "SYMBOL"))
	assert.Contains(t, lines[1], "safe")
	assert.Contains(t, lines[1], "yes")
	assert.Contains(t, lines[2], "unprofitable")
	assert.Contains(t, lines[2], "no")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"run", "plan", "check"})
}
