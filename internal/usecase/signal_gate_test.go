package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/usecase"
)

type gateFixture struct {
	gate   *usecase.SignalGate
	book   *usecase.PositionMaterializer
	placer *MockPlacer
	safety *MockSafety
	clock  *fakeClock
}

func newGateFixture(t *testing.T, cfg usecase.SignalConfig) *gateFixture {
	t.Helper()
	f := &gateFixture{
		placer: &MockPlacer{Price: 100},
		safety: &MockSafety{Result: domain.SafetyResult{Safe: true}},
		clock:  newFakeClock(),
	}
	costs := usecase.NewCostModel(usecase.DefaultCostConfig())
	exec := usecase.NewTradeExecutor(f.placer, time.Second, zap.NewNop())
	f.book = usecase.NewPositionMaterializer(testGridConfig(), costs, exec, 20, zap.NewNop(),
		usecase.WithMaterializerClock(f.clock.Now))
	f.gate = usecase.NewSignalGate("BTCUSDT", cfg, costs, f.book, f.safety, zap.NewNop(),
		usecase.WithGateClock(f.clock.Now))
	return f
}

func noCooldown() usecase.SignalConfig {
	cfg := usecase.DefaultSignalConfig()
	cfg.Cooldown = 0
	return cfg
}

var signalSeq int

func sig(dir domain.Direction, strength float64) domain.Signal {
	signalSeq++
	return domain.Signal{
		ID:        fmt.Sprintf("sig-%d", signalSeq),
		Symbol:    "BTCUSDT",
		Direction: dir,
		Strength:  strength,
		Urgency:   domain.UrgencyMedium,
		Type:      domain.SignalEntry,
		Price:     100,
	}
}

func TestSignalGate_WeakSignalSkipped(t *testing.T) {
	f := newGateFixture(t, noCooldown())

	rec, trade := f.gate.Process(context.Background(), sig(domain.DirectionLong, 55), 100)
	assert.Nil(t, trade)
	assert.Equal(t, domain.ActionSkip, rec.Action)
	assert.Equal(t, "Signal strength too low", rec.Reason)
	assert.Zero(t, f.placer.OrderCount())
}

func TestSignalGate_OpenSizedByStrength(t *testing.T) {
	f := newGateFixture(t, noCooldown())

	rec, _ := f.gate.Process(context.Background(), sig(domain.DirectionLong, 80), 100)
	require.Equal(t, domain.ActionOpenLong, rec.Action, rec.Reason)

	// 1000 balance * 10% * 0.8 strength at 1x
	positions := f.book.PositionsByOrigin(domain.OriginSignal)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.SideLong, positions[0].Side)
	assert.InDelta(t, 80, positions[0].MarginUsed, 1e-9)
	assert.Equal(t, positions[0].ID, rec.TradeID)
	// Fees come from the confirmed fill, matching the book's ledger
	assert.InDelta(t, positions[0].EntryFee, rec.Fees, 1e-12)
	assert.InDelta(t, f.book.TotalFees(), rec.Fees, 1e-12)
	assert.Less(t, rec.Fees, 80*0.00055)
}

func TestSignalGate_StrengthOutOfRangeSkipped(t *testing.T) {
	f := newGateFixture(t, noCooldown())
	ctx := context.Background()

	for _, strength := range []float64{400, 100.5, -5} {
		rec, trade := f.gate.Process(ctx, sig(domain.DirectionLong, strength), 100)
		assert.Nil(t, trade)
		assert.Equal(t, domain.ActionSkip, rec.Action)
		assert.Equal(t, "Signal strength out of range", rec.Reason)
	}
	assert.Zero(t, f.placer.OrderCount())

	rec, _ := f.gate.Process(ctx, sig(domain.DirectionLong, 100), 100)
	require.Equal(t, domain.ActionOpenLong, rec.Action)
	positions := f.book.PositionsByOrigin(domain.OriginSignal)
	require.Len(t, positions, 1)
	assert.InDelta(t, 100, positions[0].MarginUsed, 1e-9, "full strength uses the whole max position budget")
}

func TestSignalGate_ConflictingSignalNeedsConfirmation(t *testing.T) {
	f := newGateFixture(t, noCooldown())
	ctx := context.Background()

	rec, _ := f.gate.Process(ctx, sig(domain.DirectionLong, 80), 100)
	require.Equal(t, domain.ActionOpenLong, rec.Action)

	// Opposing but unconfirmed
	rec, trade := f.gate.Process(ctx, sig(domain.DirectionShort, 65), 100)
	assert.Equal(t, domain.ActionSkip, rec.Action)
	assert.Equal(t, "Already in position", rec.Reason)
	assert.Nil(t, trade)

	// Same direction never pyramids
	rec, _ = f.gate.Process(ctx, sig(domain.DirectionLong, 95), 100)
	assert.Equal(t, "Already in position", rec.Reason)

	rec, trade = f.gate.Process(ctx, sig(domain.DirectionShort, 75), 100)
	assert.Equal(t, domain.ActionClose, rec.Action)
	require.NotNil(t, trade)
	assert.True(t, trade.FullyClosed)
	assert.Empty(t, f.book.PositionsByOrigin(domain.OriginSignal))
}

func TestSignalGate_ProtectiveHitSignals(t *testing.T) {
	f := newGateFixture(t, noCooldown())
	ctx := context.Background()

	hit := sig(domain.DirectionNeutral, 90)
	hit.Type = domain.SignalStopLossHit
	rec, _ := f.gate.Process(ctx, hit, 100)
	assert.Equal(t, "No position to close", rec.Reason)

	rec, _ = f.gate.Process(ctx, sig(domain.DirectionShort, 80), 100)
	require.Equal(t, domain.ActionOpenShort, rec.Action)

	hit = sig(domain.DirectionNeutral, 90)
	hit.Type = domain.SignalTakeProfitHit
	rec, trade := f.gate.Process(ctx, hit, 98)
	assert.Equal(t, domain.ActionClose, rec.Action)
	require.NotNil(t, trade)
	assert.Equal(t, "take_profit_hit", trade.Reason)
}

func TestSignalGate_WeakProtectiveHitStillCloses(t *testing.T) {
	cfg := noCooldown()
	cfg.MinUrgency = domain.UrgencyHigh
	f := newGateFixture(t, cfg)
	ctx := context.Background()

	entry := sig(domain.DirectionLong, 80)
	entry.Urgency = domain.UrgencyHigh
	rec, _ := f.gate.Process(ctx, entry, 100)
	require.Equal(t, domain.ActionOpenLong, rec.Action)

	hit := sig(domain.DirectionNeutral, 5)
	hit.Type = domain.SignalStopLossHit
	hit.Urgency = domain.UrgencyLow
	rec, trade := f.gate.Process(ctx, hit, 97)
	assert.Equal(t, domain.ActionClose, rec.Action)
	require.NotNil(t, trade)
	assert.Equal(t, "stop_loss_hit", trade.Reason)
	assert.Empty(t, f.book.PositionsByOrigin(domain.OriginSignal))
}

func TestSignalGate_NeutralAndUrgency(t *testing.T) {
	cfg := noCooldown()
	cfg.MinUrgency = domain.UrgencyHigh
	f := newGateFixture(t, cfg)
	ctx := context.Background()

	rec, _ := f.gate.Process(ctx, sig(domain.DirectionNeutral, 90), 100)
	assert.Equal(t, "Neutral signal", rec.Reason)

	rec, _ = f.gate.Process(ctx, sig(domain.DirectionLong, 90), 100)
	assert.Equal(t, "Signal urgency too low", rec.Reason)

	urgent := sig(domain.DirectionLong, 90)
	urgent.Urgency = domain.UrgencyCritical
	rec, _ = f.gate.Process(ctx, urgent, 100)
	assert.Equal(t, domain.ActionOpenLong, rec.Action)
}

func TestSignalGate_Cooldown(t *testing.T) {
	cfg := usecase.DefaultSignalConfig()
	cfg.Cooldown = time.Minute
	f := newGateFixture(t, cfg)
	ctx := context.Background()

	rec, _ := f.gate.Process(ctx, sig(domain.DirectionLong, 80), 100)
	require.Equal(t, domain.ActionOpenLong, rec.Action)

	f.clock.Advance(30 * time.Second)
	rec, _ = f.gate.Process(ctx, sig(domain.DirectionShort, 90), 100)
	assert.Equal(t, "Cooldown active", rec.Reason)

	f.clock.Advance(30 * time.Second)
	rec, _ = f.gate.Process(ctx, sig(domain.DirectionShort, 90), 100)
	assert.Equal(t, domain.ActionClose, rec.Action)
}

func TestSignalGate_SafetyShortCircuits(t *testing.T) {
	f := newGateFixture(t, noCooldown())
	f.safety.Result = domain.SafetyResult{Safe: false, Reason: "Drawdown limit reached"}

	rec, _ := f.gate.Process(context.Background(), sig(domain.DirectionLong, 100), 100)
	assert.Equal(t, domain.ActionSkip, rec.Action)
	assert.Equal(t, "Drawdown limit reached", rec.Reason)
	assert.Equal(t, 1, f.safety.Calls)
	assert.Zero(t, f.placer.OrderCount())
}

func TestSignalGate_DuplicateSignal(t *testing.T) {
	f := newGateFixture(t, noCooldown())
	ctx := context.Background()

	s := sig(domain.DirectionLong, 40)
	f.gate.Process(ctx, s, 100)
	rec, _ := f.gate.Process(ctx, s, 100)
	assert.Equal(t, "Duplicate signal", rec.Reason)
}

func TestSignalGate_PlacementFailureIsError(t *testing.T) {
	f := newGateFixture(t, noCooldown())
	f.placer.Fail = true

	rec, _ := f.gate.Process(context.Background(), sig(domain.DirectionLong, 80), 100)
	assert.Equal(t, domain.ActionError, rec.Action)
	assert.Equal(t, 1, f.gate.Stats().ByAction[domain.ActionError])
}

func TestSignalGate_HistoryAndStats(t *testing.T) {
	cfg := noCooldown()
	cfg.HistorySize = 3
	f := newGateFixture(t, cfg)
	ctx := context.Background()

	f.gate.Process(ctx, sig(domain.DirectionLong, 10), 100)
	f.gate.Process(ctx, sig(domain.DirectionLong, 20), 100)
	f.gate.Process(ctx, sig(domain.DirectionLong, 80), 100)
	f.gate.Process(ctx, sig(domain.DirectionShort, 90), 100)

	history := f.gate.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, domain.ActionClose, history[0].Action)
	assert.Equal(t, domain.ActionOpenLong, history[1].Action)
	assert.Len(t, f.gate.History(1), 1)

	stats := f.gate.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByAction[domain.ActionSkip])
	assert.Equal(t, 1, stats.ByAction[domain.ActionOpenLong])
	assert.Equal(t, 1, stats.ByAction[domain.ActionClose])
	assert.Equal(t, domain.ActionClose, stats.LastAction)
	assert.Greater(t, stats.TotalFees, 0.0)
}

func TestSignalGate_UpdateThresholds(t *testing.T) {
	f := newGateFixture(t, noCooldown())

	strict := noCooldown()
	strict.MinStrength = 90
	require.NoError(t, f.gate.UpdateThresholds(strict))

	rec, _ := f.gate.Process(context.Background(), sig(domain.DirectionLong, 80), 100)
	assert.Equal(t, "Signal strength too low", rec.Reason)

	bad := noCooldown()
	bad.MaxPositionPct = 0
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, f.gate.UpdateThresholds(bad), &cfgErr)
	assert.Equal(t, 90.0, f.gate.Config().MinStrength)
}
