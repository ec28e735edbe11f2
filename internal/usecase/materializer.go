package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/id"
	"go.uber.org/zap"
)

const (
	MinOrderValueUSD = 10.0
	DustSize         = 0.0001

	maintenanceMarginRate = 0.005
	ledgerTolerance       = 1e-6
)

// LevelMargin is the margin committed by one grid level.
func LevelMargin(cfg domain.GridConfig) float64 {
	if cfg.FixedLevelSizeUSD > 0 {
		return cfg.FixedLevelSizeUSD
	}
	if cfg.MaxPositions < 1 {
		return 0
	}
	return cfg.ActiveCapital() / float64(cfg.MaxPositions)
}

// LevelNotional is the order value of one grid level, floored at the venue
// minimum.
func LevelNotional(cfg domain.GridConfig) float64 {
	lev := cfg.Leverage
	if lev < 1 {
		lev = 1
	}
	return math.Max(LevelMargin(cfg)*float64(lev), MinOrderValueUSD)
}

// OpenRequest asks the materializer for a new real position. Zero
// DesiredSizeUSD means the per-level default, zero Leverage the grid's.
type OpenRequest struct {
	Side           domain.Side
	Price          float64
	DesiredSizeUSD float64
	Leverage       int
	LevelID        string
	Origin         domain.PositionOrigin
}

// PositionMaterializer is the single authority over real positions and the
// capital ledger of one symbol.
type PositionMaterializer struct {
	cfg         domain.GridConfig
	costs       *CostModel
	executor    *TradeExecutor
	leverageCap int
	logger      *zap.Logger
	now         func() time.Time

	mu              sync.Mutex
	positions       map[string]*domain.RealPosition
	reservedSlots   int
	reservedMargin  float64
	committedMargin float64
	realizedPnL     float64
	fees            float64
}

type MaterializerOption func(*PositionMaterializer)

func WithMaterializerClock(now func() time.Time) MaterializerOption {
	return func(m *PositionMaterializer) { m.now = now }
}

func NewPositionMaterializer(cfg domain.GridConfig, costs *CostModel, executor *TradeExecutor, leverageCap int, logger *zap.Logger, opts ...MaterializerOption) *PositionMaterializer {
	m := &PositionMaterializer{
		cfg:         cfg.WithDefaults(),
		costs:       costs,
		executor:    executor,
		leverageCap: leverageCap,
		logger:      logger.With(zap.String("symbol", cfg.Symbol), zap.String("component", "materializer")),
		now:         time.Now,
		positions:   make(map[string]*domain.RealPosition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EffectiveLeverage clamps a requested leverage to the grid and symbol caps.
func (m *PositionMaterializer) EffectiveLeverage(requested int) (int, error) {
	if m.leverageCap < 1 {
		return 0, domain.Reject(domain.RejectLeverageLimit, "%s allows no leverage", m.cfg.Symbol)
	}
	lev := requested
	if lev <= 0 || lev > m.cfg.Leverage {
		lev = m.cfg.Leverage
	}
	if lev > m.leverageCap {
		lev = m.leverageCap
	}
	return lev, nil
}

// TryOpen sizes, reserves and places a new position. The slot and margin are
// reserved under the lock before the venue call and released if it fails, so
// concurrent callers can never overshoot MaxPositions or the active capital.
func (m *PositionMaterializer) TryOpen(ctx context.Context, req OpenRequest) (*domain.RealPosition, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: open at non-positive price %f", domain.ErrInvalidCostInput, req.Price)
	}
	if req.Side != domain.SideLong && req.Side != domain.SideShort {
		return nil, fmt.Errorf("open: invalid side %q", req.Side)
	}

	m.mu.Lock()
	lev, err := m.EffectiveLeverage(req.Leverage)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if len(m.positions)+m.reservedSlots >= m.cfg.MaxPositions {
		m.mu.Unlock()
		return nil, domain.Reject(domain.RejectMaxPositions, "%d of %d in use", len(m.positions)+m.reservedSlots, m.cfg.MaxPositions)
	}

	notional := req.DesiredSizeUSD
	if notional <= 0 {
		notional = math.Max(LevelMargin(m.cfg)*float64(lev), MinOrderValueUSD)
	}
	margin := notional / float64(lev)
	if available := m.availableLocked(); margin > available {
		margin = math.Max(available, 0)
		notional = margin * float64(lev)
	}
	if notional < MinOrderValueUSD {
		m.mu.Unlock()
		return nil, domain.Reject(domain.RejectBelowMinimumOrder, "$%.2f < $%.2f", notional, MinOrderValueUSD)
	}

	quote, err := m.costs.Quote(notional, req.Side.EntryOrderSide(), true, req.Price, 0)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	size := notional / quote.EffectivePrice

	m.reservedSlots++
	m.reservedMargin += margin
	m.mu.Unlock()

	fill, placeErr := m.executor.Open(ctx, m.cfg.Symbol, req.Side, size, lev)

	m.mu.Lock()
	m.reservedSlots--
	m.reservedMargin -= margin
	if placeErr != nil {
		m.mu.Unlock()
		m.logger.Warn("Order placement failed", zap.String("side", string(req.Side)), zap.Float64("size", size), zap.Error(placeErr))
		return nil, domain.Reject(domain.RejectOrderPlacement, "%v", placeErr)
	}

	entry := fill.FilledPrice
	sizeUSD := fill.FilledSize * entry
	entryFee := sizeUSD * m.costs.Config().TakerFeeRate
	pos := &domain.RealPosition{
		ID:               id.WithPrefix("pos"),
		Symbol:           m.cfg.Symbol,
		Side:             req.Side,
		Size:             fill.FilledSize,
		SizeUSD:          sizeUSD,
		EntryPrice:       entry,
		CurrentPrice:     entry,
		Leverage:         lev,
		MarginUsed:       margin,
		StopLoss:         protectivePrice(req.Side, entry, -m.cfg.StopLossPct),
		TakeProfit:       protectivePrice(req.Side, entry, m.cfg.TakeProfitPct),
		EntryTime:        m.now(),
		EntryFee:         entryFee,
		LiquidationPrice: liquidationPrice(req.Side, entry, lev),
		LevelID:          req.LevelID,
		Origin:           req.Origin,
	}
	m.positions[pos.ID] = pos
	m.committedMargin += margin
	m.fees += entryFee
	out := *pos
	legStop, legTake := m.legProtectionLocked(req.Side)
	m.mu.Unlock()

	m.logger.Info("Position opened",
		zap.String("position", pos.ID),
		zap.String("side", string(pos.Side)),
		zap.String("origin", string(pos.Origin)),
		zap.String("level", pos.LevelID),
		zap.Float64("entry", entry),
		zap.Float64("size", pos.Size),
		zap.Float64("margin", margin),
		zap.Int("leverage", lev))

	if legStop > 0 || legTake > 0 {
		m.executor.Protect(ctx, m.cfg.Symbol, req.Side, legStop, legTake)
	}
	return &out, nil
}

// legProtectionLocked returns the venue stop and take profit for the whole
// leg of side: the widest of its positions' levels. They only trigger once
// every position of the leg has crossed its own level, so the venue never
// closes a position that is still open here.
func (m *PositionMaterializer) legProtectionLocked(side domain.Side) (stop, take float64) {
	sign := side.Sign()
	for _, p := range m.positions {
		if p.Side != side {
			continue
		}
		if p.StopLoss > 0 && (stop == 0 || p.StopLoss*sign < stop*sign) {
			stop = p.StopLoss
		}
		if p.TakeProfit > 0 && (take == 0 || p.TakeProfit*sign > take*sign) {
			take = p.TakeProfit
		}
	}
	return stop, take
}

// protectivePrice offsets price by pct in the profit direction of side;
// a negative pct is an adverse offset. Zero pct disables the order.
func protectivePrice(side domain.Side, price, pct float64) float64 {
	if pct == 0 {
		return 0
	}
	return price * (1 + side.Sign()*pct/100)
}

func liquidationPrice(side domain.Side, entry float64, leverage int) float64 {
	if leverage < 1 {
		return 0
	}
	return entry * (1 - side.Sign()*(1/float64(leverage)-maintenanceMarginRate))
}

// Reduce closes pct percent of a position at the venue. A residual below
// DustSize closes the position fully.
func (m *PositionMaterializer) Reduce(ctx context.Context, positionID string, pct, exitPrice float64, reason string) (*domain.TradeRecord, error) {
	if pct <= 0 || pct > 100 {
		return nil, fmt.Errorf("reduce %s: percentage %.2f out of (0, 100]", positionID, pct)
	}

	m.mu.Lock()
	p, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("reduce %s: %w", positionID, domain.ErrPositionNotFound)
	}
	closeSize := p.Size * pct / 100
	if p.Size-closeSize < DustSize {
		closeSize = p.Size
	}
	side := p.Side
	m.mu.Unlock()

	fill, err := m.executor.Reduce(ctx, m.cfg.Symbol, side, closeSize)
	if err != nil {
		m.logger.Warn("Reduce order failed", zap.String("position", positionID), zap.Error(err))
		return nil, domain.Reject(domain.RejectOrderPlacement, "%v", err)
	}
	if fill.FilledPrice > 0 {
		exitPrice = fill.FilledPrice
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok = m.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("reduce %s: %w", positionID, domain.ErrPositionNotFound)
	}
	return m.settleLocked(p, math.Min(closeSize, p.Size), exitPrice, reason), nil
}

// Close fully closes a position at the venue.
func (m *PositionMaterializer) Close(ctx context.Context, positionID string, exitPrice float64, reason string) (*domain.TradeRecord, error) {
	return m.Reduce(ctx, positionID, 100, exitPrice, reason)
}

func (m *PositionMaterializer) settleLocked(p *domain.RealPosition, closeSize, exitPrice float64, reason string) *domain.TradeRecord {
	full := p.Size-closeSize < DustSize
	if full {
		closeSize = p.Size
	}
	fraction := closeSize / p.Size

	gross := (exitPrice - p.EntryPrice) * closeSize * p.Side.Sign()
	exitFee := closeSize * exitPrice * m.costs.Config().TakerFeeRate
	entryFeeShare := p.EntryFee * fraction
	releasedMargin := p.MarginUsed * fraction

	m.realizedPnL += gross
	m.fees += exitFee
	m.committedMargin -= releasedMargin

	trade := &domain.TradeRecord{
		ID:          id.WithPrefix("trd"),
		PositionID:  p.ID,
		LevelID:     p.LevelID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		ClosedSize:  closeSize,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		GrossPnL:    gross,
		Fees:        entryFeeShare + exitFee,
		RealizedPnL: gross - entryFeeShare - exitFee,
		Reason:      reason,
		FullyClosed: full,
		ClosedAt:    m.now(),
	}

	if full {
		delete(m.positions, p.ID)
		if len(m.positions) == 0 {
			m.committedMargin = 0
		}
	} else {
		p.Size -= closeSize
		p.SizeUSD = p.Size * p.EntryPrice
		p.MarginUsed -= releasedMargin
		p.EntryFee -= entryFeeShare
		m.markLocked(p, exitPrice)
	}

	m.logger.Info("Position reduced",
		zap.String("position", p.ID),
		zap.String("reason", reason),
		zap.Float64("closed_size", closeSize),
		zap.Float64("exit", exitPrice),
		zap.Float64("realized_pnl", trade.RealizedPnL),
		zap.Bool("fully_closed", full))
	return trade
}

func (m *PositionMaterializer) markLocked(p *domain.RealPosition, price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Size * p.Side.Sign()
	if p.MarginUsed > 0 {
		p.UnrealizedPnLPct = p.UnrealizedPnL / p.MarginUsed * 100
	}
}

type protectiveExit struct {
	positionID string
	side       domain.Side
	size       float64
	trigger    float64
	reason     string
}

// RefreshPrice marks every position to price and closes the positions whose
// stop loss or take profit was reached with reduce-only market orders. A
// failed exit leaves the position open for the next tick. When the venue leg
// is already flat its own protective order executed, and the position settles
// at the trigger price.
func (m *PositionMaterializer) RefreshPrice(ctx context.Context, price float64) []*domain.TradeRecord {
	m.mu.Lock()
	var exits []protectiveExit
	for _, p := range m.sortedLocked() {
		m.markLocked(p, price)

		switch {
		case p.StopLoss > 0 && (price-p.StopLoss)*p.Side.Sign() <= 0:
			exits = append(exits, protectiveExit{p.ID, p.Side, p.Size, p.StopLoss, "stop_loss"})
		case p.TakeProfit > 0 && (price-p.TakeProfit)*p.Side.Sign() >= 0:
			exits = append(exits, protectiveExit{p.ID, p.Side, p.Size, p.TakeProfit, "take_profit"})
		}
	}
	m.mu.Unlock()

	var trades []*domain.TradeRecord
	for _, exit := range exits {
		exitPrice, size := exit.trigger, exit.size
		fill, err := m.executor.Reduce(ctx, m.cfg.Symbol, exit.side, exit.size)
		switch {
		case err == nil:
			exitPrice, size = fill.FilledPrice, fill.FilledSize
		case errors.Is(err, domain.ErrNothingToReduce):
			m.logger.Warn("Venue leg already flat, settling at trigger",
				zap.String("position", exit.positionID), zap.String("reason", exit.reason), zap.Float64("trigger", exit.trigger))
		default:
			m.logger.Warn("Protective exit failed, retrying on next price",
				zap.String("position", exit.positionID), zap.String("reason", exit.reason), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if p, ok := m.positions[exit.positionID]; ok {
			trades = append(trades, m.settleLocked(p, math.Min(size, p.Size), exitPrice, exit.reason))
		}
		m.mu.Unlock()
	}
	return trades
}

// CloseAll flattens the symbol at the venue and settles every position at
// price. The venue is flattened even when nothing is open here.
func (m *PositionMaterializer) CloseAll(ctx context.Context, price float64, reason string) ([]*domain.TradeRecord, error) {
	if err := m.executor.CloseAll(ctx, m.cfg.Symbol); err != nil {
		return nil, domain.Reject(domain.RejectOrderPlacement, "%v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var trades []*domain.TradeRecord
	for _, p := range m.sortedLocked() {
		trades = append(trades, m.settleLocked(p, p.Size, price, reason))
	}
	return trades, nil
}

func (m *PositionMaterializer) sortedLocked() []*domain.RealPosition {
	out := make([]*domain.RealPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// Positions returns copies of the open positions, oldest first.
func (m *PositionMaterializer) Positions() []*domain.RealPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	out := make([]*domain.RealPosition, len(sorted))
	for i, p := range sorted {
		cp := *p
		out[i] = &cp
	}
	return out
}

func (m *PositionMaterializer) PositionsByOrigin(origin domain.PositionOrigin) []*domain.RealPosition {
	var out []*domain.RealPosition
	for _, p := range m.Positions() {
		if p.Origin == origin {
			out = append(out, p)
		}
	}
	return out
}

func (m *PositionMaterializer) Position(positionID string) (*domain.RealPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// OuterPositions returns the lowest and highest entry-price positions, one
// position when the list holds a single entry.
func OuterPositions(list []*domain.RealPosition) []*domain.RealPosition {
	if len(list) == 0 {
		return nil
	}
	low, high := list[0], list[0]
	for _, p := range list[1:] {
		if p.EntryPrice < low.EntryPrice {
			low = p
		}
		if p.EntryPrice > high.EntryPrice {
			high = p
		}
	}
	if low == high {
		return []*domain.RealPosition{low}
	}
	return []*domain.RealPosition{low, high}
}

// TopPosition is the highest entry-price position.
func TopPosition(list []*domain.RealPosition) *domain.RealPosition {
	outer := OuterPositions(list)
	if len(outer) == 0 {
		return nil
	}
	return outer[len(outer)-1]
}

// BottomPosition is the lowest entry-price position.
func BottomPosition(list []*domain.RealPosition) *domain.RealPosition {
	outer := OuterPositions(list)
	if len(outer) == 0 {
		return nil
	}
	return outer[0]
}

// ExposureBias aggregates long and short notional and names the lighter side.
func ExposureBias(list []*domain.RealPosition) domain.ExposureBias {
	var b domain.ExposureBias
	for _, p := range list {
		if p.Side == domain.SideLong {
			b.LongUSD += p.Notional()
		} else {
			b.ShortUSD += p.Notional()
		}
	}
	total := b.LongUSD + b.ShortUSD
	if total == 0 {
		return b
	}
	b.ImbalancePct = math.Abs(b.LongUSD-b.ShortUSD) / total * 100
	switch {
	case b.LongUSD < b.ShortUSD:
		b.Underweight = domain.SideLong
	case b.ShortUSD < b.LongUSD:
		b.Underweight = domain.SideShort
	}
	return b
}

// Balance is the investment plus realized P&L net of all fees paid.
func (m *PositionMaterializer) Balance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked()
}

func (m *PositionMaterializer) balanceLocked() float64 {
	return m.cfg.TotalInvestment + m.realizedPnL - m.fees
}

// Equity is the balance plus unrealized P&L.
func (m *PositionMaterializer) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	eq := m.balanceLocked()
	for _, p := range m.positions {
		eq += p.UnrealizedPnL
	}
	return eq
}

func (m *PositionMaterializer) CommittedMargin() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedMargin
}

// AvailableCapital is the active capital not committed or reserved.
func (m *PositionMaterializer) AvailableCapital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked()
}

func (m *PositionMaterializer) availableLocked() float64 {
	return m.cfg.ActiveCapital() - m.committedMargin - m.reservedMargin
}

func (m *PositionMaterializer) RealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedPnL
}

func (m *PositionMaterializer) TotalFees() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fees
}

// CheckInvariants verifies the position pool against the ledger.
func (m *PositionMaterializer) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.positions) + m.reservedSlots; n > m.cfg.MaxPositions {
		return domain.Violation("materializer", "%d positions exceed max %d", n, m.cfg.MaxPositions)
	}
	var sum float64
	for _, p := range m.positions {
		if p.Size <= 0 {
			return domain.Violation("materializer", "position %s has size %f", p.ID, p.Size)
		}
		if p.MarginUsed < 0 {
			return domain.Violation("materializer", "position %s has negative margin", p.ID)
		}
		sum += p.MarginUsed
	}
	if math.Abs(sum-m.committedMargin) > ledgerTolerance {
		return domain.Violation("materializer", "committed margin %.6f != position margin %.6f", m.committedMargin, sum)
	}
	if m.committedMargin+m.reservedMargin > m.cfg.ActiveCapital()+ledgerTolerance {
		return domain.Violation("materializer", "margin %.2f exceeds active capital %.2f", m.committedMargin+m.reservedMargin, m.cfg.ActiveCapital())
	}
	return nil
}
