package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"github.com/vitos/crypto_virtual_grid/internal/id"
	"go.uber.org/zap"
)

// DefaultConfirmationThreshold is the strength an opposing signal needs to
// close an existing signal position.
const DefaultConfirmationThreshold = 70.0

const (
	DefaultHistorySize = 100
	seenSignalCapacity = 1024
)

// Skip reasons reported in execution records.
const (
	ReasonBadStrength    = "Signal strength out of range"
	ReasonNeutral        = "Neutral signal"
	ReasonTooWeak        = "Signal strength too low"
	ReasonLowUrgency     = "Signal urgency too low"
	ReasonCooldown       = "Cooldown active"
	ReasonDuplicate      = "Duplicate signal"
	ReasonInPosition     = "Already in position"
	ReasonNothingToClose = "No position to close"
	ReasonUnsafe         = "Safety check failed"
)

type SignalConfig struct {
	MinStrength           float64        `yaml:"min_strength"`
	MinUrgency            domain.Urgency `yaml:"min_urgency"`
	Cooldown              time.Duration  `yaml:"cooldown"`
	MaxPositionPct        float64        `yaml:"max_position_pct"`
	ConfirmationThreshold float64        `yaml:"confirmation_threshold"`
	HistorySize           int            `yaml:"history_size"`
	Leverage              int            `yaml:"leverage"`
}

func DefaultSignalConfig() SignalConfig {
	return SignalConfig{
		MinStrength:           60,
		MinUrgency:            domain.UrgencyLow,
		Cooldown:              time.Minute,
		MaxPositionPct:        10,
		ConfirmationThreshold: DefaultConfirmationThreshold,
		HistorySize:           DefaultHistorySize,
		Leverage:              1,
	}
}

func (c SignalConfig) Validate() error {
	switch {
	case c.MinStrength < 0 || c.MinStrength > 100:
		return &domain.ConfigurationError{Field: "signals.min_strength", Reason: "must be in [0, 100]"}
	case c.MinUrgency != "" && c.MinUrgency.Level() == 0:
		return &domain.ConfigurationError{Field: "signals.min_urgency", Reason: fmt.Sprintf("unknown urgency %q", c.MinUrgency)}
	case c.Cooldown < 0:
		return &domain.ConfigurationError{Field: "signals.cooldown", Reason: "must not be negative"}
	case c.MaxPositionPct <= 0 || c.MaxPositionPct > 100:
		return &domain.ConfigurationError{Field: "signals.max_position_pct", Reason: "must be in (0, 100]"}
	case c.ConfirmationThreshold < 0 || c.ConfirmationThreshold > 100:
		return &domain.ConfigurationError{Field: "signals.confirmation_threshold", Reason: "must be in [0, 100]"}
	case c.HistorySize < 0:
		return &domain.ConfigurationError{Field: "signals.history_size", Reason: "must not be negative"}
	case c.Leverage < 0:
		return &domain.ConfigurationError{Field: "signals.leverage", Reason: "must not be negative"}
	}
	return nil
}

// PositionBook is the part of the materializer the gate acts through.
type PositionBook interface {
	PositionsByOrigin(origin domain.PositionOrigin) []*domain.RealPosition
	Balance() float64
	Equity() float64
	TryOpen(ctx context.Context, req OpenRequest) (*domain.RealPosition, error)
	Close(ctx context.Context, positionID string, exitPrice float64, reason string) (*domain.TradeRecord, error)
}

// SignalGate turns signals into at most one signal-origin position per
// symbol. It never pyramids.
type SignalGate struct {
	symbol string
	costs  *CostModel
	book   PositionBook
	safety domain.SafetyChecker
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	cfg           SignalConfig
	lastExecution map[string]time.Time
	seen          map[string]struct{}
	seenOrder     []string
	history       []domain.ExecutionRecord // most recent first
	stats         domain.GateStats
}

type GateOption func(*SignalGate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *SignalGate) { g.now = now }
}

func NewSignalGate(symbol string, cfg SignalConfig, costs *CostModel, book PositionBook, safety domain.SafetyChecker, logger *zap.Logger, opts ...GateOption) *SignalGate {
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	g := &SignalGate{
		symbol:        symbol,
		costs:         costs,
		book:          book,
		safety:        safety,
		logger:        logger.With(zap.String("symbol", symbol), zap.String("component", "signals")),
		now:           time.Now,
		cfg:           cfg,
		lastExecution: make(map[string]time.Time),
		seen:          make(map[string]struct{}),
		stats:         domain.GateStats{ByAction: make(map[domain.Action]int)},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// UpdateThresholds swaps the thresholds used for subsequent signals.
func (g *SignalGate) UpdateThresholds(cfg SignalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	g.mu.Lock()
	g.cfg = cfg
	g.trimHistoryLocked()
	g.mu.Unlock()
	g.logger.Info("Signal thresholds updated",
		zap.Float64("min_strength", cfg.MinStrength),
		zap.String("min_urgency", string(cfg.MinUrgency)),
		zap.Duration("cooldown", cfg.Cooldown),
		zap.Float64("confirmation_threshold", cfg.ConfirmationThreshold))
	return nil
}

func (g *SignalGate) Config() SignalConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// Process runs one signal through safety, cooldown and evaluation. Every
// outcome is recorded. The trade is non-nil when a position was closed.
func (g *SignalGate) Process(ctx context.Context, sig domain.Signal, price float64) (domain.ExecutionRecord, *domain.TradeRecord) {
	g.mu.Lock()
	cfg := g.cfg
	g.mu.Unlock()

	if price <= 0 {
		price = sig.Price
	}
	rec := domain.ExecutionRecord{ID: id.WithPrefix("exe"), Signal: sig}

	if g.safety != nil {
		res, err := g.safety.CheckSafety(ctx, g.book.Equity())
		if err != nil {
			return g.finish(rec, domain.ActionError, fmt.Sprintf("safety check: %v", err)), nil
		}
		if !res.Safe {
			reason := res.Reason
			if reason == "" {
				reason = ReasonUnsafe
			}
			return g.finish(rec, domain.ActionSkip, reason), nil
		}
	}

	g.mu.Lock()
	last, ok := g.lastExecution[sig.Symbol]
	if ok && g.now().Sub(last) < cfg.Cooldown {
		g.mu.Unlock()
		return g.finish(rec, domain.ActionSkip, ReasonCooldown), nil
	}
	if sig.ID != "" {
		if _, dup := g.seen[sig.ID]; dup {
			g.mu.Unlock()
			return g.finish(rec, domain.ActionSkip, ReasonDuplicate), nil
		}
		g.rememberLocked(sig.ID)
	}
	g.mu.Unlock()

	return g.evaluate(ctx, cfg, rec, price)
}

func (g *SignalGate) evaluate(ctx context.Context, cfg SignalConfig, rec domain.ExecutionRecord, price float64) (domain.ExecutionRecord, *domain.TradeRecord) {
	sig := rec.Signal
	side, directional := sig.Direction.Side()

	if !sig.StrengthValid() {
		return g.finish(rec, domain.ActionSkip, ReasonBadStrength), nil
	}

	var existing *domain.RealPosition
	if open := g.book.PositionsByOrigin(domain.OriginSignal); len(open) > 0 {
		existing = open[0]
	}

	// A protective hit reports an exit that already happened at the venue
	// and is not subject to the entry thresholds.
	if sig.Type == domain.SignalStopLossHit || sig.Type == domain.SignalTakeProfitHit {
		if existing == nil {
			return g.finish(rec, domain.ActionSkip, ReasonNothingToClose), nil
		}
		return g.close(ctx, rec, existing, price, string(sig.Type))
	}

	if !directional {
		return g.finish(rec, domain.ActionSkip, ReasonNeutral), nil
	}
	if sig.Strength < cfg.MinStrength {
		return g.finish(rec, domain.ActionSkip, ReasonTooWeak), nil
	}
	if cfg.MinUrgency != "" && sig.Urgency.Level() < cfg.MinUrgency.Level() {
		return g.finish(rec, domain.ActionSkip, ReasonLowUrgency), nil
	}

	switch {
	case existing != nil && existing.Side != side && sig.Strength >= cfg.ConfirmationThreshold:
		return g.close(ctx, rec, existing, price, "Opposing signal confirmed")
	case existing != nil:
		return g.finish(rec, domain.ActionSkip, ReasonInPosition), nil
	}
	return g.open(ctx, cfg, rec, side, price)
}

func (g *SignalGate) open(ctx context.Context, cfg SignalConfig, rec domain.ExecutionRecord, side domain.Side, price float64) (domain.ExecutionRecord, *domain.TradeRecord) {
	lev := cfg.Leverage
	if lev < 1 {
		lev = 1
	}
	budget := g.book.Balance() * cfg.MaxPositionPct / 100 * rec.Signal.Strength / 100
	notional := budget * float64(lev)

	if _, err := g.costs.Quote(notional, side.EntryOrderSide(), true, price, 0); err != nil {
		return g.finish(rec, domain.ActionError, err.Error()), nil
	}

	pos, err := g.book.TryOpen(ctx, OpenRequest{
		Side:           side,
		Price:          price,
		DesiredSizeUSD: notional,
		Leverage:       lev,
		Origin:         domain.OriginSignal,
	})
	if err != nil {
		var rej *domain.RejectedError
		if errors.As(err, &rej) && rej.Reason != domain.RejectOrderPlacement {
			return g.finish(rec, domain.ActionSkip, rej.Reason.Text()), nil
		}
		return g.finish(rec, domain.ActionError, err.Error()), nil
	}

	action := domain.ActionOpenLong
	if side == domain.SideShort {
		action = domain.ActionOpenShort
	}
	rec.TradeID = pos.ID
	rec.ExecutedPrice = pos.EntryPrice
	rec.ExecutedSize = pos.Size
	rec.Fees = pos.EntryFee
	g.markExecuted(rec.Signal.Symbol)
	return g.finish(rec, action, fmt.Sprintf("Opened %s at strength %.0f", side, rec.Signal.Strength)), nil
}

func (g *SignalGate) close(ctx context.Context, rec domain.ExecutionRecord, pos *domain.RealPosition, price float64, reason string) (domain.ExecutionRecord, *domain.TradeRecord) {
	trade, err := g.book.Close(ctx, pos.ID, price, reason)
	if err != nil {
		return g.finish(rec, domain.ActionError, err.Error()), nil
	}
	rec.TradeID = trade.ID
	rec.ExecutedPrice = trade.ExitPrice
	rec.ExecutedSize = trade.ClosedSize
	rec.Fees = trade.Fees
	g.markExecuted(rec.Signal.Symbol)
	return g.finish(rec, domain.ActionClose, reason), trade
}

func (g *SignalGate) markExecuted(symbol string) {
	g.mu.Lock()
	g.lastExecution[symbol] = g.now()
	g.mu.Unlock()
}

func (g *SignalGate) rememberLocked(signalID string) {
	g.seen[signalID] = struct{}{}
	g.seenOrder = append(g.seenOrder, signalID)
	if len(g.seenOrder) > seenSignalCapacity {
		delete(g.seen, g.seenOrder[0])
		g.seenOrder = g.seenOrder[1:]
	}
}

func (g *SignalGate) finish(rec domain.ExecutionRecord, action domain.Action, reason string) domain.ExecutionRecord {
	rec.Action = action
	rec.Reason = reason

	g.mu.Lock()
	rec.CreatedAt = g.now()
	g.history = append([]domain.ExecutionRecord{rec}, g.history...)
	g.trimHistoryLocked()
	g.stats.Total++
	g.stats.ByAction[action]++
	g.stats.TotalFees += rec.Fees
	g.stats.LastSignal = rec.CreatedAt
	g.stats.LastAction = action
	g.mu.Unlock()

	fields := []zap.Field{
		zap.String("signal", rec.Signal.ID),
		zap.String("direction", string(rec.Signal.Direction)),
		zap.Float64("strength", rec.Signal.Strength),
		zap.String("action", string(action)),
		zap.String("reason", reason),
	}
	switch action {
	case domain.ActionError:
		g.logger.Error("Signal execution failed", fields...)
	case domain.ActionSkip:
		g.logger.Debug("Signal skipped", fields...)
	default:
		g.logger.Info("Signal executed", fields...)
	}
	return rec
}

func (g *SignalGate) trimHistoryLocked() {
	if len(g.history) > g.cfg.HistorySize {
		g.history = g.history[:g.cfg.HistorySize]
	}
}

// History returns up to limit records, most recent first. A non-positive
// limit returns everything kept.
func (g *SignalGate) History(limit int) []domain.ExecutionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.history)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]domain.ExecutionRecord(nil), g.history[:n]...)
}

func (g *SignalGate) Stats() domain.GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.stats
	out.ByAction = make(map[domain.Action]int, len(g.stats.ByAction))
	for k, v := range g.stats.ByAction {
		out.ByAction[k] = v
	}
	return out
}
