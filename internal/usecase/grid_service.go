package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultLeverageCap = 25

type ServiceConfig struct {
	Costs              CostConfig
	Signals            SignalConfig
	Safety             SafetyConfig
	LeverageCaps       map[string]int
	DefaultLeverageCap int
	OrderTimeout       time.Duration
	QueueSize          int
}

// GridSnapshot is a read-only view of one running grid.
type GridSnapshot struct {
	Symbol           string                 `json:"symbol"`
	Center           float64                `json:"center"`
	Running          bool                   `json:"running"`
	Error            string                 `json:"error,omitempty"`
	Config           domain.GridConfig      `json:"config"`
	Health           domain.GridHealth      `json:"health"`
	NearestAbove     []domain.VirtualLevel  `json:"nearest_above"`
	NearestBelow     []domain.VirtualLevel  `json:"nearest_below"`
	Positions        []*domain.RealPosition `json:"positions"`
	Exposure         domain.ExposureBias    `json:"exposure"`
	Balance          float64                `json:"balance"`
	Equity           float64                `json:"equity"`
	CommittedMargin  float64                `json:"committed_margin"`
	AvailableCapital float64                `json:"available_capital"`
	RealizedPnL      float64                `json:"realized_pnl"`
	Fees             float64                `json:"fees"`
	Signals          domain.GateStats       `json:"signals"`
	Worker           WorkerStats            `json:"worker"`
}

// GridService runs one SymbolWorker per symbol. Symbols are independent and
// run in parallel.
type GridService struct {
	cfg     ServiceConfig
	costs   *CostModel
	placer  domain.OrderPlacer
	repo    domain.TradeRepository
	safety  domain.SafetyChecker
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	workers map[string]*SymbolWorker
}

type ServiceOption func(*GridService)

// WithSafetyChecker shares one checker across all grids instead of a
// SafetyGuard per grid.
func WithSafetyChecker(c domain.SafetyChecker) ServiceOption {
	return func(s *GridService) { s.safety = c }
}

func WithMetrics(m Metrics) ServiceOption {
	return func(s *GridService) { s.metrics = m }
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *GridService) { s.now = now }
}

func NewGridService(cfg ServiceConfig, placer domain.OrderPlacer, repo domain.TradeRepository, logger *zap.Logger, opts ...ServiceOption) *GridService {
	if cfg.DefaultLeverageCap == 0 {
		cfg.DefaultLeverageCap = DefaultLeverageCap
	}
	s := &GridService{
		cfg:     cfg,
		costs:   NewCostModel(cfg.Costs),
		placer:  placer,
		repo:    repo,
		metrics: NopMetrics{},
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]*SymbolWorker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GridService) Costs() *CostModel { return s.costs }

// LeverageCap is the venue leverage limit for a symbol.
func (s *GridService) LeverageCap(symbol string) int {
	if c, ok := s.cfg.LeverageCaps[symbol]; ok {
		return c
	}
	return s.cfg.DefaultLeverageCap
}

// StartGrid validates cfg and starts its worker. The worker lives until ctx
// is cancelled or the grid is stopped.
func (s *GridService) StartGrid(ctx context.Context, cfg domain.GridConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[cfg.Symbol]; ok {
		return fmt.Errorf("start %s: %w", cfg.Symbol, domain.ErrGridExists)
	}

	// The cost gate sizes levels at the leverage the venue will grant.
	gated := cfg
	if c := s.LeverageCap(cfg.Symbol); c >= 1 && c < cfg.Leverage {
		gated.Leverage = c
	}
	engine, err := NewVirtualGridEngine(gated, s.costs, s.logger, WithEngineClock(s.now))
	if err != nil {
		return err
	}
	executor := NewTradeExecutor(s.placer, s.cfg.OrderTimeout, s.logger.With(zap.String("symbol", cfg.Symbol)))
	book := NewPositionMaterializer(cfg, s.costs, executor, s.LeverageCap(cfg.Symbol), s.logger, WithMaterializerClock(s.now))

	safety := s.safety
	if safety == nil {
		safety = NewSafetyGuard(s.cfg.Safety)
	}
	signals := s.cfg.Signals
	if signals.Leverage == 0 {
		signals.Leverage = 1
	}
	gate := NewSignalGate(cfg.Symbol, signals, s.costs, book, safety, s.logger, WithGateClock(s.now))

	w := NewSymbolWorker(cfg, WorkerDeps{
		Engine:    engine,
		Book:      book,
		Gate:      gate,
		Repo:      s.repo,
		Metrics:   s.metrics,
		Logger:    s.logger,
		QueueSize: s.cfg.QueueSize,
		Clock:     s.now,
	})
	w.Start(ctx)
	s.workers[cfg.Symbol] = w

	s.logger.Info("Grid started",
		zap.String("symbol", cfg.Symbol),
		zap.Float64("center", cfg.CenterPrice),
		zap.Float64("spacing_pct", cfg.GridSpacingPct),
		zap.Int("max_positions", cfg.MaxPositions))
	return nil
}

func (s *GridService) worker(symbol string) (*SymbolWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrGridNotFound)
	}
	return w, nil
}

// StopGrid stops and forgets one grid.
func (s *GridService) StopGrid(ctx context.Context, symbol string) error {
	s.mu.Lock()
	w, ok := s.workers[symbol]
	delete(s.workers, symbol)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %s: %w", symbol, domain.ErrGridNotFound)
	}
	return w.Stop(ctx)
}

func (s *GridService) SubmitTick(symbol string, price float64) error {
	w, err := s.worker(symbol)
	if err != nil {
		return err
	}
	return w.SubmitTick(price)
}

func (s *GridService) SubmitSignal(ctx context.Context, sig domain.Signal) (domain.ExecutionRecord, error) {
	w, err := s.worker(sig.Symbol)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = s.now()
	}
	return w.SubmitSignal(ctx, sig)
}

func (s *GridService) ClosePosition(ctx context.Context, symbol, positionID string) (*domain.TradeRecord, error) {
	w, err := s.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.ClosePosition(ctx, positionID)
}

// Flush waits until a symbol's queued events are applied.
func (s *GridService) Flush(ctx context.Context, symbol string) error {
	w, err := s.worker(symbol)
	if err != nil {
		return err
	}
	return w.Flush(ctx)
}

// UpdateSignalThresholds applies new thresholds to every running gate and to
// grids started later.
func (s *GridService) UpdateSignalThresholds(cfg SignalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.Signals = cfg
	workers := make([]*SymbolWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var errs error
	for _, w := range workers {
		errs = multierr.Append(errs, w.Gate().UpdateThresholds(cfg))
	}
	return errs
}

func (s *GridService) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.workers))
	for sym := range s.workers {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *GridService) Snapshot(symbol string) (GridSnapshot, error) {
	w, err := s.worker(symbol)
	if err != nil {
		return GridSnapshot{}, err
	}
	return snapshotOf(w), nil
}

func (s *GridService) Snapshots() []GridSnapshot {
	var out []GridSnapshot
	for _, sym := range s.Symbols() {
		if snap, err := s.Snapshot(sym); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Levels returns the full ladder of a symbol, highest price first.
func (s *GridService) Levels(symbol string) ([]domain.VirtualLevel, error) {
	w, err := s.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.Engine().Levels(), nil
}

// SignalHistory returns a symbol's recent signal decisions, newest first.
func (s *GridService) SignalHistory(symbol string, limit int) ([]domain.ExecutionRecord, error) {
	w, err := s.worker(symbol)
	if err != nil {
		return nil, err
	}
	return w.Gate().History(limit), nil
}

func snapshotOf(w *SymbolWorker) GridSnapshot {
	stats := w.Stats()
	price := stats.LastPrice
	if price <= 0 {
		price = w.Engine().Center()
	}
	book := w.Materializer()
	positions := book.Positions()
	above, below := w.Engine().NearestLevels(price)

	snap := GridSnapshot{
		Symbol:           w.Symbol(),
		Center:           w.Engine().Center(),
		Config:           w.Config(),
		Health:           w.Engine().Health(price),
		NearestAbove:     above,
		NearestBelow:     below,
		Positions:        positions,
		Exposure:         ExposureBias(positions),
		Balance:          book.Balance(),
		Equity:           book.Equity(),
		CommittedMargin:  book.CommittedMargin(),
		AvailableCapital: book.AvailableCapital(),
		RealizedPnL:      book.RealizedPnL(),
		Fees:             book.TotalFees(),
		Signals:          w.Gate().Stats(),
		Worker:           stats,
	}
	select {
	case <-w.Done():
	default:
		snap.Running = true
	}
	if err := w.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Stop stops every grid and aggregates their errors.
func (s *GridService) Stop(ctx context.Context) error {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*SymbolWorker)
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *SymbolWorker) {
			defer wg.Done()
			err := w.Stop(ctx)
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	s.logger.Info("Grid service stopped", zap.Int("grids", len(workers)))
	return errs
}

// GridPlan describes how a configuration would trade before it is started.
type GridPlan struct {
	Symbol            string       `json:"symbol"`
	SpacingPct        float64      `json:"spacing_pct"`
	BreakEvenPct      float64      `json:"break_even_pct"`
	NetProfitPct      float64      `json:"net_profit_pct"`
	Class             SpacingClass `json:"class"`
	Honored           bool         `json:"honored"`
	ActiveCapital     float64      `json:"active_capital"`
	LevelMargin       float64      `json:"level_margin"`
	LevelNotional     float64      `json:"level_notional"`
	EffectiveLeverage int          `json:"effective_leverage"`
	RoundTripCost     float64      `json:"round_trip_cost"`
	LowestLevel       float64      `json:"lowest_level"`
	HighestLevel      float64      `json:"highest_level"`
}

// PlanGrid evaluates a grid configuration against the cost model.
func (s *GridService) PlanGrid(cfg domain.GridConfig) (GridPlan, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return GridPlan{}, err
	}
	lev := cfg.Leverage
	if c := s.LeverageCap(cfg.Symbol); c < lev {
		lev = c
	}
	capped := cfg
	if lev >= 1 {
		capped.Leverage = lev
	}
	notional := LevelNotional(capped)
	engine, err := NewVirtualGridEngine(capped, s.costs, zap.NewNop())
	if err != nil {
		return GridPlan{}, err
	}
	engine.Generate(cfg.CenterPrice)
	health := engine.Health(cfg.CenterPrice)

	net := s.costs.NetSpacingProfitPct(cfg.GridSpacingPct, notional)
	class := s.costs.ClassifySpacing(cfg.GridSpacingPct, notional)
	return GridPlan{
		Symbol:            cfg.Symbol,
		SpacingPct:        cfg.GridSpacingPct,
		BreakEvenPct:      s.costs.MinProfitableSpacing(notional),
		NetProfitPct:      net,
		Class:             class,
		Honored:           net >= cfg.MinProfitAfterFeesPct && class != SpacingUnprofitable,
		ActiveCapital:     cfg.ActiveCapital(),
		LevelMargin:       LevelMargin(cfg),
		LevelNotional:     notional,
		EffectiveLeverage: lev,
		RoundTripCost:     s.costs.RoundTripCost(notional),
		LowestLevel:       health.LowestPrice,
		HighestLevel:      health.HighestPrice,
	}, nil
}
