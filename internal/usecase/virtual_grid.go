package usecase

import (
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
	extendUpperFactor = 1.5
	extendLowerFactor = 0.5
	nearestPerSide    = 5
	healthBandPct     = 5.0
)

// SkippedCrossing is a crossing the cost gate refused to honor.
type SkippedCrossing struct {
	Level  domain.VirtualLevel
	Reason string
}

// CrossingResult is the outcome of one DetectCrossings pass.
type CrossingResult struct {
	Crossed []domain.VirtualLevel
	Skipped []SkippedCrossing
	Rearmed int
}

// VirtualGridEngine owns the virtual ladder of one symbol. Levels are cheap;
// only crossings reach the materializer.
type VirtualGridEngine struct {
	cfg    domain.GridConfig
	costs  *CostModel
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	center float64
	above  []*domain.VirtualLevel // ascending price, rank 1..n
	below  []*domain.VirtualLevel // descending price, rank -1..-n
	byID   map[string]*domain.VirtualLevel

	honor       bool
	honorReason string
}

// EngineOption customizes a VirtualGridEngine.
type EngineOption func(*VirtualGridEngine)

// WithEngineClock replaces the wall clock used for cooldown windows.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *VirtualGridEngine) { e.now = now }
}

func NewVirtualGridEngine(cfg domain.GridConfig, costs *CostModel, logger *zap.Logger, opts ...EngineOption) (*VirtualGridEngine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &VirtualGridEngine{
		cfg:    cfg,
		costs:  costs,
		logger: logger.With(zap.String("symbol", cfg.Symbol), zap.String("component", "grid")),
		now:    time.Now,
		byID:   make(map[string]*domain.VirtualLevel),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evaluateCostGate()
	return e, nil
}

func (e *VirtualGridEngine) evaluateCostGate() {
	orderValue := LevelNotional(e.cfg)
	net := e.costs.NetSpacingProfitPct(e.cfg.GridSpacingPct, orderValue)
	class := e.costs.ClassifySpacing(e.cfg.GridSpacingPct, orderValue)

	e.honor = net >= e.cfg.MinProfitAfterFeesPct && class != SpacingUnprofitable
	if !e.honor {
		e.honorReason = domain.RejectUnprofitable.Text()
		e.logger.Warn("Grid spacing does not clear costs, crossings will be skipped",
			zap.Float64("spacing_pct", e.cfg.GridSpacingPct),
			zap.Float64("break_even_pct", e.costs.MinProfitableSpacing(orderValue)),
			zap.Float64("min_profit_after_fees_pct", e.cfg.MinProfitAfterFeesPct))
		return
	}
	if class == SpacingMarginal {
		e.logger.Warn("Grid spacing is marginal", zap.Float64("net_profit_pct", net))
	}
}

func (e *VirtualGridEngine) spacing() float64 {
	return e.cfg.GridSpacingPct / 100
}

func (e *VirtualGridEngine) priceAt(rank int) float64 {
	switch {
	case rank > 0:
		return e.center * math.Pow(1+e.spacing(), float64(rank))
	case rank < 0:
		return e.center * math.Pow(1-e.spacing(), float64(-rank))
	}
	return e.center
}

func (e *VirtualGridEngine) newLevel(rank int, at time.Time) *domain.VirtualLevel {
	side := domain.SideShort
	if rank < 0 {
		side = domain.SideLong
	}
	l := &domain.VirtualLevel{
		ID:        id.WithPrefix("lvl"),
		Price:     e.priceAt(rank),
		Side:      side,
		Rank:      rank,
		Status:    domain.LevelPending,
		CreatedAt: at,
	}
	e.byID[l.ID] = l
	return l
}

// Generate rebuilds the ladder around centerPrice with WatchDepth levels per
// side and returns it sorted by descending price.
func (e *VirtualGridEngine) Generate(centerPrice float64) []domain.VirtualLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generateLocked(centerPrice)
	return e.levelsLocked()
}

func (e *VirtualGridEngine) generateLocked(centerPrice float64) {
	now := e.now()
	e.center = centerPrice
	e.byID = make(map[string]*domain.VirtualLevel, 2*e.cfg.WatchDepth)
	e.above = make([]*domain.VirtualLevel, 0, e.cfg.WatchDepth)
	e.below = make([]*domain.VirtualLevel, 0, e.cfg.WatchDepth)
	for i := 1; i <= e.cfg.WatchDepth; i++ {
		e.above = append(e.above, e.newLevel(i, now))
		e.below = append(e.below, e.newLevel(-i, now))
	}
	e.logger.Info("Virtual grid generated",
		zap.Float64("center", centerPrice),
		zap.Int("levels", len(e.above)+len(e.below)))
}

// DetectCrossings marks every pending level reached by currentPrice as
// filled. Cooldown levels whose window elapsed are re-armed first and may
// cross in the same pass. Not idempotent: call once per price tick.
func (e *VirtualGridEngine) DetectCrossings(currentPrice float64) CrossingResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var res CrossingResult

	visit := func(l *domain.VirtualLevel) {
		if l.Status == domain.LevelCooldown {
			if now.Sub(l.LastClosedAt) < e.cfg.LevelCooldown {
				return
			}
			l.Status = domain.LevelPending
			res.Rearmed++
			e.logger.Debug("Level re-armed after cooldown", zap.String("level", l.ID), zap.Float64("price", l.Price))
		}
		if l.Status != domain.LevelPending {
			return
		}

		crossed := (l.Side == domain.SideShort && currentPrice >= l.Price) ||
			(l.Side == domain.SideLong && currentPrice <= l.Price)
		if !crossed {
			return
		}
		if !e.honor {
			res.Skipped = append(res.Skipped, SkippedCrossing{Level: *l, Reason: e.honorReason})
			return
		}

		l.Status = domain.LevelFilled
		res.Crossed = append(res.Crossed, *l)
		e.logger.Info("Level crossed",
			zap.String("level", l.ID),
			zap.String("side", string(l.Side)),
			zap.Int("rank", l.Rank),
			zap.Float64("level_price", l.Price),
			zap.Float64("price", currentPrice))
	}

	for _, l := range e.above {
		visit(l)
	}
	for _, l := range e.below {
		visit(l)
	}
	return res
}

// Extend appends at most one level per side when price approaches an edge
// of the watched ladder. It returns the number of appended levels.
func (e *VirtualGridEngine) Extend(currentPrice float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	added := 0

	topRank := 0
	if n := len(e.above); n > 0 {
		topRank = e.above[n-1].Rank
	}
	if e.priceAt(topRank) < currentPrice*extendUpperFactor {
		e.above = append(e.above, e.newLevel(topRank+1, now))
		added++
	}

	bottomRank := 0
	if n := len(e.below); n > 0 {
		bottomRank = e.below[n-1].Rank
	}
	if e.priceAt(bottomRank) > currentPrice*extendLowerFactor {
		e.below = append(e.below, e.newLevel(bottomRank-1, now))
		added++
	}

	if added > 0 {
		e.logger.Debug("Virtual grid extended", zap.Int("added", added), zap.Float64("price", currentPrice))
	}
	return added
}

// NearestLevels returns up to five pending levels on each side of price,
// nearest first.
func (e *VirtualGridEngine) NearestLevels(currentPrice float64) (above, below []domain.VirtualLevel) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, l := range e.allLocked() {
		if l.Status != domain.LevelPending {
			continue
		}
		switch {
		case l.Price > currentPrice:
			above = append(above, *l)
		case l.Price < currentPrice:
			below = append(below, *l)
		}
	}
	sort.Slice(above, func(i, j int) bool { return above[i].Price < above[j].Price })
	sort.Slice(below, func(i, j int) bool { return below[i].Price > below[j].Price })
	if len(above) > nearestPerSide {
		above = above[:nearestPerSide]
	}
	if len(below) > nearestPerSide {
		below = below[:nearestPerSide]
	}
	return above, below
}

// Attach pairs a filled level with the real position it produced.
func (e *VirtualGridEngine) Attach(levelID, positionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.byID[levelID]
	if !ok {
		return fmt.Errorf("attach %s: %w", levelID, domain.ErrLevelNotFound)
	}
	l.PositionID = positionID
	return nil
}

// MarkClosed moves a filled level into cooldown after its position closed.
func (e *VirtualGridEngine) MarkClosed(levelID string, at time.Time) error {
	return e.toCooldown(levelID, at, "position closed")
}

// Release moves a filled level whose materialization was rejected into
// cooldown, as if its position opened and closed at once.
func (e *VirtualGridEngine) Release(levelID string, at time.Time) error {
	return e.toCooldown(levelID, at, "materialization rejected")
}

func (e *VirtualGridEngine) toCooldown(levelID string, at time.Time, why string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.byID[levelID]
	if !ok {
		return fmt.Errorf("cooldown %s: %w", levelID, domain.ErrLevelNotFound)
	}
	if l.Status != domain.LevelFilled {
		return domain.Violation("grid", "level %s is %s, only filled levels enter cooldown", levelID, l.Status)
	}
	l.Status = domain.LevelCooldown
	l.LastClosedAt = at
	l.PositionID = ""
	e.logger.Info("Level entered cooldown",
		zap.String("level", l.ID),
		zap.String("cause", why),
		zap.Duration("window", e.cfg.LevelCooldown))
	return nil
}

// Recenter regenerates the ladder around currentPrice once price drifted
// beyond the rebalance threshold, provided no level is filled or cooling.
func (e *VirtualGridEngine) Recenter(currentPrice float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.RebalanceThresholdPct <= 0 || e.center <= 0 {
		return false
	}
	drift := math.Abs(currentPrice-e.center) / e.center * 100
	if drift < e.cfg.RebalanceThresholdPct {
		return false
	}
	for _, l := range e.byID {
		if l.Status != domain.LevelPending {
			return false
		}
	}
	e.logger.Info("Recentering grid", zap.Float64("old_center", e.center), zap.Float64("drift_pct", drift))
	e.generateLocked(currentPrice)
	return true
}

func (e *VirtualGridEngine) Center() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.center
}

// Level returns a snapshot of one level.
func (e *VirtualGridEngine) Level(levelID string) (domain.VirtualLevel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.byID[levelID]
	if !ok {
		return domain.VirtualLevel{}, false
	}
	return *l, true
}

// Levels returns a snapshot of the ladder sorted by descending price.
func (e *VirtualGridEngine) Levels() []domain.VirtualLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.levelsLocked()
}

func (e *VirtualGridEngine) levelsLocked() []domain.VirtualLevel {
	out := make([]domain.VirtualLevel, 0, len(e.above)+len(e.below))
	for i := len(e.above) - 1; i >= 0; i-- {
		out = append(out, *e.above[i])
	}
	for _, l := range e.below {
		out = append(out, *l)
	}
	return out
}

func (e *VirtualGridEngine) allLocked() []*domain.VirtualLevel {
	all := make([]*domain.VirtualLevel, 0, len(e.above)+len(e.below))
	all = append(all, e.above...)
	return append(all, e.below...)
}

// Health reports ladder density and coverage around currentPrice.
func (e *VirtualGridEngine) Health(currentPrice float64) domain.GridHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var h domain.GridHealth
	for _, l := range e.allLocked() {
		h.Total++
		switch l.Status {
		case domain.LevelPending:
			h.Pending++
		case domain.LevelFilled:
			h.Filled++
		case domain.LevelCooldown:
			h.Cooldown++
		}
		if currentPrice > 0 && math.Abs(l.Price-currentPrice)/currentPrice*100 <= healthBandPct {
			h.LevelsNearPrice++
		}
	}
	if n := len(e.above); n > 0 {
		h.HighestPrice = e.above[n-1].Price
	}
	if n := len(e.below); n > 0 {
		h.LowestPrice = e.below[n-1].Price
	}
	if currentPrice > 0 {
		if h.HighestPrice > 0 {
			h.CoverageUpPct = (h.HighestPrice/currentPrice - 1) * 100
		}
		if h.LowestPrice > 0 {
			h.CoverageDownPct = (1 - h.LowestPrice/currentPrice) * 100
		}
	}
	return h
}

// Validate checks ladder ordering and statuses.
func (e *VirtualGridEngine) Validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i, l := range e.above {
		if !l.Status.Valid() {
			return domain.Violation("grid", "level %s has unknown status %q", l.ID, l.Status)
		}
		if l.Side != domain.SideShort || l.Rank != i+1 {
			return domain.Violation("grid", "short level %s out of place (rank %d at %d)", l.ID, l.Rank, i)
		}
		if i > 0 && l.Price <= e.above[i-1].Price {
			return domain.Violation("grid", "short levels not strictly ascending at rank %d", l.Rank)
		}
	}
	for i, l := range e.below {
		if !l.Status.Valid() {
			return domain.Violation("grid", "level %s has unknown status %q", l.ID, l.Status)
		}
		if l.Side != domain.SideLong || l.Rank != -(i+1) {
			return domain.Violation("grid", "long level %s out of place (rank %d at %d)", l.ID, l.Rank, i)
		}
		if i > 0 && l.Price >= e.below[i-1].Price {
			return domain.Violation("grid", "long levels not strictly descending at rank %d", l.Rank)
		}
	}
	if len(e.above) > 0 && len(e.below) > 0 && e.below[0].Price >= e.above[0].Price {
		return domain.Violation("grid", "long side overlaps short side")
	}
	return nil
}
