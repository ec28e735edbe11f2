package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize = 256
	persistTimeout   = 3 * time.Second
)

type eventKind int

const (
	eventTick eventKind = iota
	eventSignal
	eventClose
	eventBarrier
)

type event struct {
	kind       eventKind
	price      float64
	signal     domain.Signal
	positionID string
	reply      chan eventResult
}

type eventResult struct {
	record domain.ExecutionRecord
	trade  *domain.TradeRecord
	err    error
}

// WorkerStats counts events handled by a SymbolWorker.
type WorkerStats struct {
	Ticks            int64     `json:"ticks"`
	DroppedTicks     int64     `json:"dropped_ticks"`
	Crossings        int64     `json:"crossings"`
	SkippedCrossings int64     `json:"skipped_crossings"`
	Rejections       int64     `json:"rejections"`
	Signals          int64     `json:"signals"`
	LastPrice        float64   `json:"last_price"`
	LastTick         time.Time `json:"last_tick,omitempty"`
}

// SymbolWorker owns the grid engine, materializer and signal gate of one
// symbol and applies ticks and signals strictly in arrival order.
type SymbolWorker struct {
	cfg     domain.GridConfig
	engine  *VirtualGridEngine
	book    *PositionMaterializer
	gate    *SignalGate
	repo    domain.TradeRepository
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time

	events   chan event
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	mu    sync.RWMutex
	stats WorkerStats
	err   error
}

type WorkerDeps struct {
	Engine    *VirtualGridEngine
	Book      *PositionMaterializer
	Gate      *SignalGate
	Repo      domain.TradeRepository
	Metrics   Metrics
	Logger    *zap.Logger
	QueueSize int
	Clock     func() time.Time
}

func NewSymbolWorker(cfg domain.GridConfig, deps WorkerDeps) *SymbolWorker {
	if deps.QueueSize <= 0 {
		deps.QueueSize = DefaultQueueSize
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &SymbolWorker{
		cfg:     cfg.WithDefaults(),
		engine:  deps.Engine,
		book:    deps.Book,
		gate:    deps.Gate,
		repo:    deps.Repo,
		metrics: deps.Metrics,
		logger:  deps.Logger.With(zap.String("symbol", cfg.Symbol)),
		now:     deps.Clock,
		events:  make(chan event, deps.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *SymbolWorker) Symbol() string { return w.cfg.Symbol }

// Start generates the ladder around the configured center and launches the
// loop. Cancelling ctx stops intake like Stop does.
func (w *SymbolWorker) Start(ctx context.Context) {
	w.engine.Generate(w.cfg.CenterPrice)
	w.started = true
	go w.run(ctx)
}

func (w *SymbolWorker) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("Symbol worker started", zap.Int("queue", cap(w.events)))

	// In-flight events finish even when the loop is asked to stop.
	work := context.WithoutCancel(ctx)

	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case <-ctx.Done():
			w.drain()
			return
		default:
		}

		select {
		case <-w.quit:
			w.drain()
			return
		case <-ctx.Done():
			w.drain()
			return
		case ev := <-w.events:
			res := w.handle(work, ev)
			if ev.reply != nil {
				ev.reply <- res
			}
			var violation *domain.InvariantViolation
			if errors.As(res.err, &violation) {
				w.logger.Error("Invariant violated, symbol loop aborted", zap.Error(res.err))
				w.mu.Lock()
				w.err = res.err
				w.mu.Unlock()
				w.drain()
				return
			}
		}
	}
}

// drain discards queued events; waiters learn the worker stopped.
func (w *SymbolWorker) drain() {
	for {
		select {
		case ev := <-w.events:
			if ev.reply != nil {
				ev.reply <- eventResult{err: domain.ErrWorkerStopped}
			}
		default:
			return
		}
	}
}

func (w *SymbolWorker) handle(ctx context.Context, ev event) eventResult {
	switch ev.kind {
	case eventTick:
		return eventResult{err: w.onTick(ctx, ev.price)}
	case eventSignal:
		return w.onSignal(ctx, ev.signal)
	case eventClose:
		return w.onClose(ctx, ev.positionID)
	case eventBarrier:
		return eventResult{}
	}
	return eventResult{err: fmt.Errorf("unknown event kind %d", ev.kind)}
}

func (w *SymbolWorker) onTick(ctx context.Context, price float64) error {
	if price <= 0 {
		return nil
	}
	w.mu.Lock()
	w.stats.Ticks++
	w.stats.LastPrice = price
	w.stats.LastTick = w.now()
	w.mu.Unlock()
	w.metrics.TickProcessed(w.cfg.Symbol, price)

	for _, trade := range w.book.RefreshPrice(ctx, price) {
		if err := w.afterClose(ctx, trade); err != nil {
			return err
		}
	}

	w.engine.Recenter(price)
	w.engine.Extend(price)

	res := w.engine.DetectCrossings(price)
	for _, skipped := range res.Skipped {
		w.metrics.CrossingSkipped(w.cfg.Symbol, skipped.Reason)
	}
	w.mu.Lock()
	w.stats.Crossings += int64(len(res.Crossed))
	w.stats.SkippedCrossings += int64(len(res.Skipped))
	w.mu.Unlock()

	for _, level := range res.Crossed {
		w.metrics.LevelCrossed(w.cfg.Symbol, level.Side)
		if err := w.materialize(ctx, level, price); err != nil {
			return err
		}
	}

	if err := w.checkInvariants(); err != nil {
		return err
	}
	w.metrics.GridState(w.cfg.Symbol, w.engine.Health(price), len(w.book.Positions()), w.book.CommittedMargin(), w.book.Equity())
	return nil
}

func (w *SymbolWorker) materialize(ctx context.Context, level domain.VirtualLevel, price float64) error {
	pos, err := w.book.TryOpen(ctx, OpenRequest{
		Side:    level.Side,
		Price:   price,
		LevelID: level.ID,
		Origin:  domain.OriginGrid,
	})
	if err != nil {
		var rej *domain.RejectedError
		if errors.As(err, &rej) {
			w.metrics.PositionRejected(w.cfg.Symbol, rej.Reason)
		}
		w.mu.Lock()
		w.stats.Rejections++
		w.mu.Unlock()
		w.logger.Info("Crossing not materialized",
			zap.String("level", level.ID),
			zap.Float64("level_price", level.Price),
			zap.Error(err))
		return w.engine.Release(level.ID, w.now())
	}

	w.metrics.PositionOpened(w.cfg.Symbol, domain.OriginGrid)
	return w.engine.Attach(level.ID, pos.ID)
}

func (w *SymbolWorker) onSignal(ctx context.Context, sig domain.Signal) eventResult {
	w.mu.Lock()
	w.stats.Signals++
	price := w.stats.LastPrice
	w.mu.Unlock()

	rec, trade := w.gate.Process(ctx, sig, price)
	w.metrics.SignalProcessed(w.cfg.Symbol, rec.Action)
	if rec.Action == domain.ActionOpenLong || rec.Action == domain.ActionOpenShort {
		w.metrics.PositionOpened(w.cfg.Symbol, domain.OriginSignal)
	}
	w.persistExecution(ctx, &rec)

	res := eventResult{record: rec, trade: trade}
	if trade != nil {
		res.err = w.afterClose(ctx, trade)
	}
	if res.err == nil {
		res.err = w.checkInvariants()
	}
	return res
}

func (w *SymbolWorker) onClose(ctx context.Context, positionID string) eventResult {
	w.mu.RLock()
	price := w.stats.LastPrice
	w.mu.RUnlock()

	trade, err := w.book.Close(ctx, positionID, price, "manual")
	if err != nil {
		return eventResult{err: err}
	}
	if err := w.afterClose(ctx, trade); err != nil {
		return eventResult{trade: trade, err: err}
	}
	return eventResult{trade: trade}
}

// afterClose journals a trade and cools the paired level down once the
// position is gone.
func (w *SymbolWorker) afterClose(ctx context.Context, trade *domain.TradeRecord) error {
	w.metrics.TradeClosed(w.cfg.Symbol, trade)
	w.persistTrade(ctx, trade)
	if !trade.FullyClosed || trade.LevelID == "" {
		return nil
	}
	err := w.engine.MarkClosed(trade.LevelID, trade.ClosedAt)
	if errors.Is(err, domain.ErrLevelNotFound) {
		// Ladder was regenerated since the open.
		return nil
	}
	return err
}

func (w *SymbolWorker) persistTrade(ctx context.Context, trade *domain.TradeRecord) {
	if w.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := w.repo.SaveTrade(ctx, trade); err != nil {
		w.logger.Warn("Failed to save trade", zap.String("trade", trade.ID), zap.Error(err))
	}
}

func (w *SymbolWorker) persistExecution(ctx context.Context, rec *domain.ExecutionRecord) {
	if w.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := w.repo.SaveExecution(ctx, rec); err != nil {
		w.logger.Warn("Failed to save execution", zap.String("execution", rec.ID), zap.Error(err))
	}
}

func (w *SymbolWorker) checkInvariants() error {
	return multierr.Combine(w.engine.Validate(), w.book.CheckInvariants())
}

// SubmitTick enqueues a price without blocking. A full queue drops the tick;
// the next one supersedes it.
func (w *SymbolWorker) SubmitTick(price float64) error {
	select {
	case <-w.done:
		return domain.ErrWorkerStopped
	case <-w.quit:
		return domain.ErrWorkerStopped
	default:
	}
	select {
	case w.events <- event{kind: eventTick, price: price}:
		return nil
	default:
		w.mu.Lock()
		w.stats.DroppedTicks++
		w.mu.Unlock()
		w.metrics.TickDropped(w.cfg.Symbol)
		return domain.ErrQueueFull
	}
}

// SubmitSignal enqueues a signal, blocking until there is room, and waits
// for its execution record.
func (w *SymbolWorker) SubmitSignal(ctx context.Context, sig domain.Signal) (domain.ExecutionRecord, error) {
	res, err := w.request(ctx, event{kind: eventSignal, signal: sig})
	return res.record, err
}

// ClosePosition closes one position through the worker loop.
func (w *SymbolWorker) ClosePosition(ctx context.Context, positionID string) (*domain.TradeRecord, error) {
	res, err := w.request(ctx, event{kind: eventClose, positionID: positionID})
	return res.trade, err
}

// Flush returns once every event queued before the call has been applied.
func (w *SymbolWorker) Flush(ctx context.Context) error {
	_, err := w.request(ctx, event{kind: eventBarrier})
	return err
}

func (w *SymbolWorker) request(ctx context.Context, ev event) (eventResult, error) {
	ev.reply = make(chan eventResult, 1)
	select {
	case <-w.quit:
		return eventResult{}, domain.ErrWorkerStopped
	case <-w.done:
		return eventResult{}, domain.ErrWorkerStopped
	default:
	}
	select {
	case w.events <- ev:
	case <-ctx.Done():
		return eventResult{}, ctx.Err()
	case <-w.quit:
		return eventResult{}, domain.ErrWorkerStopped
	case <-w.done:
		return eventResult{}, domain.ErrWorkerStopped
	}
	select {
	case res := <-ev.reply:
		return res, res.err
	case <-ctx.Done():
		return eventResult{}, ctx.Err()
	case <-w.done:
		// The loop may have answered right before exiting.
		select {
		case res := <-ev.reply:
			return res, res.err
		default:
			return eventResult{}, domain.ErrWorkerStopped
		}
	}
}

// Stop halts intake, waits for the in-flight event and discards the queue.
// With CloseOnStop the remaining positions are flattened at the last price.
func (w *SymbolWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.quit) })
	if w.started {
		select {
		case <-w.done:
		case <-ctx.Done():
			return fmt.Errorf("stop %s: %w", w.cfg.Symbol, ctx.Err())
		}
	}
	w.logger.Info("Symbol worker stopped")

	if !w.cfg.CloseOnStop {
		return w.Err()
	}
	w.mu.RLock()
	price := w.stats.LastPrice
	w.mu.RUnlock()
	if price <= 0 {
		price = w.cfg.CenterPrice
	}
	trades, err := w.book.CloseAll(ctx, price, "grid stopped")
	for _, trade := range trades {
		w.metrics.TradeClosed(w.cfg.Symbol, trade)
		w.persistTrade(ctx, trade)
	}
	return multierr.Append(w.Err(), err)
}

// Err is the invariant violation that aborted the loop, if any.
func (w *SymbolWorker) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// Done is closed once the loop has exited.
func (w *SymbolWorker) Done() <-chan struct{} { return w.done }

func (w *SymbolWorker) Stats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *SymbolWorker) Config() domain.GridConfig           { return w.cfg }
func (w *SymbolWorker) Engine() *VirtualGridEngine          { return w.engine }
func (w *SymbolWorker) Materializer() *PositionMaterializer { return w.book }
func (w *SymbolWorker) Gate() *SignalGate                   { return w.gate }
