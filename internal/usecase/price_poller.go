package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/vitos/crypto_virtual_grid/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 5 * time.Second
)

// TickSink accepts price ticks, GridService in production.
type TickSink interface {
	SubmitTick(symbol string, price float64) error
}

// PricePoller feeds the latest price of each symbol into a TickSink.
type PricePoller struct {
	feed     domain.PriceFeed
	sink     TickSink
	symbols  func() []string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPricePoller polls the symbols returned by symbols on every round, so
// grids started later are picked up.
func NewPricePoller(feed domain.PriceFeed, sink TickSink, symbols func() []string, interval, timeout time.Duration, logger *zap.Logger) *PricePoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &PricePoller{
		feed:     feed,
		sink:     sink,
		symbols:  symbols,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

func (p *PricePoller) Start(ctx context.Context) {
	p.logger.Info("Starting price poller", zap.Duration("interval", p.interval))
	go p.Run(ctx)
}

// Run polls until ctx is cancelled.
func (p *PricePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches and submits one price per symbol. An unavailable price
// skips that symbol for this round.
func (p *PricePoller) PollOnce(ctx context.Context) int {
	submitted := 0
	for _, symbol := range p.symbols() {
		if ctx.Err() != nil {
			return submitted
		}
		price, err := p.fetch(ctx, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrPriceUnavailable) {
				p.logger.Debug("Price unavailable, skipping tick", zap.String("symbol", symbol))
			} else {
				p.logger.Warn("Failed to fetch price", zap.String("symbol", symbol), zap.Error(err))
			}
			continue
		}
		if err := p.sink.SubmitTick(symbol, price); err != nil {
			p.logger.Debug("Tick not submitted", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		submitted++
	}
	return submitted
}

func (p *PricePoller) fetch(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	price, err := p.feed.LatestPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, domain.ErrPriceUnavailable
	}
	return price, nil
}
