package usecase

import "github.com/vitos/crypto_virtual_grid/internal/domain"

// Metrics receives engine events. Implementations must be safe for
// concurrent use by all symbol workers.
type Metrics interface {
	TickProcessed(symbol string, price float64)
	TickDropped(symbol string)
	LevelCrossed(symbol string, side domain.Side)
	CrossingSkipped(symbol, reason string)
	PositionOpened(symbol string, origin domain.PositionOrigin)
	PositionRejected(symbol string, reason domain.RejectReason)
	TradeClosed(symbol string, trade *domain.TradeRecord)
	SignalProcessed(symbol string, action domain.Action)
	GridState(symbol string, health domain.GridHealth, openPositions int, committedMargin, equity float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TickProcessed(string, float64)                              {}
func (NopMetrics) TickDropped(string)                                         {}
func (NopMetrics) LevelCrossed(string, domain.Side)                           {}
func (NopMetrics) CrossingSkipped(string, string)                             {}
func (NopMetrics) PositionOpened(string, domain.PositionOrigin)               {}
func (NopMetrics) PositionRejected(string, domain.RejectReason)               {}
func (NopMetrics) TradeClosed(string, *domain.TradeRecord)                    {}
func (NopMetrics) SignalProcessed(string, domain.Action)                      {}
func (NopMetrics) GridState(string, domain.GridHealth, int, float64, float64) {}
