package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
)

const namespace = "gridbot"

// Recorder exports engine events as Prometheus series labelled by symbol.
type Recorder struct {
	ticks           *prometheus.CounterVec
	droppedTicks    *prometheus.CounterVec
	lastPrice       *prometheus.GaugeVec
	crossings       *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	opened          *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	trades          *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	fees            *prometheus.CounterVec
	signals         *prometheus.CounterVec
	levels          *prometheus.GaugeVec
	openPositions   *prometheus.GaugeVec
	committedMargin *prometheus.GaugeVec
	equity          *prometheus.GaugeVec
}

// NewRecorder registers all series on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Price ticks processed",
		}, []string{"symbol"}),
		droppedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_dropped_total",
			Help:      "Price ticks dropped on a full queue",
		}, []string{"symbol"}),
		lastPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Last processed price",
		}, []string{"symbol"}),
		crossings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_crossings_total",
			Help:      "Virtual level crossings",
		}, []string{"symbol", "side"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crossings_skipped_total",
			Help:      "Crossings not materialized",
		}, []string{"symbol", "reason"}),
		opened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Real positions opened",
		}, []string{"symbol", "origin"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_rejected_total",
			Help:      "Open attempts rejected",
		}, []string{"symbol", "reason"}),
		trades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Realized closes",
		}, []string{"symbol", "reason"}),
		realizedPnL: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realized_profit_usd_total",
			Help:      "Sum of positive realized PnL",
		}, []string{"symbol"}),
		fees: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_usd_total",
			Help:      "Fees paid on closes",
		}, []string{"symbol"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals processed by action",
		}, []string{"symbol", "action"}),
		levels: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "levels",
			Help:      "Virtual levels by status",
		}, []string{"symbol", "status"}),
		openPositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open real positions",
		}, []string{"symbol"}),
		committedMargin: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_margin_usd",
			Help:      "Margin locked by open positions",
		}, []string{"symbol"}),
		equity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity_usd",
			Help:      "Balance plus unrealized PnL",
		}, []string{"symbol"}),
	}
}

func (r *Recorder) TickProcessed(symbol string, price float64) {
	r.ticks.WithLabelValues(symbol).Inc()
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) TickDropped(symbol string) {
	r.droppedTicks.WithLabelValues(symbol).Inc()
}

func (r *Recorder) LevelCrossed(symbol string, side domain.Side) {
	r.crossings.WithLabelValues(symbol, string(side)).Inc()
}

func (r *Recorder) CrossingSkipped(symbol, reason string) {
	r.skipped.WithLabelValues(symbol, reason).Inc()
}

func (r *Recorder) PositionOpened(symbol string, origin domain.PositionOrigin) {
	r.opened.WithLabelValues(symbol, string(origin)).Inc()
}

func (r *Recorder) PositionRejected(symbol string, reason domain.RejectReason) {
	r.rejected.WithLabelValues(symbol, string(reason)).Inc()
}

func (r *Recorder) TradeClosed(symbol string, trade *domain.TradeRecord) {
	r.trades.WithLabelValues(symbol, trade.Reason).Inc()
	if trade.RealizedPnL > 0 {
		r.realizedPnL.WithLabelValues(symbol).Add(trade.RealizedPnL)
	}
	if trade.Fees > 0 {
		r.fees.WithLabelValues(symbol).Add(trade.Fees)
	}
}

func (r *Recorder) SignalProcessed(symbol string, action domain.Action) {
	r.signals.WithLabelValues(symbol, string(action)).Inc()
}

func (r *Recorder) GridState(symbol string, health domain.GridHealth, openPositions int, committedMargin, equity float64) {
	r.levels.WithLabelValues(symbol, string(domain.LevelPending)).Set(float64(health.Pending))
	r.levels.WithLabelValues(symbol, string(domain.LevelFilled)).Set(float64(health.Filled))
	r.levels.WithLabelValues(symbol, string(domain.LevelCooldown)).Set(float64(health.Cooldown))
	r.openPositions.WithLabelValues(symbol).Set(float64(openPositions))
	r.committedMargin.WithLabelValues(symbol).Set(committedMargin)
	r.equity.WithLabelValues(symbol).Set(equity)
}
