package domain

import (
	"time"
)

// LevelStatus is the lifecycle state of a virtual level.
type LevelStatus string

const (
	LevelPending  LevelStatus = "pending"
	LevelFilled   LevelStatus = "filled"
	LevelCooldown LevelStatus = "cooldown"
)

// Valid reports whether s is one of the known statuses.
func (s LevelStatus) Valid() bool {
	switch s {
	case LevelPending, LevelFilled, LevelCooldown:
		return true
	}
	return false
}

// VirtualLevel is a watched, unfunded price trigger of the grid ladder.
// Short levels sit above the center and cross on a rise, long levels sit
// below and cross on a fall.
type VirtualLevel struct {
	ID           string      `json:"id"`
	Price        float64     `json:"price"`
	Side         Side        `json:"side"`
	Rank         int         `json:"rank"` // +i above center, -i below
	Status       LevelStatus `json:"status"`
	PositionID   string      `json:"position_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastClosedAt time.Time   `json:"last_closed_at,omitempty"`
}

const (
	DefaultWatchDepth    = 50
	DefaultLevelCooldown = 5 * time.Minute
	DefaultReserveRatio  = 0.5
)

// GridConfig is the immutable configuration of one symbol's grid.
// Percentages are expressed in percent units (1.0 == 1%).
type GridConfig struct {
	Symbol                string        `json:"symbol"`
	CenterPrice           float64       `json:"center_price"`
	GridSpacingPct        float64       `json:"grid_spacing_pct"`
	TotalInvestment       float64       `json:"total_investment"`
	Leverage              int           `json:"leverage"`
	MaxPositions          int           `json:"max_positions"`
	ReserveRatio          float64       `json:"reserve_ratio"`
	NoReserve             bool          `json:"no_reserve"` // commit the whole investment; ReserveRatio must be 0
	MinProfitAfterFeesPct float64       `json:"min_profit_after_fees_pct"`
	RebalanceThresholdPct float64       `json:"rebalance_threshold_pct"`
	WatchDepth            int           `json:"watch_depth"`
	LevelCooldown         time.Duration `json:"level_cooldown"`
	FixedLevelSizeUSD     float64       `json:"fixed_level_size_usd"`
	StopLossPct           float64       `json:"stop_loss_pct"`
	TakeProfitPct         float64       `json:"take_profit_pct"`
	CloseOnStop           bool          `json:"close_on_stop"`
}

// WithDefaults fills zero-valued optional fields. A zero ReserveRatio means
// DefaultReserveRatio unless NoReserve is set. The take profit defaults to
// one grid step.
func (c GridConfig) WithDefaults() GridConfig {
	if c.ReserveRatio == 0 && !c.NoReserve {
		c.ReserveRatio = DefaultReserveRatio
	}
	if c.WatchDepth == 0 {
		c.WatchDepth = DefaultWatchDepth
	}
	if c.LevelCooldown == 0 {
		c.LevelCooldown = DefaultLevelCooldown
	}
	if c.TakeProfitPct == 0 {
		c.TakeProfitPct = c.GridSpacingPct
	}
	return c
}

// Validate rejects configurations a grid must not be started with.
func (c GridConfig) Validate() error {
	switch {
	case c.Symbol == "":
		return &ConfigurationError{Field: "symbol", Reason: "must not be empty"}
	case c.CenterPrice <= 0:
		return &ConfigurationError{Field: "center_price", Reason: "must be positive"}
	case c.GridSpacingPct <= 0 || c.GridSpacingPct >= 50:
		return &ConfigurationError{Field: "grid_spacing_pct", Reason: "must be in (0, 50)"}
	case c.TotalInvestment <= 0:
		return &ConfigurationError{Field: "total_investment", Reason: "must be positive"}
	case c.Leverage < 1:
		return &ConfigurationError{Field: "leverage", Reason: "must be at least 1"}
	case c.MaxPositions < 1:
		return &ConfigurationError{Field: "max_positions", Reason: "must be at least 1"}
	case c.ReserveRatio < 0 || c.ReserveRatio >= 1:
		return &ConfigurationError{Field: "reserve_ratio", Reason: "must be in [0, 1)"}
	case c.NoReserve && c.ReserveRatio != 0:
		return &ConfigurationError{Field: "reserve_ratio", Reason: "must be 0 when no_reserve is set"}
	case c.MinProfitAfterFeesPct < 0:
		return &ConfigurationError{Field: "min_profit_after_fees_pct", Reason: "must not be negative"}
	case c.RebalanceThresholdPct < 0:
		return &ConfigurationError{Field: "rebalance_threshold_pct", Reason: "must not be negative"}
	case c.WatchDepth < 0:
		return &ConfigurationError{Field: "watch_depth", Reason: "must not be negative"}
	case c.LevelCooldown < 0:
		return &ConfigurationError{Field: "level_cooldown", Reason: "must not be negative"}
	case c.FixedLevelSizeUSD < 0:
		return &ConfigurationError{Field: "fixed_level_size_usd", Reason: "must not be negative"}
	case c.StopLossPct < 0 || c.StopLossPct >= 100:
		return &ConfigurationError{Field: "stop_loss_pct", Reason: "must be in [0, 100)"}
	case c.TakeProfitPct < 0:
		return &ConfigurationError{Field: "take_profit_pct", Reason: "must not be negative"}
	}
	return nil
}

// ActiveCapital is the part of the investment that may be committed as margin.
func (c GridConfig) ActiveCapital() float64 {
	return c.TotalInvestment * (1 - c.ReserveRatio)
}

// GridHealth summarizes the watched ladder around a price.
type GridHealth struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Filled          int     `json:"filled"`
	Cooldown        int     `json:"cooldown"`
	HighestPrice    float64 `json:"highest_price"`
	LowestPrice     float64 `json:"lowest_price"`
	CoverageUpPct   float64 `json:"coverage_up_pct"`
	CoverageDownPct float64 `json:"coverage_down_pct"`
	LevelsNearPrice int     `json:"levels_near_price"` // within ±5%
}
