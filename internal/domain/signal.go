package domain

import "time"

type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// Side maps a directional signal onto a position side.
func (d Direction) Side() (Side, bool) {
	switch d {
	case DirectionLong:
		return SideLong, true
	case DirectionShort:
		return SideShort, true
	}
	return "", false
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Level orders urgencies; unknown values rank below low.
func (u Urgency) Level() int {
	switch u {
	case UrgencyLow:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyHigh:
		return 3
	case UrgencyCritical:
		return 4
	}
	return 0
}

type SignalType string

const (
	SignalEntry         SignalType = "entry"
	SignalExit          SignalType = "exit"
	SignalStopLossHit   SignalType = "stop_loss_hit"
	SignalTakeProfitHit SignalType = "take_profit_hit"
)

// Signal is one event of the asynchronous signal stream.
type Signal struct {
	ID        string     `json:"id"`
	Symbol    string     `json:"symbol"`
	Direction Direction  `json:"direction"`
	Strength  float64    `json:"strength"` // 0-100
	Urgency   Urgency    `json:"urgency"`
	Type      SignalType `json:"type"`
	Price     float64    `json:"price"`
	Timestamp time.Time  `json:"timestamp"`
}

// StrengthValid reports whether Strength lies in [0, 100].
func (s Signal) StrengthValid() bool {
	return s.Strength >= 0 && s.Strength <= 100
}

type Action string

const (
	ActionOpenLong  Action = "OPEN_LONG"
	ActionOpenShort Action = "OPEN_SHORT"
	ActionClose     Action = "CLOSE"
	ActionSkip      Action = "SKIP"
	ActionError     Action = "ERROR"
)

// ExecutionRecord is the outcome of one signal decision. It is statistics
// only and never authoritative position state.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	Signal        Signal    `json:"signal"`
	Action        Action    `json:"action"`
	Reason        string    `json:"reason"`
	TradeID       string    `json:"trade_id,omitempty"`
	ExecutedPrice float64   `json:"executed_price,omitempty"`
	ExecutedSize  float64   `json:"executed_size,omitempty"`
	Fees          float64   `json:"fees,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// GateStats aggregates execution outcomes of a signal gate.
type GateStats struct {
	Total      int            `json:"total"`
	ByAction   map[Action]int `json:"by_action"`
	TotalFees  float64        `json:"total_fees"`
	LastSignal time.Time      `json:"last_signal,omitempty"`
	LastAction Action         `json:"last_action,omitempty"`
}
