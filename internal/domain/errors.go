package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrInvalidCostInput = errors.New("invalid cost input")
	ErrPositionNotFound = errors.New("position not found")
	ErrLevelNotFound    = errors.New("level not found")
	ErrGridNotFound     = errors.New("grid not found")
	ErrGridExists       = errors.New("grid already running")
	ErrWorkerStopped    = errors.New("symbol worker stopped")
	ErrQueueFull        = errors.New("event queue full")
	ErrNothingToReduce  = errors.New("no venue position to reduce")
)

// ConfigurationError is fatal at construction: the grid must not start.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// RejectReason is a recoverable, user-displayable rejection cause.
type RejectReason string

const (
	RejectMaxPositions      RejectReason = "maxPositionsReached"
	RejectBelowMinimumOrder RejectReason = "belowMinimumOrderValue"
	RejectLeverageLimit     RejectReason = "leverageExceedsSymbolLimit"
	RejectOrderPlacement    RejectReason = "orderPlacementFailed"
	RejectUnprofitable      RejectReason = "spacingBelowBreakEven"
)

var rejectText = map[RejectReason]string{
	RejectMaxPositions:      "max positions reached",
	RejectBelowMinimumOrder: "below minimum order value",
	RejectLeverageLimit:     "leverage exceeds symbol limit",
	RejectOrderPlacement:    "order placement failed",
	RejectUnprofitable:      "spacing below break-even",
}

// Text is the human-readable form of the reason.
func (r RejectReason) Text() string {
	if t, ok := rejectText[r]; ok {
		return t
	}
	return string(r)
}

// RejectedError is returned for ResourceExhausted and ExternalFailure outcomes.
type RejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return e.Reason.Text()
	}
	return e.Reason.Text() + ": " + e.Detail
}

// Reject builds a RejectedError.
func Reject(reason RejectReason, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err carries the given rejection reason.
func IsRejected(err error, reason RejectReason) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Reason == reason
}

// InvariantViolation signals a programming defect; it aborts the symbol loop.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

func Violation(component, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Component: component, Detail: fmt.Sprintf(format, args...)}
}
