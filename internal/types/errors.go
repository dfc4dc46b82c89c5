package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by strategies and the router
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrConnection          = errors.New("connection error")
	ErrExecution           = errors.New("execution error")
	ErrTransaction         = errors.New("transaction error")
	ErrStrategyUnavailable = errors.New("strategy unavailable")
	ErrRouterClosed        = errors.New("router closed")
)

// StrategyError ties a taxonomy kind to the strategy and operation that produced it
type StrategyError struct {
	Kind     error
	Strategy string
	Op       string
	Err      error
}

// NewStrategyError wraps err under the given kind
func NewStrategyError(kind error, strategy, op string, err error) *StrategyError {
	return &StrategyError{Kind: kind, Strategy: strategy, Op: op, Err: err}
}

func (e *StrategyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Strategy, e.Op)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Strategy, e.Op, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// Is matches against the taxonomy kind as well as the wrapped chain
func (e *StrategyError) Is(target error) bool {
	return e.Kind == target
}
