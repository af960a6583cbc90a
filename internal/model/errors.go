package model

import (
	"errors"
	"fmt"
)

// ErrNotSubscribed is returned when a chain is requested for a trading symbol
// that was never part of the active stream's resolved set.
var ErrNotSubscribed = errors.New("trading symbol is not subscribed")

// ErrNotReady is returned when a chain is requested for a subscribed symbol
// before its first successful build. Transient; callers retry.
var ErrNotReady = errors.New("option chain not built yet")

// ResolutionError means an underlying could not be resolved to contracts:
// the symbol is unknown to the catalogue or has no contracts at the expiry.
type ResolutionError struct {
	Symbol string
	Expiry string
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Expiry != "" {
		return fmt.Sprintf("resolve %s @ %s: %s", e.Symbol, e.Expiry, e.Reason)
	}
	return fmt.Sprintf("resolve %s: %s", e.Symbol, e.Reason)
}

// CapacityError means the resolved token set cannot be served within the
// provider's connection budget. Surfaced before any connection is opened.
type CapacityError struct {
	Tokens        int
	MaxPerConn    int
	MaxConns      int
	RequiredConns int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("instrument tokens exceeded: %d tokens need %d connections of %d tokens each, only %d allowed; "+
		"subscribe to fewer symbols or use a filter criteria to prune far-from-spot strikes",
		e.Tokens, e.RequiredConns, e.MaxPerConn, e.MaxConns)
}
