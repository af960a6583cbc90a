// Package filter prunes uninteresting strikes from the option chain.
// Criteria are pure predicates over (spot, strike); new kinds plug in
// without touching the chain builder.
package filter

import (
	"fmt"
	"math"
)

// Criteria decides whether a strike stays in the chain given the current
// spot price. Implementations must be safe for concurrent use.
type Criteria interface {
	// Keep reports whether strike should be retained at the given spot.
	Keep(spot, strike float64) bool

	// Name identifies the criteria kind, e.g. "percentage".
	Name() string
}

// Config is the wire descriptor for a criteria, e.g. {name: "percentage",
// properties: {value: 12.5}}.
type Config struct {
	Name       string `yaml:"name" json:"name"`
	Properties struct {
		Value float64 `yaml:"value" json:"value"`
	} `yaml:"properties" json:"properties"`
}

// New builds a Criteria from its config descriptor.
func New(cfg Config) (Criteria, error) {
	switch cfg.Name {
	case "percentage":
		if cfg.Properties.Value <= 0 {
			return nil, fmt.Errorf("percentage criteria needs a positive value, got %v", cfg.Properties.Value)
		}
		return Percentage{Value: cfg.Properties.Value}, nil
	case "band":
		if cfg.Properties.Value <= 0 {
			return nil, fmt.Errorf("band criteria needs a positive value, got %v", cfg.Properties.Value)
		}
		return Band{Width: cfg.Properties.Value}, nil
	default:
		return nil, fmt.Errorf("unknown filter criteria %q", cfg.Name)
	}
}

// Percentage keeps strikes within Value percent of the spot price:
// spot*(1-v/100) <= strike <= spot*(1+v/100).
type Percentage struct {
	Value float64
}

func (p Percentage) Keep(spot, strike float64) bool {
	if spot <= 0 {
		return true
	}
	lo := spot * (1 - p.Value/100)
	hi := spot * (1 + p.Value/100)
	return strike >= lo && strike <= hi
}

func (p Percentage) Name() string { return "percentage" }

// Band keeps strikes within an absolute price distance of the spot.
type Band struct {
	Width float64
}

func (b Band) Keep(spot, strike float64) bool {
	if spot <= 0 {
		return true
	}
	return math.Abs(strike-spot) <= b.Width
}

func (b Band) Name() string { return "band" }
