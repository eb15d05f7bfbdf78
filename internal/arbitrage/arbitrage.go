// Package arbitrage blocks trades that would leave an account holding a
// position set that profits no matter how the market resolves.
//
// Two shapes are detected:
//   - binary: YES and NO open on the same market
//   - multi-runner: YES open on every outcome of a mutually exclusive event
//
// The detector only reads the snapshot it is given and never mutates state.
package arbitrage

import (
	"fmt"
	"strings"

	"github.com/atmx/prop-engine/internal/model"
)

// Decision is the verdict for one prospective buy.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Detector checks one prospective position against the account's open
// positions.
type Detector struct{}

// New returns a Detector.
func New() *Detector { return &Detector{} }

// Check decides whether opening (or adding to) marketID/dir is allowed.
// siblings are the other market ids of the same mutually exclusive event;
// nil for a plain binary market.
func (d *Detector) Check(marketID string, dir model.Direction, siblings []string, open []model.Position) Decision {
	held := make(map[model.PositionKey]bool, len(open))
	for _, p := range open {
		if p.Status == model.PositionOpen {
			held[p.Key()] = true
		}
	}

	if held[model.PositionKey{MarketID: marketID, Direction: dir.Opposite()}] {
		return deny("account holds an open %s position on %s; buying %s would lock in both outcomes",
			dir.Opposite(), marketID, dir)
	}

	if dir != model.DirectionYes || len(siblings) == 0 {
		return allow()
	}
	others := 0
	for _, s := range siblings {
		if s == marketID {
			continue
		}
		others++
		if !held[model.PositionKey{MarketID: s, Direction: model.DirectionYes}] {
			return allow()
		}
	}
	if others == 0 {
		return allow()
	}
	return deny("account holds YES on every other outcome of this event (%s); buying YES on %s would cover all outcomes",
		strings.Join(siblings, ", "), marketID)
}
