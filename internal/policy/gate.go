// Package policy decides when a ready operation may execute, based on
// blackout windows, battery level, and network state. It never drops an
// operation: inadmissible operations are deferred to a computed
// next-admissible time.
package policy

import (
	"fmt"
	"time"

	"github.com/driftsynchq/driftsync/internal/oplog"
)

// Network classes reported by the connectivity monitor.
type Network string

const (
	NetworkOffline  Network = "offline"
	NetworkCellular Network = "cellular"
	NetworkWifi     Network = "wifi"
)

// Context carries the environment a gate decision is made against.
type Context struct {
	Now          time.Time
	BatteryLevel float64 // 0.0-1.0
	Charging     bool
	Network      Network
}

// Config configures the gate.
type Config struct {
	Windows         []Window      `yaml:"blackout_windows"`
	BatteryCritical float64       `yaml:"battery_critical"` // defer below this unless charging
	RecheckInterval time.Duration `yaml:"recheck_interval"` // deferral horizon for battery/offline
}

// Gate is a pure decision function over (operation, context).
type Gate struct {
	windows         []window
	batteryCritical float64
	recheck         time.Duration
}

// New parses the configured windows and returns a Gate.
func New(cfg Config) (*Gate, error) {
	g := &Gate{
		batteryCritical: cfg.BatteryCritical,
		recheck:         cfg.RecheckInterval,
	}
	if g.batteryCritical <= 0 {
		g.batteryCritical = 0.15
	}
	if g.recheck <= 0 {
		g.recheck = 5 * time.Minute
	}
	for _, w := range cfg.Windows {
		parsed, err := parseWindow(w)
		if err != nil {
			return nil, fmt.Errorf("parse blackout window: %w", err)
		}
		g.windows = append(g.windows, parsed)
	}
	return g, nil
}

// Decision explains an admissibility result.
type Decision struct {
	Admit  bool
	Reason string    // "", "blackout:<name>", "battery", "offline"
	NextAt time.Time // earliest re-evaluation time when deferred
}

// Admissible reports whether op may execute now.
func (g *Gate) Admissible(op oplog.Operation, ctx Context) bool {
	return g.Evaluate(op, ctx).Admit
}

// NextAdmissible returns the earliest time op could be admitted. For
// admissible operations this is ctx.Now.
func (g *Gate) NextAdmissible(op oplog.Operation, ctx Context) time.Time {
	d := g.Evaluate(op, ctx)
	if d.Admit {
		return ctx.Now
	}
	return d.NextAt
}

// Evaluate applies the policy rules. Critical operations bypass every
// deferral; transmission still requires an actual network, but that is the
// coordinator's concern, not a policy one.
func (g *Gate) Evaluate(op oplog.Operation, ctx Context) Decision {
	if op.Priority == oplog.PriorityCritical {
		return Decision{Admit: true}
	}

	next := ctx.Now
	reason := ""

	for _, w := range g.windows {
		if w.contains(ctx.Now) {
			end := w.endAfter(ctx.Now)
			if end.After(next) {
				next = end
				reason = "blackout:" + w.name
			}
		}
	}

	if ctx.BatteryLevel > 0 && ctx.BatteryLevel < g.batteryCritical && !ctx.Charging {
		if t := ctx.Now.Add(g.recheck); t.After(next) {
			next = t
			reason = "battery"
		}
	}

	if ctx.Network == NetworkOffline {
		if t := ctx.Now.Add(g.recheck); t.After(next) {
			next = t
			reason = "offline"
		}
	}

	if reason == "" {
		return Decision{Admit: true}
	}
	return Decision{Admit: false, Reason: reason, NextAt: next}
}
