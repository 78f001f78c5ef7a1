// Package connectivity tracks the device's network and power signals and
// turns them into sync triggers. Signals are pushed in by the platform layer;
// the monitor never probes the network itself.
package connectivity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/driftsynchq/driftsync/internal/policy"
)

// DefaultDebounce is how long a regained connection must hold before the
// online callback fires. Flapping links otherwise trigger sync storms.
const DefaultDebounce = 3 * time.Second

// Snapshot is the current device state as last reported.
type Snapshot struct {
	Network      policy.Network
	BatteryLevel float64
	Charging     bool
	Since        time.Time
}

// Monitor debounces connectivity transitions and exposes the device state
// that the policy gate and coordinator consume.
type Monitor struct {
	mu       sync.Mutex
	snap     Snapshot
	debounce time.Duration
	timer    *time.Timer
	onOnline []func()
	logger   *slog.Logger
}

type Option func(*Monitor)

// WithDebounce overrides the reconnect debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// NewMonitor starts in the offline state.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		snap:     Snapshot{Network: policy.NetworkOffline, Since: time.Now().UTC()},
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnOnline registers a callback fired once per debounced offline-to-connected
// transition. Callbacks run on the timer goroutine and must not block.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// SetNetwork reports a network change.
func (m *Monitor) SetNetwork(network policy.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snap.Network
	if prev == network {
		return
	}
	m.snap.Network = network
	m.snap.Since = time.Now().UTC()
	m.logger.Info("connectivity changed", "from", string(prev), "to", string(network))

	// Dropping the link cancels a pending online trigger; only a connection
	// that holds for the debounce window counts. A connected-to-connected
	// handoff (cellular picking up, then wifi taking over) leaves the trigger
	// running: the debounce measures time since leaving offline.
	if network == policy.NetworkOffline {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		return
	}
	if prev == policy.NetworkOffline {
		m.timer = time.AfterFunc(m.debounce, m.fireOnline)
	}
}

func (m *Monitor) fireOnline() {
	m.mu.Lock()
	if m.snap.Network == policy.NetworkOffline {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	fns := append([]func(){}, m.onOnline...)
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SetPower reports a battery change.
func (m *Monitor) SetPower(level float64, charging bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.BatteryLevel = level
	m.snap.Charging = charging
}

// State returns the last reported device state.
func (m *Monitor) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Online reports whether any connection is present.
func (m *Monitor) Online() bool {
	return m.State().Network != policy.NetworkOffline
}

// Conservative reports whether sync should trim its batch size and
// concurrency: metered link, or low battery while discharging.
func (m *Monitor) Conservative() bool {
	snap := m.State()
	if snap.Network == policy.NetworkCellular {
		return true
	}
	return snap.BatteryLevel > 0 && snap.BatteryLevel < 0.30 && !snap.Charging
}

// PolicyContext builds the gate input from the current snapshot.
func (m *Monitor) PolicyContext(now time.Time) policy.Context {
	snap := m.State()
	return policy.Context{
		Now:          now,
		BatteryLevel: snap.BatteryLevel,
		Charging:     snap.Charging,
		Network:      snap.Network,
	}
}
