// Package health probes running instances and reports the ones that stop
// answering. Each instance gets its own prober goroutine, so a hung probe
// never delays the rest of the fleet.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getfleetd/fleetd/internal/clock"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/logging"
	"github.com/getfleetd/fleetd/pkg/metrics"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/supervisor"
	"github.com/getfleetd/fleetd/pkg/transport"
)

// InstanceSource is the supervisor surface the monitor needs.
type InstanceSource interface {
	List(ctx context.Context) []supervisor.Snapshot
	Transport(ctx context.Context, defID string) (transport.Transport, error)
	ReportUnhealthy(defID, reason string)
}

// Defaults.
const (
	DefaultInterval     = 10 * time.Second
	DefaultThreshold    = 3
	DefaultHistorySize  = 50
	DefaultProbeTimeout = 5 * time.Second
)

// Monitor owns one prober per probe-worthy instance and a probe history per
// definition.
type Monitor struct {
	src InstanceSource
	reg *registry.Registry

	clock        clock.Clock
	log          *slog.Logger
	interval     time.Duration
	threshold    int
	historySize  int
	probeTimeout time.Duration

	mu      sync.Mutex
	probers map[string]*prober
	history map[string]*ring
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithThreshold sets how many consecutive failures trip a restart.
func WithThreshold(n int) Option {
	return func(m *Monitor) { m.threshold = n }
}

// WithHistorySize sets the probe records kept per definition.
func WithHistorySize(n int) Option {
	return func(m *Monitor) { m.historySize = n }
}

// WithClock substitutes the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// New creates a Monitor over the given instance source and registry.
func New(src InstanceSource, reg *registry.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		src:          src,
		reg:          reg,
		clock:        clock.Real{},
		log:          logging.Nop(),
		interval:     DefaultInterval,
		threshold:    DefaultThreshold,
		historySize:  DefaultHistorySize,
		probeTimeout: DefaultProbeTimeout,
		probers:      make(map[string]*prober),
		history:      make(map[string]*ring),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run keeps probers in sync with the supervisor's instances until the
// context ends.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.stopAll()
	m.sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.interval):
			m.sync(ctx)
		}
	}
}

// History returns the probe records for one definition, oldest first.
func (m *Monitor) History(defID string) []Record {
	m.mu.Lock()
	r, ok := m.history[defID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return r.list()
}

// sync starts probers for instances worth probing and retires the rest.
// CrashLoop and terminal instances are left alone until an operator start.
func (m *Monitor) sync(ctx context.Context) {
	snaps := m.src.List(ctx)
	want := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		switch snap.State {
		case supervisor.StateRunning, supervisor.StateDegraded:
			want[snap.DefinitionID] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range want {
		if _, ok := m.probers[id]; ok {
			continue
		}
		if _, ok := m.history[id]; !ok {
			m.history[id] = newRing(m.historySize)
		}
		p := newProber(m, id, m.history[id])
		m.probers[id] = p
		go p.run()
	}
	for id, p := range m.probers {
		if !want[id] {
			p.stop()
			delete(m.probers, id)
		}
	}

	// Histories of deleted definitions go with them.
	for id := range m.history {
		if _, err := m.reg.Get(id); err != nil {
			if _, probing := m.probers[id]; !probing {
				delete(m.history, id)
			}
		}
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.probers {
		p.stop()
		delete(m.probers, id)
	}
}

// prober probes one instance on the monitor's interval.
type prober struct {
	m        *Monitor
	defID    string
	ring     *ring
	done     chan struct{}
	stopOnce sync.Once

	failures int
}

func newProber(m *Monitor, defID string, r *ring) *prober {
	return &prober{m: m, defID: defID, ring: r, done: make(chan struct{})}
}

func (p *prober) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *prober) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.m.clock.After(p.m.interval):
			p.probe()
		}
	}
}

func (p *prober) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.m.probeTimeout)
	defer cancel()

	start := p.m.clock.Now()
	ok, reason := p.check(ctx)
	rec := Record{
		Timestamp: start,
		Latency:   p.m.clock.Now().Sub(start),
		OK:        ok,
		Reason:    reason,
	}
	p.ring.add(rec)

	if ok {
		p.failures = 0
		return
	}

	p.failures++
	if metrics.ProbeFailuresTotal != nil {
		metrics.ProbeFailuresTotal.Inc(p.defID)
	}
	p.m.log.Debug("health probe failed", "server", p.defID, "reason", reason, "consecutive", p.failures)

	if p.failures >= p.m.threshold {
		p.m.log.Warn("instance failed consecutive health probes", "server", p.defID, "failures", p.failures)
		p.m.src.ReportUnhealthy(p.defID, fmt.Sprintf("%d consecutive probe failures: %s", p.failures, reason))
		p.failures = 0
	}
}

// check runs the protocol probe, plus a database ping for database-type
// definitions.
func (p *prober) check(ctx context.Context) (bool, string) {
	tr, err := p.m.src.Transport(ctx, p.defID)
	if err != nil {
		return false, "instance not serving: " + err.Error()
	}
	if !tr.IsReady(ctx) {
		return false, "transport not ready"
	}

	def, err := p.m.reg.Get(p.defID)
	if err != nil {
		return false, "definition gone"
	}
	if def.Type == config.TypeDatabase && def.TypeConfig.Database != nil && def.TypeConfig.Database.ConnectionString != "" {
		if err := pingDatabase(ctx, def.TypeConfig.Database.ConnectionString); err != nil {
			return false, "database ping failed: " + err.Error()
		}
	}
	return true, ""
}
