// Package supervisor owns the runtime lifecycle of managed servers: it
// spawns child processes from registry definitions, tracks their lifecycle
// states, restarts them with bounded backoff, and reconciles running
// instances against the registry.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/getfleetd/fleetd/internal/clock"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/logging"
	"github.com/getfleetd/fleetd/pkg/metrics"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/transport"
)

// TransportFactory dials a transport for a launched instance. Tests
// substitute a fake.
type TransportFactory func(ctx context.Context, def *config.ServerDefinition, opts transport.Options) (transport.Transport, error)

// DefaultGracePeriod is how long a stopping child gets between the terminate
// signal and the kill.
const DefaultGracePeriod = 10 * time.Second

// Supervisor coordinates one worker goroutine per definition. The public
// methods translate to messages on the worker's command channel; no instance
// state is shared.
type Supervisor struct {
	reg          *registry.Registry
	launcher     Launcher
	clock        clock.Clock
	log          *slog.Logger
	newTransport TransportFactory
	grace        time.Duration
	sweepEvery   time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	wg sync.WaitGroup
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLauncher substitutes the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithClock substitutes the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithTransportFactory substitutes transport dialing.
func WithTransportFactory(f TransportFactory) Option {
	return func(s *Supervisor) { s.newTransport = f }
}

// WithGracePeriod sets the terminate-to-kill grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithSweepInterval sets how often Run reconciles without a registry event.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.sweepEvery = d }
}

// New creates a Supervisor over the given registry.
func New(reg *registry.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:          reg,
		launcher:     ExecLauncher{},
		clock:        clock.Real{},
		log:          logging.Nop(),
		newTransport: transport.New,
		grace:        DefaultGracePeriod,
		sweepEvery:   30 * time.Second,
		workers:      make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// worker returns the definition's worker, creating it on first use. A nil
// worker means the supervisor is closed or the definition does not exist.
func (s *Supervisor) worker(defID string, create bool) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if w, ok := s.workers[defID]; ok {
		return w, nil
	}
	if !create {
		return nil, ErrNotFound
	}
	if _, err := s.reg.Get(defID); err != nil {
		return nil, ErrNotFound
	}
	w := newWorker(defID, s)
	s.workers[defID] = w
	return w, nil
}

// Start launches the definition's instance. Starting a live instance is a
// no-op; starting a Failed or CrashLoop instance resets its restart budget.
func (s *Supervisor) Start(ctx context.Context, defID string) error {
	w, err := s.worker(defID, true)
	if err != nil {
		return err
	}
	r, err := w.send(ctx, command{kind: cmdStart})
	if err != nil {
		return err
	}
	return r.err
}

// Stop brings the definition's instance to Stopped. Stopping a stopped
// instance is a no-op. A non-positive grace uses the supervisor default.
func (s *Supervisor) Stop(ctx context.Context, defID string, grace time.Duration) error {
	w, err := s.worker(defID, false)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	_, err = w.send(ctx, command{kind: cmdStop, grace: grace})
	return err
}

// Restart stops and relaunches the instance, bumping its restart count.
func (s *Supervisor) Restart(ctx context.Context, defID string) error {
	w, err := s.worker(defID, true)
	if err != nil {
		return err
	}
	r, err := w.send(ctx, command{kind: cmdRestart})
	if err != nil {
		return err
	}
	return r.err
}

// ReportUnhealthy tells the instance's worker that health probing gave up on
// it. Non-blocking; a busy worker drops duplicate reports.
func (s *Supervisor) ReportUnhealthy(defID, reason string) {
	s.mu.Lock()
	w, ok := s.workers[defID]
	s.mu.Unlock()
	if ok {
		w.notify(cmdUnhealthy, reason)
	}
}

// Status returns the instance snapshot for one definition.
func (s *Supervisor) Status(ctx context.Context, defID string) (Snapshot, error) {
	w, err := s.worker(defID, false)
	if err != nil {
		if err == ErrNotFound {
			if _, regErr := s.reg.Get(defID); regErr != nil {
				return Snapshot{}, ErrNotFound
			}
			return Snapshot{DefinitionID: defID, State: StateStopped}, nil
		}
		return Snapshot{}, err
	}
	r, err := w.send(ctx, command{kind: cmdSnapshot})
	if err != nil {
		return Snapshot{}, err
	}
	return r.snap, nil
}

// List returns snapshots for every definition with a worker, sorted by ID.
func (s *Supervisor) List(ctx context.Context) []Snapshot {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(workers))
	for _, w := range workers {
		r, err := w.send(ctx, command{kind: cmdSnapshot})
		if err != nil {
			continue
		}
		out = append(out, r.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out
}

// Transport returns the live transport for an instance, for routing invoke
// calls. Fails with ErrNotRunning unless the instance is serving.
func (s *Supervisor) Transport(ctx context.Context, defID string) (transport.Transport, error) {
	w, err := s.worker(defID, false)
	if err != nil {
		if err == ErrNotFound {
			if _, regErr := s.reg.Get(defID); regErr != nil {
				return nil, ErrNotFound
			}
			return nil, ErrNotRunning
		}
		return nil, err
	}
	r, err := w.send(ctx, command{kind: cmdTransport})
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.tr, nil
}

// Remove stops the definition's instance and discards its worker. The
// registry's delete hook calls this before a definition is removed.
func (s *Supervisor) Remove(ctx context.Context, defID string) error {
	s.mu.Lock()
	w, ok := s.workers[defID]
	if ok {
		delete(s.workers, defID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := w.send(ctx, command{kind: cmdShutdown})
	return err
}

// Reconcile aligns workers with the registry: autoStart definitions without
// a live instance are started, workers whose definition is gone are removed.
func (s *Supervisor) Reconcile(ctx context.Context) {
	defs := s.reg.List()
	known := make(map[string]bool, len(defs))

	for _, def := range defs {
		known[def.ID] = true
		if !def.AutoStart || def.Disabled {
			continue
		}
		snap, err := s.Status(ctx, def.ID)
		if err != nil {
			continue
		}
		// Terminal states wait for the operator; everything live is left
		// alone.
		if snap.State == StateStopped {
			if err := s.Start(ctx, def.ID); err != nil {
				s.log.Warn("reconcile could not start server", "server", def.ID, "error", err)
			}
		}
	}

	s.mu.Lock()
	var orphans []string
	for id := range s.workers {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}
	s.mu.Unlock()

	for _, id := range orphans {
		s.log.Info("removing orphaned instance", "server", id)
		if err := s.Remove(ctx, id); err != nil {
			s.log.Warn("orphan removal failed", "server", id, "error", err)
		}
	}
}

// Run reconciles on registry change events and on a fixed sweep interval
// until the context ends, then shuts every instance down.
func (s *Supervisor) Run(ctx context.Context) error {
	events := make(chan registry.Event, 16)
	s.reg.Subscribe(func(ev registry.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(context.Background())
		case <-events:
			s.Reconcile(ctx)
		case <-s.clock.After(s.sweepEvery):
			s.Reconcile(ctx)
		}
	}
}

// Shutdown stops every instance and refuses further work.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if _, err := w.send(ctx, command{kind: cmdShutdown}); err != nil {
				s.log.Warn("instance shutdown incomplete", "server", w.defID, "error", err)
			}
		}(w)
	}
	wg.Wait()
	s.wg.Wait()
	return nil
}

// observeState records state changes for metrics.
func (s *Supervisor) observeState(defID string, state State) {
	if metrics.InstanceState != nil {
		metrics.InstanceState.Set(stateValue(state), defID)
	}
	if state == StateRestarting && metrics.RestartsTotal != nil {
		metrics.RestartsTotal.Inc(defID)
	}
}

// stateValue maps lifecycle states onto a stable numeric scale for gauges.
func stateValue(s State) float64 {
	switch s {
	case StateStopped:
		return 0
	case StateStarting:
		return 1
	case StateRunning:
		return 2
	case StateDegraded:
		return 3
	case StateRestarting:
		return 4
	case StateStopping:
		return 5
	case StateFailed:
		return 6
	case StateCrashLoop:
		return 7
	}
	return -1
}
