package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getfleetd/fleetd/internal/clock"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/transport"
)

// fakeProc is a controllable child process.
type fakeProc struct {
	pid  int
	done chan ExitResult

	mu         sync.Mutex
	exited     bool
	killed     bool
	ignoreTerm bool
}

func (p *fakeProc) PID() int                { return p.pid }
func (p *fakeProc) Done() <-chan ExitResult { return p.done }
func (p *fakeProc) Stdin() io.WriteCloser   { return nil }
func (p *fakeProc) Stdout() io.Reader       { return nil }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ignoreTerm && !p.exited {
		p.exited = true
		p.done <- ExitResult{Code: 0}
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		p.killed = true
		p.done <- ExitResult{Code: -1}
	}
	return nil
}

// exit simulates the child dying on its own.
func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		p.done <- ExitResult{Code: code}
	}
}

// fakeLauncher hands out fakeProcs and records every launch.
type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProc
	launchErr  error
	ignoreTerm bool
	nextPID    int32
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	p := &fakeProc{
		pid:        int(atomic.AddInt32(&l.nextPID, 1)) + 1000,
		done:       make(chan ExitResult, 1),
		ignoreTerm: l.ignoreTerm,
	}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

// fakeTransport reports ready immediately.
type fakeTransport struct{ closed atomic.Bool }

func (t *fakeTransport) Invoke(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}
func (t *fakeTransport) IsReady(context.Context) bool { return !t.closed.Load() }
func (t *fakeTransport) Close() error                 { t.closed.Store(true); return nil }

func fakeTransportFactory(context.Context, *config.ServerDefinition, transport.Options) (transport.Transport, error) {
	return &fakeTransport{}, nil
}

// slowTransport stays not-ready until the flag flips, like a child that
// takes a while to come up.
type slowTransport struct{ up atomic.Bool }

func (t *slowTransport) Invoke(_ context.Context, _ string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}
func (t *slowTransport) IsReady(context.Context) bool { return t.up.Load() }
func (t *slowTransport) Close() error                 { return nil }

type fixture struct {
	sup      *Supervisor
	reg      *registry.Registry
	launcher *fakeLauncher
	clk      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(t.TempDir())
	require.NoError(t, reg.Open(context.Background()))
	t.Cleanup(func() { reg.Close() })

	launcher := &fakeLauncher{}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sup := New(reg,
		WithLauncher(launcher),
		WithClock(clk),
		WithTransportFactory(fakeTransportFactory),
		WithGracePeriod(5*time.Second),
	)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return &fixture{sup: sup, reg: reg, launcher: launcher, clk: clk}
}

func (f *fixture) addDefinition(t *testing.T, mutate func(*config.ServerDefinition)) string {
	t.Helper()
	def := &config.ServerDefinition{
		Name:     "worker-" + time.Now().Format("150405.000000000"),
		Type:     config.TypeProcess,
		Protocol: config.ProtocolStdio,
		Command:  "sh",
	}
	if mutate != nil {
		mutate(def)
	}
	stored, err := f.reg.Create(def)
	require.NoError(t, err)
	return stored.ID
}

// useTransport swaps in a specific transport; call before the first Start.
func (f *fixture) useTransport(tr transport.Transport) {
	f.sup.newTransport = func(context.Context, *config.ServerDefinition, transport.Options) (transport.Transport, error) {
		return tr, nil
	}
}

// state reads the current state without failing the test on transient errors.
func (f *fixture) state(defID string) State {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	snap, err := f.sup.Status(ctx, defID)
	if err != nil {
		return State("")
	}
	return snap.State
}

func (f *fixture) waitState(t *testing.T, defID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		snap, err := f.sup.Status(ctx, defID)
		return err == nil && snap.State == want
	}, 3*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	require.NoError(t, f.sup.Start(ctx, id))

	f.waitState(t, id, StateRunning)
	assert.Equal(t, 1, f.launcher.count())

	snap, err := f.sup.Status(ctx, id)
	require.NoError(t, err)
	assert.NotZero(t, snap.PID)
	assert.NotNil(t, snap.StartedAt)
	assert.Zero(t, snap.RestartCount)
}

func TestConcurrentStartsYieldOneProcess(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.sup.Start(context.Background(), id))
		}()
	}
	wg.Wait()

	f.waitState(t, id, StateRunning)
	assert.Equal(t, 1, f.launcher.count())
}

func TestStartUnknownDefinition(t *testing.T) {
	f := newFixture(t)
	err := f.sup.Start(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartDisabledDefinition(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, func(d *config.ServerDefinition) { d.Disabled = true })

	err := f.sup.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Zero(t, f.launcher.count())
}

func TestPreflightFailure(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, func(d *config.ServerDefinition) {
		d.Command = "definitely-not-a-real-binary-4790"
	})

	err := f.sup.Start(context.Background(), id)
	var pf *PreflightError
	require.ErrorAs(t, err, &pf)
	assert.Zero(t, f.launcher.count())

	snap, err := f.sup.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.NotEmpty(t, snap.LastError)
}

func TestStopGraceful(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	require.NoError(t, f.sup.Stop(ctx, id, 0))
	f.waitState(t, id, StateStopped)
	assert.False(t, f.launcher.proc(0).killed)

	// Stopping again is a no-op.
	require.NoError(t, f.sup.Stop(ctx, id, 0))
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	f.launcher.ignoreTerm = true
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	done := make(chan error, 1)
	go func() { done <- f.sup.Stop(ctx, id, 0) }()

	// The worker is parked in its grace wait, so drive the fake clock until
	// the kill fires.
	var stopErr error
	require.Eventually(t, func() bool {
		f.clk.Advance(5 * time.Second)
		select {
		case stopErr = <-done:
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond, "stop did not finish after the grace period")
	require.NoError(t, stopErr)
	assert.True(t, f.launcher.proc(0).killed)
	f.waitState(t, id, StateStopped)
}

func TestStopHonorsPerCallGrace(t *testing.T) {
	f := newFixture(t)
	f.launcher.ignoreTerm = true
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	done := make(chan error, 1)
	go func() { done <- f.sup.Stop(ctx, id, 2*time.Second) }()

	// The requested 2s grace must win over the fixture default of 5s.
	var stopErr error
	var advanced time.Duration
	require.Eventually(t, func() bool {
		select {
		case stopErr = <-done:
			return true
		default:
		}
		f.clk.Advance(time.Second)
		advanced += time.Second
		return false
	}, 3*time.Second, 20*time.Millisecond, "stop did not finish after the requested grace")
	require.NoError(t, stopErr)
	assert.True(t, f.launcher.proc(0).killed)
	assert.Less(t, advanced, 5*time.Second, "kill fired on the default grace, not the requested one")
}

func TestStartReturnsWhileChildBoots(t *testing.T) {
	f := newFixture(t)
	tr := &slowTransport{}
	f.useTransport(tr)
	id := f.addDefinition(t, func(d *config.ServerDefinition) { d.Advanced.TimeoutSeconds = 1 })

	ctx := context.Background()
	begun := time.Now()
	require.NoError(t, f.sup.Start(ctx, id))
	assert.Less(t, time.Since(begun), 500*time.Millisecond, "start must not wait for readiness")

	// The worker keeps answering while the child boots.
	sctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	snap, err := f.sup.Status(sctx, id)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, StateStarting, snap.State)

	// Ready flips; the next poll promotes to Running.
	tr.up.Store(true)
	require.Eventually(t, func() bool {
		if f.state(id) == StateRunning {
			return true
		}
		f.clk.Advance(readyPollInterval)
		return false
	}, 3*time.Second, 5*time.Millisecond, "instance never became ready")
}

func TestStopInterruptsPendingStart(t *testing.T) {
	f := newFixture(t)
	f.useTransport(&slowTransport{})
	id := f.addDefinition(t, func(d *config.ServerDefinition) { d.Advanced.TimeoutSeconds = 30 })

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	assert.Equal(t, StateStarting, f.state(id))

	require.NoError(t, f.sup.Stop(ctx, id, 0))
	f.waitState(t, id, StateStopped)
	assert.True(t, f.launcher.proc(0).exited)
}

func TestReadinessTimeoutSchedulesRestart(t *testing.T) {
	f := newFixture(t)
	tr := &slowTransport{}
	f.useTransport(tr)
	id := f.addDefinition(t, func(d *config.ServerDefinition) { d.Advanced.TimeoutSeconds = 1 })

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))

	// Never ready: past the deadline the instance must leave Starting for
	// the restart path instead of waiting forever.
	require.Eventually(t, func() bool {
		if f.state(id) == StateRestarting {
			return true
		}
		f.clk.Advance(readyPollInterval)
		return false
	}, 3*time.Second, 5*time.Millisecond, "deadline miss never scheduled a restart")

	snap, err := f.sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, snap.LastError, "not ready")

	// Once the child answers, the next attempt comes up as usual.
	tr.up.Store(true)
	f.clk.Advance(restartDelay(1))
	f.waitState(t, id, StateRunning)
	assert.Equal(t, 2, f.launcher.count())
}

func TestCrashLoopAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil) // default maxRetries = 3

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	// Three crashes consume the three automatic attempts.
	for attempt := 1; attempt <= 3; attempt++ {
		f.launcher.proc(f.launcher.count() - 1).exit(1)
		f.waitState(t, id, StateRestarting)
		f.clk.Advance(restartDelay(attempt))
		f.waitState(t, id, StateRunning)
		assert.Equal(t, 1+attempt, f.launcher.count())
	}

	// The fourth crash must not produce another attempt.
	f.launcher.proc(f.launcher.count() - 1).exit(1)
	f.waitState(t, id, StateCrashLoop)
	f.clk.Advance(10 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.launcher.count())

	snap, err := f.sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, snap.LastError, "crash loop")
	require.NotNil(t, snap.LastExitCode)
	assert.Equal(t, 1, *snap.LastExitCode)

	// An operator start clears the terminal state and the restart budget.
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)
	assert.Equal(t, 5, f.launcher.count())
	snap, err = f.sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, snap.RestartCount)
}

func TestNoAutoRestartWhenOptedOut(t *testing.T) {
	f := newFixture(t)
	off := false
	id := f.addDefinition(t, func(d *config.ServerDefinition) {
		d.Advanced.RestartOnFailure = &off
	})

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	f.launcher.proc(0).exit(2)
	f.waitState(t, id, StateFailed)
	assert.Equal(t, 1, f.launcher.count())
}

func TestOperatorRestart(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	require.NoError(t, f.sup.Restart(ctx, id))
	f.waitState(t, id, StateRunning)
	assert.Equal(t, 2, f.launcher.count())

	snap, err := f.sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RestartCount)
}

func TestUnhealthyReportTriggersRestart(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	f.sup.ReportUnhealthy(id, "3 consecutive probe failures")
	f.waitState(t, id, StateRestarting)

	f.clk.Advance(restartDelay(1))
	f.waitState(t, id, StateRunning)
	assert.Equal(t, 2, f.launcher.count())

	snap, err := f.sup.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RestartCount)
}

func TestTransportAccess(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	_, err := f.sup.Transport(ctx, id)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	tr, err := f.sup.Transport(ctx, id)
	require.NoError(t, err)
	out, err := tr.Invoke(ctx, "echo", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = f.sup.Transport(ctx, "01BX5ZZKBKACTAV9WEVGEMMVS0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadeStopsInstance(t *testing.T) {
	f := newFixture(t)
	f.reg.SetDeleteHook(func(ctx context.Context, defID string) error {
		return f.sup.Remove(ctx, defID)
	})
	id := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	require.NoError(t, f.reg.Delete(ctx, id))

	// The instance was stopped before the delete was acknowledged.
	assert.True(t, f.launcher.proc(0).exited)
	_, err := f.sup.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcileStartsAutoStart(t *testing.T) {
	f := newFixture(t)
	auto := f.addDefinition(t, func(d *config.ServerDefinition) { d.AutoStart = true })
	f.addDefinition(t, nil)

	f.sup.Reconcile(context.Background())
	f.waitState(t, auto, StateRunning)
	assert.Equal(t, 1, f.launcher.count())
}

func TestReconcileLeavesCrashLoopAlone(t *testing.T) {
	f := newFixture(t)
	id := f.addDefinition(t, func(d *config.ServerDefinition) { d.AutoStart = true })

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, id))
	f.waitState(t, id, StateRunning)

	for attempt := 1; attempt <= 3; attempt++ {
		f.launcher.proc(f.launcher.count() - 1).exit(1)
		f.waitState(t, id, StateRestarting)
		f.clk.Advance(restartDelay(attempt))
		f.waitState(t, id, StateRunning)
	}
	f.launcher.proc(f.launcher.count() - 1).exit(1)
	f.waitState(t, id, StateCrashLoop)

	f.sup.Reconcile(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, f.launcher.count())
}

func TestSpawnFailureLeavesStopped(t *testing.T) {
	f := newFixture(t)
	f.launcher.launchErr = errors.New("permission denied")
	id := f.addDefinition(t, nil)

	err := f.sup.Start(context.Background(), id)
	var se *SpawnError
	require.ErrorAs(t, err, &se)

	snap, err := f.sup.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newFixture(t)
	a := f.addDefinition(t, nil)
	b := f.addDefinition(t, nil)

	ctx := context.Background()
	require.NoError(t, f.sup.Start(ctx, a))
	require.NoError(t, f.sup.Start(ctx, b))
	f.waitState(t, a, StateRunning)
	f.waitState(t, b, StateRunning)

	require.NoError(t, f.sup.Shutdown(ctx))
	assert.True(t, f.launcher.proc(0).exited)
	assert.True(t, f.launcher.proc(1).exited)

	err := f.sup.Start(ctx, a)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
