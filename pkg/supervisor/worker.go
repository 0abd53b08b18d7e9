package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/transport"
)

// Snapshot is a point-in-time view of an instance, safe to hand across
// goroutines.
type Snapshot struct {
	DefinitionID string     `json:"definitionId"`
	State        State      `json:"state"`
	PID          int        `json:"pid,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	RestartCount int        `json:"restartCount"`
	LastExitCode *int       `json:"lastExitCode,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdUnhealthy
	cmdSnapshot
	cmdTransport
	cmdShutdown
)

type cmdReply struct {
	err  error
	snap Snapshot
	tr   transport.Transport
}

type command struct {
	kind   cmdKind
	reason string
	grace  time.Duration
	reply  chan cmdReply
}

// readyEvent is posted by the readiness watcher goroutine. gen ties the event
// to the launch that spawned the watcher so a stale watcher cannot touch a
// later incarnation.
type readyEvent struct {
	gen      int
	timedOut bool
	after    time.Duration
}

// worker owns one definition's instance. All instance state lives inside the
// run goroutine; everything else talks to it through the command channel.
type worker struct {
	defID string
	sup   *Supervisor
	cmds  chan command
	ready chan readyEvent
	log   *slog.Logger

	// Everything below is owned by run.
	state        State
	proc         Process
	tr           transport.Transport
	pid          int
	startedAt    time.Time
	restartCount int
	lastExitCode *int
	lastError    string
	crashTimes   []time.Time
	restartDue   <-chan time.Time
	gen          int
	cancelReady  context.CancelFunc
}

func newWorker(defID string, sup *Supervisor) *worker {
	w := &worker{
		defID: defID,
		sup:   sup,
		cmds:  make(chan command, 8),
		ready: make(chan readyEvent, 1),
		log:   sup.log.With("server", defID),
		state: StateStopped,
	}
	sup.wg.Add(1)
	go w.run()
	return w
}

// send issues a command and waits for the reply.
func (w *worker) send(ctx context.Context, cmd command) (cmdReply, error) {
	reply := make(chan cmdReply, 1)
	cmd.reply = reply
	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return cmdReply{}, ctx.Err()
	}
}

// notify issues a command without waiting; used for health reports so a busy
// worker never blocks the prober.
func (w *worker) notify(kind cmdKind, reason string) {
	select {
	case w.cmds <- command{kind: kind, reason: reason}:
	default:
		w.log.Warn("dropping instance signal, command queue full", "reason", reason)
	}
}

func (w *worker) run() {
	defer w.sup.wg.Done()
	for {
		select {
		case cmd := <-w.cmds:
			if w.handle(cmd) {
				return
			}
		case ev := <-w.ready:
			w.onReady(ev)
		case res := <-w.procDone():
			w.handleExit(res)
		case <-w.restartDue:
			w.restartDue = nil
			w.autoStart()
		}
	}
}

// procDone returns the exit channel when a process is live, else nil so the
// select arm stays disabled.
func (w *worker) procDone() <-chan ExitResult {
	if w.proc == nil {
		return nil
	}
	return w.proc.Done()
}

// handle runs one command; returns true when the worker should exit.
func (w *worker) handle(cmd command) bool {
	var r cmdReply
	switch cmd.kind {
	case cmdStart:
		r.err = w.operatorStart()
	case cmdStop:
		w.restartDue = nil
		w.stopProcess(cmd.grace)
	case cmdRestart:
		r.err = w.operatorRestart()
	case cmdUnhealthy:
		w.onUnhealthy(cmd.reason)
	case cmdSnapshot:
		r.snap = w.snapshot()
	case cmdTransport:
		if w.tr == nil || (w.state != StateRunning && w.state != StateDegraded) {
			r.err = ErrNotRunning
		} else {
			r.tr = w.tr
		}
	case cmdShutdown:
		w.restartDue = nil
		w.stopProcess(0)
		if cmd.reply != nil {
			cmd.reply <- r
		}
		return true
	}
	if cmd.reply != nil {
		cmd.reply <- r
	}
	return false
}

// operatorStart clears any terminal state and launches. Starting an instance
// that is already live is a no-op.
func (w *worker) operatorStart() error {
	if w.state.Live() {
		return nil
	}
	w.restartCount = 0
	w.crashTimes = nil
	w.restartDue = nil
	w.lastError = ""
	return w.startProcess()
}

func (w *worker) operatorRestart() error {
	w.restartDue = nil
	if w.state.Live() {
		w.stopProcess(0)
		w.restartCount++
	}
	return w.startProcess()
}

// autoStart is a scheduled restart attempt firing after its backoff delay.
func (w *worker) autoStart() {
	if w.state != StateRestarting {
		return
	}
	err := w.startProcess()
	if err == nil {
		return
	}
	w.log.Warn("automatic restart attempt failed", "error", err)

	// Configuration problems and vanished definitions are not retried.
	var pf *PreflightError
	if errors.As(err, &pf) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDisabled) {
		return
	}
	w.scheduleRestart("restart attempt failed: " + err.Error())
}

// startProcess runs preflight, spawns the child, wires the transport, and
// waits for readiness.
func (w *worker) startProcess() error {
	def, err := w.sup.reg.Get(w.defID)
	if err != nil {
		w.setState(StateStopped)
		return ErrNotFound
	}
	if def.Disabled {
		w.setState(StateStopped)
		return ErrDisabled
	}

	if err := preflight(def); err != nil {
		w.lastError = err.Error()
		w.setState(StateFailed)
		return err
	}

	// Secrets are resolved here and handed straight to the child; they are
	// never retained or logged.
	env, err := w.sup.reg.SpawnEnv(w.defID)
	if err != nil {
		w.lastError = err.Error()
		w.setState(StateFailed)
		return &SpawnError{Err: err}
	}

	ctx := context.Background()
	proc, err := w.sup.launcher.Launch(ctx, LaunchSpec{
		Command:    def.Command,
		Args:       def.Args,
		WorkingDir: def.WorkingDir,
		Env:        env,
		Pipes:      def.Protocol == config.ProtocolStdio,
		Log:        w.log,
	})
	if err != nil {
		w.lastError = err.Error()
		w.setState(StateStopped)
		return &SpawnError{Err: err}
	}

	w.proc = proc
	w.pid = proc.PID()
	w.startedAt = w.sup.clock.Now()
	w.setState(StateStarting)
	w.log.Info("process started", "pid", w.pid, "command", def.Command)

	tr, err := w.sup.newTransport(ctx, def, transport.Options{
		Stdin:  proc.Stdin(),
		Stdout: proc.Stdout(),
		Log:    w.log,
		OnDisconnect: func(cause error) {
			w.notify(cmdUnhealthy, fmt.Sprintf("connection lost: %v", cause))
		},
	})
	if err != nil {
		w.lastError = err.Error()
		w.killProcess()
		w.setState(StateStopped)
		return &SpawnError{Err: err}
	}
	w.tr = tr

	w.watchReadiness(tr, def.Timeout())
	return nil
}

// watchReadiness polls the transport from its own goroutine and posts the
// verdict back onto the worker loop, so the worker keeps answering commands
// while the child boots. A stop or exit cancels the watcher.
func (w *worker) watchReadiness(tr transport.Transport, timeout time.Duration) {
	w.stopReadyWatch()
	w.gen++
	gen := w.gen
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelReady = cancel

	go func() {
		deadline := w.sup.clock.Now().Add(timeout)
		probeTimeout := 2 * time.Second
		if timeout < probeTimeout {
			probeTimeout = timeout
		}
		for {
			pctx, pcancel := context.WithTimeout(ctx, probeTimeout)
			ok := tr.IsReady(pctx)
			pcancel()
			if ctx.Err() != nil {
				return
			}
			if ok {
				w.postReady(ctx, readyEvent{gen: gen})
				return
			}
			if !w.sup.clock.Now().Before(deadline) {
				w.postReady(ctx, readyEvent{gen: gen, timedOut: true, after: timeout})
				return
			}
			select {
			case <-w.sup.clock.After(readyPollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *worker) postReady(ctx context.Context, ev readyEvent) {
	select {
	case w.ready <- ev:
	case <-ctx.Done():
	}
}

// stopReadyWatch retires the current readiness watcher, if any.
func (w *worker) stopReadyWatch() {
	if w.cancelReady != nil {
		w.cancelReady()
		w.cancelReady = nil
	}
}

// onReady applies the watcher's verdict. Anything but a timely ready report
// from the current launch goes through the restart path.
func (w *worker) onReady(ev readyEvent) {
	if ev.gen != w.gen || w.state != StateStarting {
		return
	}
	w.stopReadyWatch()
	if ev.timedOut {
		w.log.Warn("instance did not report ready in time", "timeout", ev.after)
		w.onUnhealthy(fmt.Sprintf("not ready within %s", ev.after))
		return
	}
	w.setState(StateRunning)
	w.log.Info("instance ready")
}

const readyPollInterval = 200 * time.Millisecond

// stopProcess brings the instance to Stopped: close the transport, ask the
// child to exit, escalate to a kill after the grace period. A non-positive
// grace uses the supervisor's default.
func (w *worker) stopProcess(grace time.Duration) {
	w.stopReadyWatch()
	if grace <= 0 {
		grace = w.sup.grace
	}
	if w.proc == nil {
		w.setState(StateStopped)
		return
	}
	w.setState(StateStopping)

	if w.tr != nil {
		w.tr.Close()
		w.tr = nil
	}

	if err := w.proc.Terminate(); err != nil {
		w.log.Debug("terminate signal failed", "error", err)
	}

	select {
	case res := <-w.proc.Done():
		w.recordExit(res)
	case <-w.sup.clock.After(grace):
		w.log.Warn("grace period elapsed, killing process", "pid", w.pid)
		if err := w.proc.Kill(); err != nil {
			w.log.Error("kill failed", "error", err)
		}
		w.recordExit(<-w.proc.Done())
	}

	w.proc = nil
	w.pid = 0
	w.setState(StateStopped)
	w.log.Info("process stopped")
}

// killProcess force-kills without grace, used when startup wiring fails.
func (w *worker) killProcess() {
	w.stopReadyWatch()
	if w.proc == nil {
		return
	}
	w.proc.Kill()
	<-w.proc.Done()
	w.proc = nil
	w.pid = 0
}

// handleExit reacts to a child exiting on its own.
func (w *worker) handleExit(res ExitResult) {
	w.stopReadyWatch()
	w.recordExit(res)
	w.proc = nil
	w.pid = 0
	if w.tr != nil {
		w.tr.Close()
		w.tr = nil
	}

	def, err := w.sup.reg.Get(w.defID)
	if err != nil {
		w.setState(StateStopped)
		return
	}

	w.lastError = fmt.Sprintf("process exited unexpectedly (code %d)", exitCode(res))
	w.log.Warn("process exited unexpectedly", "code", exitCode(res))

	if !def.RestartOnFailure() {
		w.setState(StateFailed)
		return
	}
	w.scheduleRestart(w.lastError)
}

// onUnhealthy handles a health monitor report or a connection drop: mark
// Degraded, stop whatever is left, and go through the restart path.
func (w *worker) onUnhealthy(reason string) {
	if w.state != StateRunning && w.state != StateStarting {
		return
	}
	w.lastError = reason
	w.setState(StateDegraded)
	w.log.Warn("instance unhealthy", "reason", reason)

	if w.proc != nil {
		w.stopProcess(0)
	}
	w.scheduleRestart(reason)
}

// scheduleRestart books the next automatic attempt, or declares CrashLoop
// when the attempt budget inside the rolling window is spent.
func (w *worker) scheduleRestart(reason string) {
	now := w.sup.clock.Now()

	// A long stable run earns a fresh restart budget.
	if w.state == StateRunning || w.state == StateDegraded || w.state == StateStopped {
		if !w.startedAt.IsZero() && now.Sub(w.startedAt) >= stableAfter {
			w.restartCount = 0
			w.crashTimes = nil
		}
	}

	def, err := w.sup.reg.Get(w.defID)
	if err != nil {
		w.setState(StateStopped)
		return
	}

	w.crashTimes = pruneWindow(w.crashTimes, now)
	if len(w.crashTimes) >= def.MaxRetries() {
		w.lastError = fmt.Sprintf("crash loop: %d restarts within %s (%s)", len(w.crashTimes), crashWindow, reason)
		w.setState(StateCrashLoop)
		w.log.Error("instance entered crash loop", "restarts", len(w.crashTimes))
		return
	}

	w.crashTimes = append(w.crashTimes, now)
	w.restartCount++
	delay := restartDelay(len(w.crashTimes))
	w.setState(StateRestarting)
	w.restartDue = w.sup.clock.After(delay)
	w.log.Info("restart scheduled", "attempt", len(w.crashTimes), "delay", delay)
}

func (w *worker) recordExit(res ExitResult) {
	code := exitCode(res)
	w.lastExitCode = &code
}

func (w *worker) setState(s State) {
	if w.state == s {
		return
	}
	if !canTransition(w.state, s) {
		w.log.Debug("forcing lifecycle transition", "from", w.state, "to", s)
	}
	w.state = s
	w.sup.observeState(w.defID, s)
}

func (w *worker) snapshot() Snapshot {
	snap := Snapshot{
		DefinitionID: w.defID,
		State:        w.state,
		PID:          w.pid,
		RestartCount: w.restartCount,
		LastError:    w.lastError,
	}
	if w.lastExitCode != nil {
		code := *w.lastExitCode
		snap.LastExitCode = &code
	}
	if !w.startedAt.IsZero() && w.state.Live() {
		t := w.startedAt
		snap.StartedAt = &t
	}
	return snap
}

func exitCode(res ExitResult) int {
	return res.Code
}
