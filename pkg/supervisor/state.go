package supervisor

// State is an instance's position in its lifecycle.
type State string

const (
	// StateStopped means no process exists for the definition.
	StateStopped State = "stopped"

	// StateStarting means the process was spawned and the transport has not
	// yet reported ready.
	StateStarting State = "starting"

	// StateRunning means the instance is serving.
	StateRunning State = "running"

	// StateStopping means a stop was requested and the process is winding
	// down.
	StateStopping State = "stopping"

	// StateDegraded means the instance is up but failing health checks or
	// has lost its connection.
	StateDegraded State = "degraded"

	// StateRestarting means an automatic restart is pending its backoff
	// delay.
	StateRestarting State = "restarting"

	// StateFailed means the last start attempt did not produce a serving
	// process. Cleared only by an operator start.
	StateFailed State = "failed"

	// StateCrashLoop means automatic restarts were exhausted inside the
	// crash window. Terminal until an operator start.
	StateCrashLoop State = "crash_loop"
)

// Live reports whether a child process may exist in this state.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateDegraded:
		return true
	}
	return false
}

// Terminal reports whether the state only yields to an operator start.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateCrashLoop
}

var transitions = map[State][]State{
	StateStopped:    {StateStarting, StateFailed, StateRestarting, StateCrashLoop},
	StateStarting:   {StateRunning, StateDegraded, StateStopping, StateFailed, StateStopped, StateRestarting, StateCrashLoop},
	StateRunning:    {StateDegraded, StateStopping, StateRestarting, StateCrashLoop},
	StateDegraded:   {StateRestarting, StateStopping, StateFailed, StateCrashLoop},
	StateRestarting: {StateStarting, StateStopping, StateStopped, StateCrashLoop},
	StateStopping:   {StateStopped},
	StateFailed:     {StateStarting},
	StateCrashLoop:  {StateStarting},
}

// canTransition reports whether the lifecycle permits from→to.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
