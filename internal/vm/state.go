package vm

// State is the lifecycle state of a Vm. Transitions are monotonic except
// Running and Paused, which alternate; Exited is terminal and reachable from
// any state on fatal error.
type State int

const (
	StateUninitialized State = iota
	StateMemoryReady
	StateDevicesReady
	StateCpuReady
	StateRunning
	StatePaused
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateMemoryReady:
		return "memory-ready"
	case StateDevicesReady:
		return "devices-ready"
	case StateCpuReady:
		return "cpu-ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// canTransition reports whether moving from s to next is legal.
func (s State) canTransition(next State) bool {
	if s == StateExited {
		return false
	}
	if next == StateExited {
		return true
	}
	switch s {
	case StateUninitialized:
		return next == StateMemoryReady
	case StateMemoryReady:
		return next == StateDevicesReady
	case StateDevicesReady:
		return next == StateCpuReady
	case StateCpuReady:
		return next == StateRunning
	case StateRunning:
		return next == StatePaused
	case StatePaused:
		return next == StateRunning
	default:
		return false
	}
}
