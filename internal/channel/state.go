package channel

// State is the lifecycle state of a process channel.
type State int

const (
	// Idle is the state of a channel that has not been started yet.
	Idle State = iota
	Starting
	Ready
	Busy
	Restarting
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Restarting:
		return "restarting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// transitions lists the legal moves of the channel state machine.
// Every state may also move to Terminated.
var transitions = map[State][]State{
	Idle:       {Starting},
	Starting:   {Ready, Restarting},
	Ready:      {Busy},
	Busy:       {Ready, Restarting},
	Restarting: {Starting},
}

func canTransition(from, to State) bool {
	if to == Terminated {
		return from != Terminated
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
