package domain

// LifecycleState is the worker's current position in its lifecycle. Exactly
// one state is active at a time; it is mutated only through the worker's
// transition path.
type LifecycleState int

const (
	StateCreated LifecycleState = iota
	StateStarting
	StateReady
	StateWorking
	StateStopping
	StateStopped
	StateErrored
)

// States lists every lifecycle state, in lifecycle order
var States = []LifecycleState{
	StateCreated,
	StateStarting,
	StateReady,
	StateWorking,
	StateStopping,
	StateStopped,
	StateErrored,
}

// String returns the lowercase state name used in logs and reports
func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateWorking:
		return "working"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so snapshots serialize the
// state by name
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the worker's externally visible status, pushed to the reporter
// on every transition and returned by Report.
type Snapshot struct {
	Name      string         `json:"name"`
	Host      string         `json:"host"`
	State     LifecycleState `json:"state"`
	LastError string         `json:"last_error,omitempty"`
	Payload   *Payload       `json:"payload,omitempty"`
}
