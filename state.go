package supervise

// ModuleState is the lifecycle state of a module name. Every known name
// has exactly one current state; the live instance exists only while the
// state is StateLoaded or StatePaused.
type ModuleState int

const (
	// StateUnloaded is the initial state and the state after a
	// successful or failed unload.
	StateUnloaded ModuleState = iota

	// StateLoaded means Setup succeeded and the instance is in the live
	// registry, visible to the background monitors.
	StateLoaded

	// StatePaused means the instance was removed from the live registry
	// by resource-pressure throttling but retains its configuration so
	// resume is cheap.
	StatePaused

	// StateSafeMode is a degraded, non-retrying state entered when
	// prerequisite validation fails. A module in safe mode is never
	// auto-retried; an operator must clear its flag and reload.
	StateSafeMode
)

// String returns the canonical upper-case name of the state.
func (s ModuleState) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoaded:
		return "LOADED"
	case StatePaused:
		return "PAUSED"
	case StateSafeMode:
		return "SAFE_MODE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler so states render as
// their names in JSON status payloads.
func (s ModuleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ModuleStatus is a read-only snapshot of one module's supervision
// state, used by the status surface.
type ModuleStatus struct {
	Name    string      `json:"name"`
	State   ModuleState `json:"state"`
	Version string      `json:"version,omitempty"`
}
