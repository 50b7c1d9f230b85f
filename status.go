package supervise

import "time"

// Status is the read-only aggregate consumed by the host's external
// status endpoint: per-module lifecycle state, current anomaly flags,
// and the most recent health-probe sweep.
type Status struct {
	Modules     []ModuleStatus    `json:"modules"`
	Flags       map[string]string `json:"flags"`
	Health      HealthResult      `json:"health"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// StatusReporter assembles Status snapshots from the supervision
// components. Flags and health may be nil for hosts that don't wire
// them.
type StatusReporter struct {
	manager *ModuleManager
	flags   *FlagManager
	health  *HealthChecker
}

// NewStatusReporter creates a reporter over the given components.
func NewStatusReporter(manager *ModuleManager, flags *FlagManager, health *HealthChecker) *StatusReporter {
	return &StatusReporter{manager: manager, flags: flags, health: health}
}

// Report returns the current aggregate snapshot.
func (r *StatusReporter) Report() Status {
	status := Status{
		Modules:     r.manager.ModuleStates(),
		Flags:       map[string]string{},
		GeneratedAt: time.Now(),
	}
	if r.flags != nil {
		status.Flags = r.flags.Flags()
	}
	if r.health != nil {
		status.Health = r.health.Results()
	}
	return status
}
