// Package supervise provides runtime supervision for independently
// versioned host modules. It discovers declarative manifests, loads
// modules in priority order, monitors them for resource and health
// anomalies, and degrades failing modules into a safe mode instead of
// crashing the host process.
//
// The supervision core is built from small collaborating components:
// a ModuleManager that owns the authoritative per-module state machine,
// a ModuleLoader that turns on-disk manifests into transactional load
// batches, a FlagManager and FallbackManager that contain failures, a
// Profiler that instruments lifecycle calls, and three background
// monitors (ResourceLimiter, SelfDiagnostics, DynamicScaler) that feed
// pause/resume/flag decisions back into the manager.
//
// Basic usage:
//
//	mgr := supervise.NewModuleManager(host, logger)
//	mgr.RegisterFactory("telemetry", func() supervise.Module { return &TelemetryModule{} })
//	if !mgr.LoadModule(ctx, "telemetry", supervise.NewModuleConfig()) {
//		log.Fatal("telemetry module failed to load")
//	}
package supervise

import (
	"context"
	"time"
)

// Module is the contract every supervised module must implement.
// A module is an opaque capability unit identified by a unique name.
// The manager creates it through a registered ModuleFactory, initializes
// it with Setup, and tears it down with Cleanup. Both calls may block on
// I/O and must honor the supplied context.
type Module interface {
	// Name returns the unique identifier for this module.
	// It must match the name the factory was registered under.
	Name() string

	// Setup initializes the module. It receives the host process handle
	// and the free-form configuration mapping from the module's config.
	// A non-nil error marks the load attempt as failed; the manager
	// routes it to the module's fallback handler and flags the module.
	Setup(ctx context.Context, host Host, config map[string]any) error

	// Cleanup releases the module's resources. Errors are routed to the
	// fallback handler but never prevent the module's removal from the
	// live registry.
	Cleanup(ctx context.Context) error
}

// Host is the narrow view of the embedding process handed to modules
// during Setup. Hosts typically expose richer surfaces through their own
// concrete type; modules that need more can type-assert.
type Host interface {
	// Logger returns the host's structured logger.
	Logger() Logger
}

// ModuleFactory constructs a fresh module instance. Factories are
// registered with the ModuleManager per module name and stand in for
// dynamic import: the host decides at build time which modules exist,
// the manager decides at runtime which ones run.
type ModuleFactory func() Module

// Versioned is an optional interface for modules that declare a semantic
// version. Modules reporting a version below the manager's configured
// minimum are refused at load.
type Versioned interface {
	Version() string
}

// RequirementAware is an optional interface for modules that depend on
// external packages. Every declared requirement must be resolvable
// before Setup is attempted; otherwise the module enters safe mode.
type RequirementAware interface {
	// Requires returns the names of external packages this module needs.
	Requires() []string
}

// ProcessAware is an optional interface for modules that run work in a
// separate OS process. The ResourceLimiter samples memory and CPU usage
// of the reported process; modules without a pid are skipped silently.
type ProcessAware interface {
	// PID returns the module's OS process id. The boolean reports
	// whether a process is currently attached.
	PID() (int32, bool)
}

// QuotaAware is an optional interface for modules that declare a
// resource ceiling. Zero values mean unlimited in that dimension.
type QuotaAware interface {
	ResourceQuota() ResourceQuota
}

// HealthMetricsProvider is an optional interface for modules that
// self-report health metrics, polled by SelfDiagnostics.
type HealthMetricsProvider interface {
	HealthMetrics() HealthMetrics
}

// HealthCheckable is an optional interface for modules that can verify
// their own liveness on demand.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) error
}

// Reconnectable is an optional interface for modules that can
// re-establish a failed backing connection. SelfDiagnostics drives a
// bounded exponential-backoff reconnect loop when a health check fails.
type Reconnectable interface {
	Reconnect(ctx context.Context) error
}

// EventHandler is an optional interface for modules that accept
// structured events from the host through ModuleManager.SendEvent.
type EventHandler interface {
	// HandleEvent processes an event. The boolean reports whether the
	// module consumed it.
	HandleEvent(ctx context.Context, event ModuleEvent) (bool, error)
}

// ResourceQuota is a per-module resource ceiling. A zero value in either
// dimension disables enforcement for that dimension.
type ResourceQuota struct {
	MemoryMB   float64 `json:"memoryMb"`
	CPUPercent float64 `json:"cpuPercent"`
}

// HealthMetrics is a module's self-reported health sample. Thresholds of
// zero disable the corresponding comparison.
type HealthMetrics struct {
	ResponseTime          time.Duration `json:"responseTime"`
	ErrorRate             float64       `json:"errorRate"`
	ResponseTimeThreshold time.Duration `json:"responseTimeThreshold"`
	ErrorRateThreshold    float64       `json:"errorRateThreshold"`
}

// ModuleEvent is a structured event delivered to a loaded module.
type ModuleEvent struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
