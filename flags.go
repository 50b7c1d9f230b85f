package supervise

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultFlagErrorThreshold is the number of errors inside the
	// sliding window that raises an anomaly flag.
	DefaultFlagErrorThreshold = 3

	// DefaultFlagWindow is the trailing window over which errors are
	// accumulated.
	DefaultFlagWindow = 60 * time.Second
)

// FlagManager tracks per-module error bursts inside a sliding time
// window and raises a persistent anomaly flag once a threshold is
// exceeded. A flag does not change the module's state by itself, but the
// ModuleManager refuses to auto-load a flagged module until the flag is
// explicitly cleared.
type FlagManager struct {
	mu             sync.Mutex
	errorThreshold int
	window         time.Duration
	flags          map[string]string
	errors         map[string][]time.Time
	logger         Logger
	subject        Subject
	metrics        MetricsSink

	now func() time.Time
}

// NewFlagManager creates a flag manager with the given policy. A
// threshold or window of zero falls back to the defaults. Logger,
// subject, and metrics may be nil.
func NewFlagManager(errorThreshold int, window time.Duration, logger Logger, subject Subject, metrics MetricsSink) *FlagManager {
	if errorThreshold <= 0 {
		errorThreshold = DefaultFlagErrorThreshold
	}
	if window <= 0 {
		window = DefaultFlagWindow
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &FlagManager{
		errorThreshold: errorThreshold,
		window:         window,
		flags:          make(map[string]string),
		errors:         make(map[string][]time.Time),
		logger:         logger,
		subject:        subject,
		metrics:        metrics,
		now:            time.Now,
	}
}

// Flag marks moduleName as anomalous for the given reason and emits a
// flag-raised event. Re-flagging overwrites the reason.
func (f *FlagManager) Flag(moduleName, reason string) {
	f.mu.Lock()
	f.flags[moduleName] = reason
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Warn("Module flagged", "module", moduleName, "reason", reason)
	}
	f.metrics.RecordFlag(moduleName)
	emitEvent(context.Background(), f.subject, f.logger, EventTypeAnomalyFlagged, "flag-manager",
		map[string]any{"module": moduleName, "reason": reason})
}

// IsFlagged reports whether moduleName currently carries a flag.
func (f *FlagManager) IsFlagged(moduleName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flags[moduleName]
	return ok
}

// FlagReason returns the reason string for a flagged module.
func (f *FlagManager) FlagReason(moduleName string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.flags[moduleName]
	return reason, ok
}

// Flags returns a copy of all current flags keyed by module name.
func (f *FlagManager) Flags() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.flags))
	for name, reason := range f.flags {
		out[name] = reason
	}
	return out
}

// ClearFlag removes the flag for moduleName, re-enabling auto-loads, and
// emits a flag-cleared event. Clearing an unflagged module is a no-op.
func (f *FlagManager) ClearFlag(moduleName string) {
	f.mu.Lock()
	_, had := f.flags[moduleName]
	delete(f.flags, moduleName)
	f.mu.Unlock()

	if !had {
		return
	}
	if f.logger != nil {
		f.logger.Info("Module flag cleared", "module", moduleName)
	}
	emitEvent(context.Background(), f.subject, f.logger, EventTypeFlagCleared, "flag-manager",
		map[string]any{"module": moduleName})
}

// RecordError appends an error timestamp to the module's history, prunes
// entries older than the window, and flags the module once the pruned
// history reaches the threshold. Flagging clears the history so a raised
// flag cannot immediately re-trigger.
func (f *FlagManager) RecordError(moduleName string, err error) {
	f.mu.Lock()
	now := f.now()
	history := f.errors[moduleName]
	pruned := history[:0]
	for _, t := range history {
		if now.Sub(t) < f.window {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)

	if len(pruned) >= f.errorThreshold {
		f.errors[moduleName] = nil
		f.mu.Unlock()
		reason := "error threshold exceeded"
		if err != nil {
			reason = "error threshold exceeded: " + err.Error()
		}
		f.Flag(moduleName, reason)
		return
	}
	f.errors[moduleName] = pruned
	f.mu.Unlock()
}
