package supervise

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultScalerInterval is the system sampling interval of the
	// DynamicScaler.
	DefaultScalerInterval = 5 * time.Second

	// DefaultScalerCPUThreshold and DefaultScalerMemoryThreshold are the
	// system-wide usage percentages above which low-priority modules are
	// paused.
	DefaultScalerCPUThreshold    = 85.0
	DefaultScalerMemoryThreshold = 85.0

	// DefaultLowPriorityCutoff marks modules with priority at or above
	// this value as expendable under pressure.
	DefaultLowPriorityCutoff = 50
)

// SystemSample is one system-wide usage reading.
type SystemSample struct {
	CPUPercent    float64
	MemoryPercent float64
}

// SystemSampler reads system-wide usage. The default implementation uses
// gopsutil; tests substitute a fake.
type SystemSampler func() (SystemSample, error)

func gopsutilSystemSampler() (SystemSample, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return SystemSample{}, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return SystemSample{}, err
	}
	sample := SystemSample{MemoryPercent: vm.UsedPercent}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	return sample, nil
}

// ScalerPolicy is the pressure policy of the DynamicScaler. Zero values
// fall back to the defaults.
type ScalerPolicy struct {
	Interval          time.Duration
	CPUThreshold      float64
	MemoryThreshold   float64
	LowPriorityCutoff int
}

func (p ScalerPolicy) withDefaults() ScalerPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultScalerInterval
	}
	if p.CPUThreshold <= 0 {
		p.CPUThreshold = DefaultScalerCPUThreshold
	}
	if p.MemoryThreshold <= 0 {
		p.MemoryThreshold = DefaultScalerMemoryThreshold
	}
	if p.LowPriorityCutoff <= 0 {
		p.LowPriorityCutoff = DefaultLowPriorityCutoff
	}
	return p
}

// DynamicScaler samples system-wide CPU and memory usage on its own
// timer. When either exceeds its threshold it pauses every loaded module
// whose declared priority is at or above the low-priority cutoff
// (best-effort, individual failures logged and skipped); once pressure
// subsides it resumes exactly the set it previously paused. Pause and
// resume go through the ModuleManager's public operations, whose mutex
// makes the cross-goroutine calls safe.
type DynamicScaler struct {
	manager *ModuleManager
	logger  Logger
	subject Subject
	policy  ScalerPolicy
	sampler SystemSampler

	mu     sync.Mutex
	paused map[string]struct{}

	worker monitorWorker
}

// NewDynamicScaler creates a scaler with the given policy. The subject
// may be nil.
func NewDynamicScaler(manager *ModuleManager, logger Logger, subject Subject, policy ScalerPolicy) *DynamicScaler {
	return &DynamicScaler{
		manager: manager,
		logger:  logger,
		subject: subject,
		policy:  policy.withDefaults(),
		sampler: gopsutilSystemSampler,
		paused:  make(map[string]struct{}),
	}
}

// Start launches the scaling goroutine. Starting twice is a no-op.
func (d *DynamicScaler) Start() {
	d.worker.start(d.policy.Interval, d.tick)
}

// Stop halts the scaling goroutine, joining it with a bounded wait.
// Stopping twice is a no-op.
func (d *DynamicScaler) Stop(ctx context.Context) error {
	return d.worker.stop(ctx)
}

// PausedModules returns the set of module names the scaler is currently
// holding paused.
func (d *DynamicScaler) PausedModules() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.paused))
	for name := range d.paused {
		out = append(out, name)
	}
	return out
}

func (d *DynamicScaler) tick(ctx context.Context) {
	sample, err := d.sampler()
	if err != nil {
		d.logger.Warn("System sampling failed", "error", err)
		return
	}

	underPressure := sample.CPUPercent > d.policy.CPUThreshold ||
		sample.MemoryPercent > d.policy.MemoryThreshold
	if underPressure {
		d.pauseLowPriority(ctx, sample)
	} else {
		d.resumePaused(ctx)
	}
}

func (d *DynamicScaler) pauseLowPriority(ctx context.Context, sample SystemSample) {
	for _, name := range d.manager.LoadedModuleNames() {
		cfg, ok := d.manager.Config(name)
		if !ok || cfg.Priority < d.policy.LowPriorityCutoff {
			continue
		}
		d.mu.Lock()
		_, already := d.paused[name]
		d.mu.Unlock()
		if already {
			continue
		}

		if err := d.manager.PauseModule(ctx, name); err != nil {
			d.logger.Warn("Failed to pause module under pressure", "module", name, "error", err)
			continue
		}
		d.mu.Lock()
		d.paused[name] = struct{}{}
		d.mu.Unlock()
		emitEvent(ctx, d.subject, d.logger, EventTypeScalerPaused, "dynamic-scaler",
			map[string]any{
				"module":        name,
				"cpuPercent":    sample.CPUPercent,
				"memoryPercent": sample.MemoryPercent,
			})
	}
}

func (d *DynamicScaler) resumePaused(ctx context.Context) {
	d.mu.Lock()
	names := make([]string, 0, len(d.paused))
	for name := range d.paused {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		if d.manager.State(name) != StatePaused {
			// Unloaded or reloaded behind our back; forget it.
			d.mu.Lock()
			delete(d.paused, name)
			d.mu.Unlock()
			continue
		}
		if err := d.manager.ResumeModule(ctx, name); err != nil {
			d.logger.Warn("Failed to resume module", "module", name, "error", err)
			continue
		}
		d.mu.Lock()
		delete(d.paused, name)
		d.mu.Unlock()
		emitEvent(ctx, d.subject, d.logger, EventTypeScalerResumed, "dynamic-scaler",
			map[string]any{"module": name})
	}
}
