package supervise

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultResourceInterval is the sampling interval of the
// ResourceLimiter.
const DefaultResourceInterval = 10 * time.Second

// ProcessSample is one OS-level usage reading for a module's process.
type ProcessSample struct {
	MemoryMB   float64
	CPUPercent float64
}

// ProcessSampler reads usage for a pid. The default implementation uses
// gopsutil; tests substitute a fake.
type ProcessSampler func(pid int32) (ProcessSample, error)

func gopsutilProcessSampler(pid int32) (ProcessSample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessSample{}, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return ProcessSample{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return ProcessSample{}, err
	}
	return ProcessSample{
		MemoryMB:   float64(mi.RSS) / (1024 * 1024),
		CPUPercent: cpu,
	}, nil
}

// ResourceLimiter polls every active module's OS process for memory and
// CPU usage on its own timer, broadcasts each sample, and emits a
// resource-limit-warning event (and flags the module) when a declared
// quota is exceeded. Modules without a process id are skipped silently.
// Sampling errors are caught at the sampling site and never terminate
// the loop.
type ResourceLimiter struct {
	manager  *ModuleManager
	flags    *FlagManager
	logger   Logger
	subject  Subject
	metrics  MetricsSink
	interval time.Duration
	sampler  ProcessSampler

	worker monitorWorker
}

// NewResourceLimiter creates a limiter polling at the given interval (a
// non-positive interval falls back to the default). Flags, subject, and
// metrics may be nil.
func NewResourceLimiter(manager *ModuleManager, flags *FlagManager, logger Logger, subject Subject, metrics MetricsSink, interval time.Duration) *ResourceLimiter {
	if interval <= 0 {
		interval = DefaultResourceInterval
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &ResourceLimiter{
		manager:  manager,
		flags:    flags,
		logger:   logger,
		subject:  subject,
		metrics:  metrics,
		interval: interval,
		sampler:  gopsutilProcessSampler,
	}
}

// Start launches the monitoring goroutine. Starting twice is a no-op.
func (r *ResourceLimiter) Start() {
	r.worker.start(r.interval, r.samplePass)
}

// Stop halts the monitoring goroutine, joining it with a bounded wait.
// Stopping twice is a no-op.
func (r *ResourceLimiter) Stop(ctx context.Context) error {
	return r.worker.stop(ctx)
}

// samplePass inspects every active module once.
func (r *ResourceLimiter) samplePass(ctx context.Context) {
	for _, mod := range r.manager.ActiveModules() {
		r.sampleModule(ctx, mod)
	}
}

func (r *ResourceLimiter) sampleModule(ctx context.Context, mod Module) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic during resource sampling", "module", mod.Name(), "panic", rec)
		}
	}()

	pa, ok := mod.(ProcessAware)
	if !ok {
		return
	}
	pid, attached := pa.PID()
	if !attached {
		return
	}

	sample, err := r.sampler(pid)
	if err != nil {
		emitEvent(ctx, r.subject, r.logger, EventTypeResourceMonitorError, "resource-limiter",
			map[string]any{"module": mod.Name(), "error": err.Error()})
		return
	}

	r.metrics.RecordResourceSample(mod.Name(), sample.MemoryMB, sample.CPUPercent)

	qa, ok := mod.(QuotaAware)
	if !ok {
		return
	}
	quota := qa.ResourceQuota()
	memExceeded := quota.MemoryMB > 0 && sample.MemoryMB > quota.MemoryMB
	cpuExceeded := quota.CPUPercent > 0 && sample.CPUPercent > quota.CPUPercent
	if !memExceeded && !cpuExceeded {
		return
	}

	r.logger.Warn("Module exceeded resource quota",
		"module", mod.Name(), "memoryMb", sample.MemoryMB, "cpuPercent", sample.CPUPercent,
		"quotaMemoryMb", quota.MemoryMB, "quotaCpuPercent", quota.CPUPercent)
	emitEvent(ctx, r.subject, r.logger, EventTypeResourceLimitWarning, "resource-limiter",
		map[string]any{
			"module": mod.Name(),
			"memory": sample.MemoryMB,
			"cpu":    sample.CPUPercent,
			"quota":  quota,
		})
	if r.flags != nil {
		r.flags.Flag(mod.Name(), "resource usage exceeded quota")
	}
}
