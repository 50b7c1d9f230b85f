package supervise

import (
	"context"
	"runtime"
	"sync"
	"time"
)

const (
	// profileWarnElapsed is the wall-clock duration above which a
	// profiled call logs a warning.
	profileWarnElapsed = time.Second

	// profileWarnPeakBytes is the peak memory delta above which a
	// profiled call logs a warning (10 MiB).
	profileWarnPeakBytes = 10 * 1024 * 1024

	// memSampleInterval is how often the memory bracket samples heap
	// usage while a profiled call runs.
	memSampleInterval = time.Millisecond
)

// ProfileStat is the most recent measurement for one (module, function)
// pair plus a call counter.
type ProfileStat struct {
	Elapsed   time.Duration `json:"elapsed"`
	PeakBytes uint64        `json:"peakBytes"`
	Calls     int           `json:"calls"`
}

// Profiler wraps module lifecycle calls to record wall-clock time and
// peak heap growth. A sampling bracket surrounds the call: heap usage is
// read before the call, sampled while it runs, and read once more after
// it returns; the recorded peak is the largest observed delta. Results
// accumulate per (module, function) pair, and calls exceeding the
// warning thresholds log the concrete numbers.
//
// The same wrapper serves synchronous and asynchronous callers alike:
// operations take a context and return an error, and whether the caller
// runs the wrapped function inline or in a goroutine is its own choice.
type Profiler struct {
	mu      sync.Mutex
	stats   map[string]map[string]ProfileStat
	logger  Logger
	metrics MetricsSink

	warnElapsed    time.Duration
	warnPeakBytes  uint64
	sampleInterval time.Duration
}

// NewProfiler creates a profiler with the standard warning thresholds
// (1 s elapsed, 10 MiB peak memory). Logger and metrics may be nil.
func NewProfiler(logger Logger, metrics MetricsSink) *Profiler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Profiler{
		stats:          make(map[string]map[string]ProfileStat),
		logger:         logger,
		metrics:        metrics,
		warnElapsed:    profileWarnElapsed,
		warnPeakBytes:  profileWarnPeakBytes,
		sampleInterval: memSampleInterval,
	}
}

// Profile returns a wrapper around op that records elapsed time and peak
// memory under the given module and function labels.
func (p *Profiler) Profile(module, function string, op func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		bracket := startMemBracket(p.sampleInterval)
		start := time.Now()
		err := op(ctx)
		elapsed := time.Since(start)
		peak := bracket.stop()
		p.record(module, function, elapsed, peak)
		return err
	}
}

func (p *Profiler) record(module, function string, elapsed time.Duration, peak uint64) {
	p.mu.Lock()
	byFunc := p.stats[module]
	if byFunc == nil {
		byFunc = make(map[string]ProfileStat)
		p.stats[module] = byFunc
	}
	stat := byFunc[function]
	stat.Elapsed = elapsed
	stat.PeakBytes = peak
	stat.Calls++
	byFunc[function] = stat
	p.mu.Unlock()

	p.metrics.RecordProfile(module, function, elapsed, peak)

	if elapsed > p.warnElapsed || peak > p.warnPeakBytes {
		if p.logger != nil {
			p.logger.Warn("Profiled call exceeded thresholds",
				"module", module, "function", function,
				"elapsedSeconds", elapsed.Seconds(), "peakKB", peak/1024)
		}
	}
}

// Stats returns a copy of all collected measurements.
func (p *Profiler) Stats() map[string]map[string]ProfileStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]map[string]ProfileStat, len(p.stats))
	for module, byFunc := range p.stats {
		inner := make(map[string]ProfileStat, len(byFunc))
		for function, stat := range byFunc {
			inner[function] = stat
		}
		out[module] = inner
	}
	return out
}

// Stat returns the measurement for one (module, function) pair.
func (p *Profiler) Stat(module, function string) (ProfileStat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stat, ok := p.stats[module][function]
	return stat, ok
}

// memBracket samples heap usage around a profiled call. The sampler
// goroutine tracks the high-water mark so short-lived allocations inside
// the call are observed even if they are collected before it returns.
type memBracket struct {
	baseline uint64
	peak     uint64
	mu       sync.Mutex
	done     chan struct{}
	finished sync.WaitGroup
}

func startMemBracket(interval time.Duration) *memBracket {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	b := &memBracket{
		baseline: ms.HeapAlloc,
		peak:     ms.HeapAlloc,
		done:     make(chan struct{}),
	}
	b.finished.Add(1)
	go func() {
		defer b.finished.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.sample()
			}
		}
	}()
	return b
}

func (b *memBracket) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	b.mu.Lock()
	if ms.HeapAlloc > b.peak {
		b.peak = ms.HeapAlloc
	}
	b.mu.Unlock()
}

// stop ends sampling and returns the peak heap growth over the baseline.
func (b *memBracket) stop() uint64 {
	b.sample()
	close(b.done)
	b.finished.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peak <= b.baseline {
		return 0
	}
	return b.peak - b.baseline
}
