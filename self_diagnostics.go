package supervise

import (
	"context"
	"time"
)

const (
	// DefaultDiagnosticsInterval is the polling interval of
	// SelfDiagnostics.
	DefaultDiagnosticsInterval = 60 * time.Second

	// reconnect backoff policy: base*2^attempt, capped, bounded attempts.
	defaultReconnectAttempts = 5
	defaultReconnectBase     = 200 * time.Millisecond
	defaultReconnectMax      = 10 * time.Second
)

// SelfDiagnostics polls each active module's self-reported health
// metrics on its own timer. A metric exceeding its declared threshold
// emits a degradation event and flags the module. Modules that also
// expose a health check are probed; a failing check on a reconnectable
// module drives a bounded exponential-backoff reconnect loop until the
// check passes or attempts are exhausted. Polling errors are contained
// per module and never terminate the loop.
type SelfDiagnostics struct {
	manager  *ModuleManager
	flags    *FlagManager
	logger   Logger
	subject  Subject
	metrics  MetricsSink
	interval time.Duration

	reconnectAttempts int
	reconnectBase     time.Duration
	reconnectMax      time.Duration

	worker monitorWorker
}

// NewSelfDiagnostics creates a diagnostics monitor polling at the given
// interval (non-positive falls back to the default). Flags, subject, and
// metrics may be nil.
func NewSelfDiagnostics(manager *ModuleManager, flags *FlagManager, logger Logger, subject Subject, metrics MetricsSink, interval time.Duration) *SelfDiagnostics {
	if interval <= 0 {
		interval = DefaultDiagnosticsInterval
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &SelfDiagnostics{
		manager:           manager,
		flags:             flags,
		logger:            logger,
		subject:           subject,
		metrics:           metrics,
		interval:          interval,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectBase:     defaultReconnectBase,
		reconnectMax:      defaultReconnectMax,
	}
}

// Start launches the monitoring goroutine. Starting twice is a no-op.
func (s *SelfDiagnostics) Start() {
	s.worker.start(s.interval, s.pass)
}

// Stop halts the monitoring goroutine, joining it with a bounded wait.
// Stopping twice is a no-op.
func (s *SelfDiagnostics) Stop(ctx context.Context) error {
	return s.worker.stop(ctx)
}

func (s *SelfDiagnostics) pass(ctx context.Context) {
	for _, mod := range s.manager.ActiveModules() {
		s.inspectModule(ctx, mod)
	}
}

func (s *SelfDiagnostics) inspectModule(ctx context.Context, mod Module) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Panic during diagnostics", "module", mod.Name(), "panic", rec)
			emitEvent(ctx, s.subject, s.logger, EventTypeDiagnosticsError, "self-diagnostics",
				map[string]any{"module": mod.Name(), "error": "panic during diagnostics"})
		}
	}()

	if hm, ok := mod.(HealthMetricsProvider); ok {
		s.evaluateMetrics(ctx, mod.Name(), hm.HealthMetrics())
	}

	hc, checkable := mod.(HealthCheckable)
	if !checkable {
		return
	}
	if err := hc.HealthCheck(ctx); err != nil {
		s.logger.Warn("Module health check failed", "module", mod.Name(), "error", err)
		if rc, reconnectable := mod.(Reconnectable); reconnectable {
			s.reconnectLoop(ctx, mod.Name(), hc, rc)
		}
	}
}

func (s *SelfDiagnostics) evaluateMetrics(ctx context.Context, name string, metrics HealthMetrics) {
	s.metrics.RecordHealthMetrics(name, metrics.ResponseTime, metrics.ErrorRate)

	slowResponse := metrics.ResponseTimeThreshold > 0 && metrics.ResponseTime > metrics.ResponseTimeThreshold
	highErrorRate := metrics.ErrorRateThreshold > 0 && metrics.ErrorRate > metrics.ErrorRateThreshold
	if !slowResponse && !highErrorRate {
		return
	}

	s.logger.Warn("Module degradation detected",
		"module", name,
		"responseTime", metrics.ResponseTime, "responseTimeThreshold", metrics.ResponseTimeThreshold,
		"errorRate", metrics.ErrorRate, "errorRateThreshold", metrics.ErrorRateThreshold)
	emitEvent(ctx, s.subject, s.logger, EventTypeModuleDegradation, "self-diagnostics",
		map[string]any{
			"module":       name,
			"responseTime": metrics.ResponseTime.Seconds(),
			"errorRate":    metrics.ErrorRate,
		})
	if s.flags != nil {
		s.flags.Flag(name, "health metrics exceeded declared thresholds")
	}
}

// reconnectLoop retries the module's reconnect capability with capped
// exponential backoff until its health check passes or attempts are
// exhausted.
func (s *SelfDiagnostics) reconnectLoop(ctx context.Context, name string, hc HealthCheckable, rc Reconnectable) {
	for attempt := 0; attempt < s.reconnectAttempts; attempt++ {
		delay := s.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := rc.Reconnect(ctx); err != nil {
			s.logger.Warn("Module reconnect attempt failed",
				"module", name, "attempt", attempt+1, "error", err)
			continue
		}
		if err := hc.HealthCheck(ctx); err == nil {
			s.logger.Info("Module reconnected", "module", name, "attempts", attempt+1)
			emitEvent(ctx, s.subject, s.logger, EventTypeModuleReconnected, "self-diagnostics",
				map[string]any{"module": name, "attempts": attempt + 1})
			return
		}
	}

	s.logger.Error("Module reconnect attempts exhausted", "module", name, "attempts", s.reconnectAttempts)
	emitEvent(ctx, s.subject, s.logger, EventTypeDiagnosticsError, "self-diagnostics",
		map[string]any{"module": name, "error": "reconnect attempts exhausted"})
	if s.flags != nil {
		s.flags.Flag(name, "reconnect attempts exhausted")
	}
}

// backoffDelay computes the capped exponential delay for an attempt.
func (s *SelfDiagnostics) backoffDelay(attempt int) time.Duration {
	delay := s.reconnectBase << uint(attempt)
	if delay > s.reconnectMax || delay <= 0 {
		return s.reconnectMax
	}
	return delay
}
