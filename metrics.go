package supervise

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink receives samples from the supervision components. The
// indirection keeps the components testable and lets hosts without a
// metrics pipeline pass NopMetrics.
type MetricsSink interface {
	// RecordLoad counts a load attempt with result "success", "failure",
	// or "safe_mode".
	RecordLoad(module, result string)

	// SetModuleState reports a module's current lifecycle state.
	SetModuleState(module string, state ModuleState)

	// RecordProfile reports one profiled call.
	RecordProfile(module, function string, elapsed time.Duration, peakBytes uint64)

	// RecordResourceSample reports one OS-level resource sample.
	RecordResourceSample(module string, memoryMB, cpuPercent float64)

	// RecordHealthMetrics reports one self-diagnostics sample.
	RecordHealthMetrics(module string, responseTime time.Duration, errorRate float64)

	// RecordFlag counts a raised anomaly flag.
	RecordFlag(module string)
}

// NopMetrics discards all samples.
type NopMetrics struct{}

func (NopMetrics) RecordLoad(string, string)                           {}
func (NopMetrics) SetModuleState(string, ModuleState)                  {}
func (NopMetrics) RecordProfile(string, string, time.Duration, uint64) {}
func (NopMetrics) RecordResourceSample(string, float64, float64)       {}
func (NopMetrics) RecordHealthMetrics(string, time.Duration, float64)  {}
func (NopMetrics) RecordFlag(string)                                   {}

// PrometheusMetrics exports supervision samples as Prometheus
// collectors.
type PrometheusMetrics struct {
	loadsTotal     *prometheus.CounterVec
	moduleState    *prometheus.GaugeVec
	profileSeconds *prometheus.HistogramVec
	profilePeak    *prometheus.GaugeVec
	resourceMemory *prometheus.GaugeVec
	resourceCPU    *prometheus.GaugeVec
	responseTime   *prometheus.GaugeVec
	errorRate      *prometheus.GaugeVec
	flagsTotal     *prometheus.CounterVec
}

// NewPrometheusMetrics creates the supervision collectors and registers
// them with reg. A nil registerer uses the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		loadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervise_module_loads_total",
			Help: "Module load attempts by result.",
		}, []string{"module", "result"}),
		moduleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervise_module_state",
			Help: "Current module state (0 unloaded, 1 loaded, 2 paused, 3 safe mode).",
		}, []string{"module"}),
		profileSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "supervise_profile_duration_seconds",
			Help:    "Wall-clock duration of profiled module calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"module", "function"}),
		profilePeak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervise_profile_peak_memory_bytes",
			Help: "Peak memory delta of the most recent profiled call.",
		}, []string{"module", "function"}),
		resourceMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervise_module_memory_mb",
			Help: "Resident memory of the module's OS process in MiB.",
		}, []string{"module"}),
		resourceCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervise_module_cpu_percent",
			Help: "CPU usage of the module's OS process.",
		}, []string{"module"}),
		responseTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervise_module_response_time_seconds",
			Help: "Self-reported module response time.",
		}, []string{"module"}),
		errorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "supervise_module_error_rate",
			Help: "Self-reported module error rate.",
		}, []string{"module"}),
		flagsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervise_flags_raised_total",
			Help: "Anomaly flags raised per module.",
		}, []string{"module"}),
	}
	reg.MustRegister(
		m.loadsTotal, m.moduleState, m.profileSeconds, m.profilePeak,
		m.resourceMemory, m.resourceCPU, m.responseTime, m.errorRate, m.flagsTotal,
	)
	return m
}

func (m *PrometheusMetrics) RecordLoad(module, result string) {
	m.loadsTotal.WithLabelValues(module, result).Inc()
}

func (m *PrometheusMetrics) SetModuleState(module string, state ModuleState) {
	m.moduleState.WithLabelValues(module).Set(float64(state))
}

func (m *PrometheusMetrics) RecordProfile(module, function string, elapsed time.Duration, peakBytes uint64) {
	m.profileSeconds.WithLabelValues(module, function).Observe(elapsed.Seconds())
	m.profilePeak.WithLabelValues(module, function).Set(float64(peakBytes))
}

func (m *PrometheusMetrics) RecordResourceSample(module string, memoryMB, cpuPercent float64) {
	m.resourceMemory.WithLabelValues(module).Set(memoryMB)
	m.resourceCPU.WithLabelValues(module).Set(cpuPercent)
}

func (m *PrometheusMetrics) RecordHealthMetrics(module string, responseTime time.Duration, errorRate float64) {
	m.responseTime.WithLabelValues(module).Set(responseTime.Seconds())
	m.errorRate.WithLabelValues(module).Set(errorRate)
}

func (m *PrometheusMetrics) RecordFlag(module string) {
	m.flagsTotal.WithLabelValues(module).Inc()
}
