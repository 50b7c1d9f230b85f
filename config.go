package supervise

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// DefaultPriority is assumed when a manifest or caller does not declare
// a load priority. Lower priorities load first; priorities at or above
// the scaler's low-priority cutoff are eligible for pressure pausing.
const DefaultPriority = 50

// ModuleConfig is the immutable per-load configuration of a module.
// It is supplied externally, either parsed from a manifest or passed by
// the caller, and must not change once a load begins.
type ModuleConfig struct {
	// Enabled gates the load; disabled modules are skipped.
	Enabled bool `json:"enabled"`

	// Priority determines batch load order (lower loads first) and
	// scaling eligibility (higher is more expendable under pressure).
	Priority int `json:"priority"`

	// Config is the free-form mapping passed to the module's Setup.
	Config map[string]any `json:"config"`
}

// NewModuleConfig returns a ModuleConfig with defaults applied: enabled,
// DefaultPriority, empty configuration mapping.
func NewModuleConfig() ModuleConfig {
	return ModuleConfig{
		Enabled:  true,
		Priority: DefaultPriority,
		Config:   map[string]any{},
	}
}

// NamedConfig pairs a module name with its load configuration, the unit
// of a batch load request.
type NamedConfig struct {
	Name   string       `json:"name"`
	Config ModuleConfig `json:"config"`
}

// Config holds the supervisor's runtime tunables, loaded from the
// environment. Defaults match the supervision policy the components
// document individually.
type Config struct {
	// FlagManager policy
	FlagErrorThreshold int           `env:"SUPERVISE_FLAG_ERROR_THRESHOLD, default=3"`
	FlagWindow         time.Duration `env:"SUPERVISE_FLAG_WINDOW, default=60s"`

	// ModuleManager policy
	MinModuleVersion string `env:"SUPERVISE_MIN_MODULE_VERSION, default=1.0.0"`

	// Monitor intervals
	ResourceInterval    time.Duration `env:"SUPERVISE_RESOURCE_INTERVAL, default=10s"`
	DiagnosticsInterval time.Duration `env:"SUPERVISE_DIAGNOSTICS_INTERVAL, default=60s"`
	ScalerInterval      time.Duration `env:"SUPERVISE_SCALER_INTERVAL, default=5s"`

	// DynamicScaler policy
	ScalerCPUThreshold    float64 `env:"SUPERVISE_SCALER_CPU_THRESHOLD, default=85"`
	ScalerMemoryThreshold float64 `env:"SUPERVISE_SCALER_MEMORY_THRESHOLD, default=85"`
	LowPriorityCutoff     int     `env:"SUPERVISE_LOW_PRIORITY_CUTOFF, default=50"`

	// Loader paths
	ModulesDir string `env:"SUPERVISE_MODULES_DIR, default=modules"`
	StateFile  string `env:"SUPERVISE_STATE_FILE, default=module_state.json"`

	// Health probe targets; empty values disable the probe.
	DatabaseDriver    string   `env:"SUPERVISE_DB_DRIVER"`
	DatabaseDSN       string   `env:"SUPERVISE_DB_DSN"`
	RedisAddr         string   `env:"SUPERVISE_REDIS_ADDR"`
	ExternalEndpoints []string `env:"SUPERVISE_EXTERNAL_ENDPOINTS"`

	// HealthSchedule is the cron expression for periodic probe sweeps.
	HealthSchedule string `env:"SUPERVISE_HEALTH_SCHEDULE, default=@every 1m"`

	// ListenAddr is the bind address of the host's status/metrics surface.
	ListenAddr string `env:"SUPERVISE_LISTEN_ADDR, default=:8089"`
}

// LoadConfig reads the supervisor configuration from the environment.
func LoadConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load supervisor config: %w", err)
	}
	return &cfg, nil
}
