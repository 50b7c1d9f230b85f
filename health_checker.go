package supervise

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// probeTimeout bounds each individual liveness probe.
const probeTimeout = 5 * time.Second

// ModelProber is the inference-model readiness probe supplied by the
// host. A nil prober reports the model as unavailable.
type ModelProber interface {
	Ready(ctx context.Context) error
}

// HealthProbeConfig names the external targets of the probe battery.
// Empty database or cache targets are treated as "not configured" and
// report healthy, matching the policy that an absent dependency is not a
// failure.
type HealthProbeConfig struct {
	DatabaseDriver string   `json:"databaseDriver"`
	DatabaseDSN    string   `json:"databaseDsn"`
	RedisAddr      string   `json:"redisAddr"`
	Endpoints      []string `json:"endpoints"`
}

// HealthResult is the consolidated outcome of one probe sweep, consumed
// by the host's external status endpoint.
type HealthResult struct {
	Database  bool            `json:"database"`
	Cache     bool            `json:"cache"`
	Model     bool            `json:"model"`
	Endpoints map[string]bool `json:"endpoints"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// HealthChecker runs a fixed battery of liveness probes: data-store
// ping, cache ping, inference-model readiness, and a list of external
// HTTP endpoints. Each probe is wrapped so failure degrades to false
// rather than raising. Sweeps can run on demand or on a cron schedule.
type HealthChecker struct {
	cfg    HealthProbeConfig
	model  ModelProber
	logger Logger
	http   *resty.Client

	mu      sync.Mutex
	results HealthResult
	cron    *cron.Cron
}

// NewHealthChecker creates a checker for the given probe targets. The
// model prober may be nil.
func NewHealthChecker(cfg HealthProbeConfig, model ModelProber, logger Logger) *HealthChecker {
	return &HealthChecker{
		cfg:    cfg,
		model:  model,
		logger: logger,
		http:   resty.New().SetTimeout(probeTimeout),
	}
}

// RunAll executes every probe and stores the aggregated result.
func (h *HealthChecker) RunAll(ctx context.Context) HealthResult {
	result := HealthResult{
		Database:  h.checkDatabase(ctx),
		Cache:     h.checkCache(ctx),
		Model:     h.checkModel(ctx),
		Endpoints: h.checkEndpoints(ctx),
		CheckedAt: time.Now(),
	}
	h.mu.Lock()
	h.results = result
	h.mu.Unlock()
	return result
}

// Results returns the most recent probe sweep.
func (h *HealthChecker) Results() HealthResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.results
}

// StartPeriodic begins probe sweeps on the given cron schedule
// (robfig/cron syntax, e.g. "@every 1m"). Calling it twice replaces the
// schedule.
func (h *HealthChecker) StartPeriodic(schedule string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		h.cron.Stop()
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout*4)
		defer cancel()
		h.RunAll(ctx)
	}); err != nil {
		return fmt.Errorf("invalid health schedule %q: %w", schedule, err)
	}
	c.Start()
	h.cron = c
	return nil
}

// StopPeriodic halts scheduled sweeps. Idempotent.
func (h *HealthChecker) StopPeriodic() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron != nil {
		h.cron.Stop()
		h.cron = nil
	}
}

// checkDatabase pings the configured data store. Unconfigured reports
// healthy.
func (h *HealthChecker) checkDatabase(ctx context.Context) bool {
	if h.cfg.DatabaseDSN == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	db, err := sql.Open(h.cfg.DatabaseDriver, h.cfg.DatabaseDSN)
	if err != nil {
		h.logger.Warn("Database probe failed to open", "driver", h.cfg.DatabaseDriver, "error", err)
		return false
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		h.logger.Warn("Database probe failed", "error", err)
		return false
	}
	return true
}

// checkCache pings the configured cache. Unconfigured reports healthy.
func (h *HealthChecker) checkCache(ctx context.Context) bool {
	if h.cfg.RedisAddr == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: h.cfg.RedisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		h.logger.Warn("Cache probe failed", "addr", h.cfg.RedisAddr, "error", err)
		return false
	}
	return true
}

// checkModel probes inference-model readiness. A host without a prober
// reports unavailable rather than erroring.
func (h *HealthChecker) checkModel(ctx context.Context) bool {
	if h.model == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := h.model.Ready(ctx); err != nil {
		h.logger.Warn("Model readiness probe failed", "error", err)
		return false
	}
	return true
}

// checkEndpoints probes each configured external endpoint, reporting
// reachable as a status below 400.
func (h *HealthChecker) checkEndpoints(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(h.cfg.Endpoints))
	for _, url := range h.cfg.Endpoints {
		resp, err := h.http.R().SetContext(ctx).Get(url)
		if err != nil {
			h.logger.Warn("Endpoint probe failed", "url", url, "error", err)
			results[url] = false
			continue
		}
		results[url] = resp.StatusCode() < 400
	}
	return results
}
