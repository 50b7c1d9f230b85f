package supervise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scalerFixture loads three modules: two expendable (priority at or
// above the cutoff) and one critical.
func scalerFixture(t *testing.T, subject Subject) (*ModuleManager, *DynamicScaler) {
	t.Helper()
	ctx := context.Background()
	mgr := NewModuleManager(newTestHost(), &recordingLogger{}, WithSubject(nil))

	load := func(name string, priority int) {
		mgr.RegisterFactory(name, factoryFor(&stubModule{name: name}))
		cfg := NewModuleConfig()
		cfg.Priority = priority
		require.True(t, mgr.LoadModule(ctx, name, cfg))
	}
	load("critical", 10)
	load("cache-warmer", 50)
	load("telemetry", 90)

	scaler := NewDynamicScaler(mgr, &recordingLogger{}, subject, ScalerPolicy{
		Interval:          time.Hour,
		CPUThreshold:      85,
		MemoryThreshold:   85,
		LowPriorityCutoff: 50,
	})
	return mgr, scaler
}

func TestTickPausesLowPriorityUnderPressure(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	mgr, scaler := scalerFixture(t, bus)
	scaler.sampler = func() (SystemSample, error) {
		return SystemSample{CPUPercent: 95, MemoryPercent: 40}, nil
	}

	scaler.tick(ctx)

	assert.Equal(t, StateLoaded, mgr.State("critical"))
	assert.Equal(t, StatePaused, mgr.State("cache-warmer"))
	assert.Equal(t, StatePaused, mgr.State("telemetry"))
	assert.ElementsMatch(t, []string{"cache-warmer", "telemetry"}, scaler.PausedModules())
	assert.Equal(t, 2, capture.countType(EventTypeScalerPaused))

	// Sustained pressure does not re-pause.
	scaler.tick(ctx)
	assert.Equal(t, 2, capture.countType(EventTypeScalerPaused))
}

func TestTickResumesWhenPressureSubsides(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	mgr, scaler := scalerFixture(t, bus)
	pressure := SystemSample{MemoryPercent: 95}
	scaler.sampler = func() (SystemSample, error) { return pressure, nil }

	scaler.tick(ctx)
	require.ElementsMatch(t, []string{"cache-warmer", "telemetry"}, scaler.PausedModules())

	pressure = SystemSample{CPUPercent: 20, MemoryPercent: 30}
	scaler.tick(ctx)

	assert.Equal(t, StateLoaded, mgr.State("cache-warmer"))
	assert.Equal(t, StateLoaded, mgr.State("telemetry"))
	assert.Empty(t, scaler.PausedModules())
	assert.Equal(t, 2, capture.countType(EventTypeScalerResumed))
}

func TestTickDoesNotResumeModulesItDidNotPause(t *testing.T) {
	ctx := context.Background()
	mgr, scaler := scalerFixture(t, nil)
	scaler.sampler = func() (SystemSample, error) {
		return SystemSample{CPUPercent: 10, MemoryPercent: 10}, nil
	}

	// Paused by an operator, not by the scaler.
	require.NoError(t, mgr.PauseModule(ctx, "telemetry"))

	scaler.tick(ctx)
	assert.Equal(t, StatePaused, mgr.State("telemetry"))
}

func TestTickForgetsModulesUnloadedWhilePaused(t *testing.T) {
	ctx := context.Background()
	mgr, scaler := scalerFixture(t, nil)
	pressure := SystemSample{CPUPercent: 95}
	scaler.sampler = func() (SystemSample, error) { return pressure, nil }

	scaler.tick(ctx)
	require.Contains(t, scaler.PausedModules(), "telemetry")

	// Operator reloads telemetry behind the scaler's back; it is LOADED
	// again and must not be touched on the next resume sweep.
	require.NoError(t, mgr.ResumeModule(ctx, "telemetry"))

	pressure = SystemSample{CPUPercent: 10}
	scaler.tick(ctx)
	assert.NotContains(t, scaler.PausedModules(), "telemetry")
	assert.Equal(t, StateLoaded, mgr.State("telemetry"))
}

func TestTickSurvivesSamplerError(t *testing.T) {
	ctx := context.Background()
	mgr, scaler := scalerFixture(t, nil)
	scaler.sampler = func() (SystemSample, error) {
		return SystemSample{}, assert.AnError
	}

	scaler.tick(ctx)
	assert.Equal(t, StateLoaded, mgr.State("telemetry"))
	assert.Empty(t, scaler.PausedModules())
}

func TestScalerPolicyDefaults(t *testing.T) {
	policy := ScalerPolicy{}.withDefaults()
	assert.Equal(t, DefaultScalerInterval, policy.Interval)
	assert.Equal(t, DefaultScalerCPUThreshold, policy.CPUThreshold)
	assert.Equal(t, DefaultScalerMemoryThreshold, policy.MemoryThreshold)
	assert.Equal(t, DefaultLowPriorityCutoff, policy.LowPriorityCutoff)
}
