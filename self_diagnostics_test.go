package supervise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFastDiagnostics(mgr *ModuleManager, flags *FlagManager, subject Subject) *SelfDiagnostics {
	diag := NewSelfDiagnostics(mgr, flags, &recordingLogger{}, subject, nil, time.Hour)
	diag.reconnectBase = time.Millisecond
	diag.reconnectMax = 5 * time.Millisecond
	return diag
}

func TestPassEmitsDegradationAndFlags(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	flags := NewFlagManager(3, time.Minute, nil, nil, nil)
	mgr := newTestManager(t)
	mod := &diagModule{
		stubModule: stubModule{name: "slow"},
		metrics: HealthMetrics{
			ResponseTime:          3 * time.Second,
			ResponseTimeThreshold: time.Second,
		},
	}
	mgr.RegisterFactory("slow", factoryFor(mod))
	require.True(t, mgr.LoadModule(ctx, "slow", NewModuleConfig()))

	diag := newFastDiagnostics(mgr, flags, bus)
	diag.pass(ctx)

	assert.Equal(t, 1, capture.countType(EventTypeModuleDegradation))
	assert.True(t, flags.IsFlagged("slow"))
	reason, _ := flags.FlagReason("slow")
	assert.Equal(t, "health metrics exceeded declared thresholds", reason)
}

func TestPassWithinThresholdsIsQuiet(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	flags := NewFlagManager(3, time.Minute, nil, nil, nil)
	mgr := newTestManager(t)
	mod := &diagModule{
		stubModule: stubModule{name: "fine"},
		metrics: HealthMetrics{
			ResponseTime:          100 * time.Millisecond,
			ResponseTimeThreshold: time.Second,
			ErrorRate:             0.01,
			ErrorRateThreshold:    0.1,
		},
	}
	mgr.RegisterFactory("fine", factoryFor(mod))
	require.True(t, mgr.LoadModule(ctx, "fine", NewModuleConfig()))

	diag := newFastDiagnostics(mgr, flags, bus)
	diag.pass(ctx)

	assert.Zero(t, capture.countType(EventTypeModuleDegradation))
	assert.False(t, flags.IsFlagged("fine"))
}

func TestReconnectRecoversAfterRetries(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	flags := NewFlagManager(3, time.Minute, nil, nil, nil)
	mgr := newTestManager(t)
	mod := &diagModule{
		stubModule: stubModule{name: "flaky"},
		healthErr:  errors.New("connection lost"),
		healAfter:  3,
	}
	mgr.RegisterFactory("flaky", factoryFor(mod))
	require.True(t, mgr.LoadModule(ctx, "flaky", NewModuleConfig()))

	diag := newFastDiagnostics(mgr, flags, bus)
	diag.pass(ctx)

	assert.Equal(t, 3, mod.reconnects())
	assert.Equal(t, 1, capture.countType(EventTypeModuleReconnected))
	assert.False(t, flags.IsFlagged("flaky"))
}

func TestReconnectExhaustionFlags(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	flags := NewFlagManager(3, time.Minute, nil, nil, nil)
	mgr := newTestManager(t)
	mod := &diagModule{
		stubModule: stubModule{name: "dead"},
		healthErr:  errors.New("connection lost"),
	}
	mgr.RegisterFactory("dead", factoryFor(mod))
	require.True(t, mgr.LoadModule(ctx, "dead", NewModuleConfig()))

	diag := newFastDiagnostics(mgr, flags, bus)
	diag.reconnectAttempts = 3
	diag.pass(ctx)

	assert.Equal(t, 3, mod.reconnects())
	assert.Equal(t, 1, capture.countType(EventTypeDiagnosticsError))
	assert.True(t, flags.IsFlagged("dead"))
	reason, _ := flags.FlagReason("dead")
	assert.Equal(t, "reconnect attempts exhausted", reason)
}

func TestReconnectLoopRespectsContext(t *testing.T) {
	flags := NewFlagManager(3, time.Minute, nil, nil, nil)
	mgr := newTestManager(t)
	mod := &diagModule{
		stubModule: stubModule{name: "slowpoke"},
		healthErr:  errors.New("connection lost"),
	}
	mgr.RegisterFactory("slowpoke", factoryFor(mod))
	require.True(t, mgr.LoadModule(context.Background(), "slowpoke", NewModuleConfig()))

	diag := NewSelfDiagnostics(mgr, flags, &recordingLogger{}, nil, nil, time.Hour)
	diag.reconnectBase = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	diag.pass(ctx)

	assert.Zero(t, mod.reconnects())
	assert.False(t, flags.IsFlagged("slowpoke"))
}

func TestBackoffDelayCapped(t *testing.T) {
	diag := NewSelfDiagnostics(newTestManager(t), nil, &recordingLogger{}, nil, nil, time.Hour)

	assert.Equal(t, 200*time.Millisecond, diag.backoffDelay(0))
	assert.Equal(t, 400*time.Millisecond, diag.backoffDelay(1))
	assert.Equal(t, 1600*time.Millisecond, diag.backoffDelay(3))
	assert.Equal(t, 10*time.Second, diag.backoffDelay(10))
	assert.Equal(t, 10*time.Second, diag.backoffDelay(64), "overflow falls back to the cap")
}
