package supervise

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// recordingLogger captures log lines per level for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
	warns  []string
	debugs []string
}

func (l *recordingLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Debug(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *recordingLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// testHost is the minimal Host used across tests.
type testHost struct {
	logger Logger
}

func (h *testHost) Logger() Logger { return h.logger }

func newTestHost() *testHost {
	return &testHost{logger: &recordingLogger{}}
}

// captureObserver records every event it receives.
type captureObserver struct {
	mu     sync.Mutex
	id     string
	events []cloudevents.Event
}

func newCaptureObserver(id string) *captureObserver {
	return &captureObserver{id: id}
}

func (o *captureObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *captureObserver) ObserverID() string { return o.id }

func (o *captureObserver) eventTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]string, len(o.events))
	for i, e := range o.events {
		types[i] = e.Type()
	}
	return types
}

func (o *captureObserver) countType(eventType string) int {
	n := 0
	for _, t := range o.eventTypes() {
		if t == eventType {
			n++
		}
	}
	return n
}

// stubModule is the base test module; embed it to add capabilities.
type stubModule struct {
	name string

	mu           sync.Mutex
	setupErr     error
	cleanupErr   error
	setupCalls   int
	cleanupCalls int
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Setup(_ context.Context, _ Host, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setupCalls++
	return m.setupErr
}

func (m *stubModule) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupCalls++
	return m.cleanupErr
}

func (m *stubModule) setups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setupCalls
}

func (m *stubModule) cleanups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupCalls
}

// requiringModule declares external package requirements.
type requiringModule struct {
	stubModule
	requires []string
}

func (m *requiringModule) Requires() []string { return m.requires }

// versionedModule declares a semantic version.
type versionedModule struct {
	stubModule
	version string
}

func (m *versionedModule) Version() string { return m.version }

// processModule exposes a pid and a resource quota.
type processModule struct {
	stubModule
	pid      int32
	attached bool
	quota    ResourceQuota
}

func (m *processModule) PID() (int32, bool)           { return m.pid, m.attached }
func (m *processModule) ResourceQuota() ResourceQuota { return m.quota }

// diagModule self-reports health metrics and supports check/reconnect.
type diagModule struct {
	stubModule

	dmu            sync.Mutex
	metrics        HealthMetrics
	healthErr      error
	reconnectErr   error
	healthCalls    int
	reconnectCalls int
	healAfter      int // reconnect attempts after which health recovers; 0 = never
}

func (m *diagModule) HealthMetrics() HealthMetrics {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	return m.metrics
}

func (m *diagModule) HealthCheck(_ context.Context) error {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	m.healthCalls++
	return m.healthErr
}

func (m *diagModule) Reconnect(_ context.Context) error {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	m.reconnectCalls++
	if m.healAfter > 0 && m.reconnectCalls >= m.healAfter {
		m.healthErr = nil
	}
	return m.reconnectErr
}

func (m *diagModule) reconnects() int {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	return m.reconnectCalls
}

// eventModule records events delivered through SendEvent.
type eventModule struct {
	stubModule

	emu    sync.Mutex
	events []ModuleEvent
}

func (m *eventModule) HandleEvent(_ context.Context, event ModuleEvent) (bool, error) {
	m.emu.Lock()
	defer m.emu.Unlock()
	m.events = append(m.events, event)
	return true, nil
}

// blockingModule parks in Setup until released, for exercising the
// manager while a load is in flight.
type blockingModule struct {
	stubModule
	entered chan struct{}
	release chan struct{}
}

func newBlockingModule(name string) *blockingModule {
	return &blockingModule{
		stubModule: stubModule{name: name},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (m *blockingModule) Setup(ctx context.Context, host Host, config map[string]any) error {
	close(m.entered)
	<-m.release
	return m.stubModule.Setup(ctx, host, config)
}

// factoryFor registers a fixed instance under the module's name.
func factoryFor(mod Module) ModuleFactory {
	return func() Module { return mod }
}
