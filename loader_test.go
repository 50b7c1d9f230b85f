package supervise

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+ManifestExt)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestLoader(t *testing.T, mgr *ModuleManager, subject Subject, dir string) *ModuleLoader {
	t.Helper()
	stateFile := filepath.Join(t.TempDir(), "modules.state")
	loader, err := NewModuleLoader(mgr, &recordingLogger{}, subject, dir, stateFile)
	require.NoError(t, err)
	return loader
}

func TestLoadAllOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeManifest(t, dir, "a", `{"name": "a", "priority": 10}`)
	writeManifest(t, dir, "b", `{"name": "b", "priority": 30}`)
	writeManifest(t, dir, "c", `{"name": "c", "priority": 20}`)

	mgr := newTestManager(t)
	for _, name := range []string{"a", "b", "c"} {
		mgr.RegisterFactory(name, factoryFor(&stubModule{name: name}))
	}
	loader := newTestLoader(t, mgr, nil, dir)

	require.True(t, loader.LoadAll(ctx))
	assert.Equal(t, []string{"a", "c", "b"}, loader.Loaded())
	assert.Equal(t, []string{"a", "c", "b"}, mgr.LoadOrder())
}

func TestLoadAllAcceptsYAMLManifests(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeManifest(t, dir, "yamlmod", "name: yamlmod\npriority: 5\nconfig:\n  key: value\n")

	mgr := newTestManager(t)
	mod := &stubModule{name: "yamlmod"}
	mgr.RegisterFactory("yamlmod", factoryFor(mod))
	loader := newTestLoader(t, mgr, nil, dir)

	require.True(t, loader.LoadAll(ctx))
	cfg, ok := mgr.Config("yamlmod")
	require.True(t, ok)
	assert.Equal(t, 5, cfg.Priority)
	assert.Equal(t, "value", cfg.Config["key"])
}

func TestLoadAllSkipsInvalidAndDisabledManifests(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeManifest(t, dir, "good", `{"name": "good"}`)
	writeManifest(t, dir, "noname", `{"priority": 10}`)
	writeManifest(t, dir, "garbage", `{{{not json`)
	writeManifest(t, dir, "off", `{"name": "off", "enabled": false}`)

	mgr := newTestManager(t)
	mgr.RegisterFactory("good", factoryFor(&stubModule{name: "good"}))
	mgr.RegisterFactory("off", factoryFor(&stubModule{name: "off"}))
	loader := newTestLoader(t, mgr, nil, dir)

	require.True(t, loader.LoadAll(ctx))
	assert.Equal(t, []string{"good"}, loader.Loaded())
	assert.Equal(t, StateUnloaded, mgr.State("off"))
}

func TestLoadAllRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeManifest(t, dir, "a", `{"name": "a", "priority": 1}`)
	writeManifest(t, dir, "b", `{"name": "b", "priority": 2}`)
	writeManifest(t, dir, "c", `{"name": "c", "priority": 3}`)

	bus := NewEventBus(nil)
	capture := newCaptureObserver("capture")
	require.NoError(t, bus.RegisterObserver(capture))

	mgr := newTestManager(t, WithSubject(bus))
	first := &stubModule{name: "a"}
	second := &stubModule{name: "b"}
	mgr.RegisterFactory("a", factoryFor(first))
	mgr.RegisterFactory("b", factoryFor(second))
	mgr.RegisterFactory("c", factoryFor(&stubModule{name: "c", setupErr: errors.New("boom")}))
	loader := newTestLoader(t, mgr, bus, dir)

	assert.False(t, loader.LoadAll(ctx))
	assert.Empty(t, loader.Loaded())
	assert.Equal(t, StateUnloaded, mgr.State("a"))
	assert.Equal(t, StateUnloaded, mgr.State("b"))
	assert.Equal(t, 1, first.cleanups())
	assert.Equal(t, 1, second.cleanups())
	assert.Equal(t, 1, capture.countType(EventTypeBatchRolledBack))
	assert.Zero(t, capture.countType(EventTypeBatchLoaded))
}

func TestLoadAllMissingDirectoryYieldsEmptyBatch(t *testing.T) {
	mgr := newTestManager(t)
	loader := newTestLoader(t, mgr, nil, filepath.Join(t.TempDir(), "does-not-exist"))

	assert.True(t, loader.LoadAll(context.Background()))
	assert.Empty(t, loader.Loaded())
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeManifest(t, dir, "a", `{"name": "a"}`)

	mgr := newTestManager(t)
	mgr.RegisterFactory("a", factoryFor(&stubModule{name: "a"}))

	stateFile := filepath.Join(t.TempDir(), "modules.state")
	loader, err := NewModuleLoader(mgr, &recordingLogger{}, nil, dir, stateFile)
	require.NoError(t, err)
	require.True(t, loader.LoadAll(ctx))

	restored, err := NewModuleLoader(mgr, &recordingLogger{}, nil, dir, stateFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, restored.RestoreState())
}

func TestRestoreStateMissingFile(t *testing.T) {
	mgr := newTestManager(t)
	loader := newTestLoader(t, mgr, nil, t.TempDir())
	assert.Empty(t, loader.RestoreState())
}

func TestWatchFiresOnManifestChange(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t)
	loader := newTestLoader(t, mgr, nil, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to attach before mutating the directory.
	time.Sleep(100 * time.Millisecond)
	writeManifest(t, dir, "new", `{"name": "new"}`)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the manifest change")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not exit on context cancellation")
	}
}

func TestWatchCoversSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "bundled")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	mgr := newTestManager(t)
	loader := newTestLoader(t, mgr, nil, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go func() {
		_ = loader.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()
	time.Sleep(100 * time.Millisecond)

	// A manifest in a pre-existing subdirectory triggers a reload.
	writeManifest(t, sub, "nested", `{"name": "nested"}`)
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher missed the manifest in a subdirectory")
	}

	// A subdirectory created while watching is picked up too.
	later := filepath.Join(dir, "later")
	require.NoError(t, os.Mkdir(later, 0o755))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not react to the new directory")
	}
	time.Sleep(100 * time.Millisecond)

	writeManifest(t, later, "late", `{"name": "late"}`)
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher missed the manifest in a directory created while watching")
	}
}
