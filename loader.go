package supervise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"sigs.k8s.io/yaml"
)

// ManifestExt is the file extension the loader scans for. Manifest
// bodies may be JSON or YAML; both are validated against the same
// schema.
const ManifestExt = ".manifest"

// manifestSchema is the fixed schema every manifest must satisfy before
// it is trusted. Unknown extra fields are ignored.
const manifestSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"enabled": {"type": "boolean"},
		"priority": {"type": "integer"},
		"config": {"type": "object"}
	}
}`

// manifest is the on-disk declarative record describing a module's load
// policy.
type manifest struct {
	Name     string         `json:"name"`
	Enabled  *bool          `json:"enabled"`
	Priority *int           `json:"priority"`
	Config   map[string]any `json:"config"`
}

// loadState is the small record persisted after each successful batch
// load so a restarted host can inspect what was running.
type loadState struct {
	Loaded []string `json:"loaded"`
}

// ModuleLoader discovers declarative manifests under a directory tree,
// validates them against the manifest schema, orders them by declared
// priority, and drives the ModuleManager to load them as a transactional
// batch: if any module fails, everything loaded earlier in the batch is
// unloaded in reverse order and the batch reports failure.
//
// Invalid or disabled manifests are logged and skipped, never fatal.
type ModuleLoader struct {
	manager    *ModuleManager
	logger     Logger
	subject    Subject
	modulesDir string
	stateFile  string
	schema     *jsonschema.Schema

	mu     sync.Mutex
	loaded []string
}

// NewModuleLoader creates a loader scanning modulesDir for *.manifest
// files and persisting batch results to stateFile. The subject may be
// nil.
func NewModuleLoader(manager *ModuleManager, logger Logger, subject Subject, modulesDir, stateFile string) (*ModuleLoader, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest schema: %w", err)
	}
	if err := compiler.AddResource("manifest.schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register manifest schema: %w", err)
	}
	schema, err := compiler.Compile("manifest.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return &ModuleLoader{
		manager:    manager,
		logger:     logger,
		subject:    subject,
		modulesDir: modulesDir,
		stateFile:  stateFile,
		schema:     schema,
	}, nil
}

// findManifests walks the module directory tree collecting manifest
// paths. A missing directory yields an empty batch, not an error.
func (l *ModuleLoader) findManifests() []string {
	var paths []string
	err := filepath.WalkDir(l.modulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.logger.Warn("Skipping unreadable path during manifest scan", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ManifestExt) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Manifest scan incomplete", "dir", l.modulesDir, "error", err)
	}
	return paths
}

// parseManifest reads, validates, and decodes one manifest. It returns
// ok=false for invalid or disabled manifests; only invalid ones log an
// error.
func (l *ModuleLoader) parseManifest(path string) (NamedConfig, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		l.logger.Error("Failed to read manifest", "path", path, "error", err)
		return NamedConfig{}, false
	}

	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		l.logger.Error("Invalid manifest", "path", path, "error", err)
		return NamedConfig{}, false
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		l.logger.Error("Invalid manifest", "path", path, "error", err)
		return NamedConfig{}, false
	}
	if err := l.schema.Validate(doc); err != nil {
		l.logger.Error("Invalid manifest", "path", path, "error", fmt.Errorf("%w: %w", ErrManifestInvalid, err))
		return NamedConfig{}, false
	}

	var mf manifest
	if err := json.Unmarshal(jsonBytes, &mf); err != nil {
		l.logger.Error("Invalid manifest", "path", path, "error", err)
		return NamedConfig{}, false
	}

	cfg := NewModuleConfig()
	if mf.Enabled != nil {
		cfg.Enabled = *mf.Enabled
	}
	if mf.Priority != nil {
		cfg.Priority = *mf.Priority
	}
	if mf.Config != nil {
		cfg.Config = mf.Config
	}
	if !cfg.Enabled {
		l.logger.Debug("Manifest disabled, skipping", "path", path, "module", mf.Name)
		return NamedConfig{}, false
	}
	return NamedConfig{Name: mf.Name, Config: cfg}, true
}

// manifestBatch scans and parses all manifests, returning valid enabled
// entries in ascending priority order (ties by discovery order).
func (l *ModuleLoader) manifestBatch() []NamedConfig {
	var batch []NamedConfig
	for _, path := range l.findManifests() {
		if nc, ok := l.parseManifest(path); ok {
			batch = append(batch, nc)
		}
	}
	return batch
}

// LoadAll discovers manifests and loads the batch transactionally. On
// any load failure, modules loaded earlier in this batch are unloaded in
// reverse order and LoadAll returns false. On success the final load
// order is persisted for restart continuity.
func (l *ModuleLoader) LoadAll(ctx context.Context) bool {
	batch := l.manifestBatch()
	loaded, ok := l.manager.LoadModules(ctx, batch)
	if !ok {
		l.logger.Error("Batch load failed, rolling back", "loaded", strings.Join(loaded, ","))
		for i := len(loaded) - 1; i >= 0; i-- {
			l.manager.UnloadModule(ctx, loaded[i])
		}
		emitEvent(ctx, l.subject, l.logger, EventTypeBatchRolledBack, "module-loader",
			map[string]any{"rolledBack": loaded})
		l.mu.Lock()
		l.loaded = nil
		l.mu.Unlock()
		return false
	}

	l.mu.Lock()
	l.loaded = loaded
	l.mu.Unlock()
	l.saveState()
	emitEvent(ctx, l.subject, l.logger, EventTypeBatchLoaded, "module-loader",
		map[string]any{"loaded": loaded})
	return true
}

// Loaded returns the names loaded by the most recent successful batch.
func (l *ModuleLoader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.loaded))
	copy(out, l.loaded)
	return out
}

// saveState persists the load order. Best effort: failure is logged,
// never raised.
func (l *ModuleLoader) saveState() {
	l.mu.Lock()
	state := loadState{Loaded: append([]string(nil), l.loaded...)}
	l.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		l.logger.Warn("Failed to encode module state", "error", err)
		return
	}
	if err := os.WriteFile(l.stateFile, data, 0o600); err != nil {
		l.logger.Warn("Failed to save module state", "file", l.stateFile, "error", err)
	}
}

// RestoreState reads the persisted load order back, supporting restart
// continuity. A missing or corrupt state file yields an empty list.
func (l *ModuleLoader) RestoreState() []string {
	data, err := os.ReadFile(l.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("Failed to read module state", "file", l.stateFile, "error", err)
		}
		return nil
	}
	var state loadState
	if err := json.Unmarshal(data, &state); err != nil {
		l.logger.Warn("Failed to decode module state", "file", l.stateFile, "error", err)
		return nil
	}
	l.mu.Lock()
	l.loaded = append([]string(nil), state.Loaded...)
	l.mu.Unlock()
	return state.Loaded
}

// Watch observes the manifest tree and invokes onChange whenever a
// manifest file is created, modified, renamed, or removed anywhere under
// the module directory. Subdirectories created while watching are picked
// up too. It blocks until the context is cancelled and is intended to
// run in its own goroutine.
func (l *ModuleLoader) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create manifest watcher: %w", err)
	}
	defer watcher.Close()

	if err := l.watchTree(watcher, l.modulesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.modulesDir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, open := <-watcher.Events:
			if !open {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// New subdirectory: watch it, and reload in case it
					// arrived with manifests already inside (a move emits
					// only the directory event).
					if err := l.watchTree(watcher, event.Name); err != nil {
						l.logger.Warn("Failed to watch new manifest directory", "dir", event.Name, "error", err)
					}
					onChange()
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ManifestExt) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.logger.Debug("Manifest change detected", "path", event.Name, "op", event.Op.String())
				onChange()
			}
		case err, open := <-watcher.Errors:
			if !open {
				return nil
			}
			l.logger.Warn("Manifest watcher error", "error", err)
		}
	}
}

// watchTree registers root and every directory below it with the
// watcher, matching the tree findManifests scans.
func (l *ModuleLoader) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
