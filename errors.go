package supervise

import (
	"errors"
)

// Supervision errors. Load and unload outcomes are booleans plus logged
// detail, so only conditions that surface through error returns carry a
// sentinel.
var (
	// Module lifecycle errors
	ErrModuleNotLoaded = errors.New("module is not loaded")
	ErrModuleNotPaused = errors.New("module is not paused")

	// Loader errors
	ErrManifestInvalid = errors.New("manifest failed schema validation")

	// Monitor errors
	ErrMonitorStopTimeout = errors.New("monitor worker did not stop within the allowed wait")

	// Shutdown errors
	ErrShutdownTimeout = errors.New("shutdown did not complete within the allowed wait")

	// Event errors
	ErrObserverNil = errors.New("observer is nil")
)
