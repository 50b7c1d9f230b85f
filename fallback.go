package supervise

import (
	"context"
	"sync"
)

// FallbackHandler is a recovery action invoked when a module's setup or
// cleanup fails. The cause is the error that triggered the activation.
type FallbackHandler func(ctx context.Context, cause error) error

// FallbackManager is a per-module-name registry of recovery handlers.
// At most one handler exists per name; the last registration wins.
// Activation never raises: a missing handler no-ops, a failing handler
// is logged and contained, so fallback failure cannot cascade.
type FallbackManager struct {
	mu       sync.RWMutex
	handlers map[string]FallbackHandler
	logger   Logger
	subject  Subject
}

// NewFallbackManager creates a fallback registry. Logger and subject may
// be nil.
func NewFallbackManager(logger Logger, subject Subject) *FallbackManager {
	return &FallbackManager{
		handlers: make(map[string]FallbackHandler),
		logger:   logger,
		subject:  subject,
	}
}

// RegisterFallback registers handler for moduleName, replacing any
// previous registration.
func (f *FallbackManager) RegisterFallback(moduleName string, handler FallbackHandler) {
	f.mu.Lock()
	f.handlers[moduleName] = handler
	f.mu.Unlock()
	if f.logger != nil {
		f.logger.Debug("Registered fallback", "module", moduleName)
	}
}

// HasFallback reports whether a handler is registered for moduleName.
func (f *FallbackManager) HasFallback(moduleName string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.handlers[moduleName]
	return ok
}

// Activate runs the handler registered for moduleName with the given
// cause. On success a fallback-activated event is emitted. The returned
// boolean reports whether a handler ran to completion.
func (f *FallbackManager) Activate(ctx context.Context, moduleName string, cause error) bool {
	f.mu.RLock()
	handler, ok := f.handlers[moduleName]
	f.mu.RUnlock()

	if !ok {
		if f.logger != nil {
			f.logger.Warn("No fallback registered", "module", moduleName, "cause", cause)
		}
		return false
	}

	if err := handler(ctx, cause); err != nil {
		if f.logger != nil {
			f.logger.Error("Fallback handler failed", "module", moduleName, "cause", cause, "error", err)
		}
		return false
	}

	if f.logger != nil {
		f.logger.Info("Activated fallback", "module", moduleName, "cause", cause)
	}
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	emitEvent(ctx, f.subject, f.logger, EventTypeFallbackActivated, "fallback-manager",
		map[string]any{"module": moduleName, "error": causeMsg})
	return true
}
