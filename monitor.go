package supervise

import (
	"context"
	"sync"
	"time"
)

// monitorWorker is the shared start/stop machinery of the background
// monitors: one goroutine, one ticker, idempotent start and stop, and a
// bounded join on stop.
type monitorWorker struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// start launches the worker loop invoking pass every interval. Starting
// a running worker is a no-op.
func (w *monitorWorker) start(interval time.Duration, pass func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pass(ctx)
			}
		}
	}()
}

// stop cancels the worker and joins it, bounded by ctx. Stopping a
// stopped worker is a no-op.
func (w *monitorWorker) stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrMonitorStopTimeout
	}
}
