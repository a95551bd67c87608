package pmemkv

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// startBackground launches the engine's background worker. Its only job
// today is moving deferred frees into the allocator's free set, optionally
// rate-limited so reclaim bookkeeping never competes with foreground
// writes. A future compactor plugs in here.
func (e *Engine) startBackground() {
	interval := e.opts.FreeInterval
	if interval <= 0 {
		interval = time.Second
	}
	var limiter *rate.Limiter
	if e.opts.FreeRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.FreeRatePerSec), e.opts.FreeRatePerSec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				// Final drain so Close leaves nothing queued.
				e.drainPendingFree(ctx, nil)
				return
			case <-ticker.C:
				e.drainPendingFree(ctx, limiter)
			}
		}
	}()

	// Cancel the limiter context as soon as shutdown starts.
	go func() {
		<-e.stopCh
		cancel()
	}()
}

func (e *Engine) drainPendingFree(ctx context.Context, limiter *rate.Limiter) {
	e.freeMu.Lock()
	pending := e.pendingFree
	e.pendingFree = nil
	e.freeMu.Unlock()

	for i, space := range pending {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				// Shutting down: hand the rest back unthrottled.
				for _, rest := range pending[i:] {
					e.al.Free(rest)
				}
				return
			}
		}
		e.al.Free(space)
	}
}
