package app

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// janitor periodically drops idle per-client rate limiters.
type janitor struct {
	limiter *middleware.RateLimiter
	maxIdle time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func newJanitor(limiter *middleware.RateLimiter, maxIdle time.Duration, log *logger.Logger) *janitor {
	return &janitor{limiter: limiter, maxIdle: maxIdle, log: log}
}

func (j *janitor) Name() string { return "ratelimit-janitor" }

func (j *janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	j.running = true

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.maxIdle)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n := j.limiter.Cleanup(j.maxIdle); n > 0 {
					j.log.WithField("removed", n).Debug("dropped idle rate limiters")
				}
			}
		}
	}()
	return nil
}

func (j *janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.cancel()
	j.running = false
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
