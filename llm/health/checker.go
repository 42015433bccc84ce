package health

import (
	"context"
	"time"

	llmpkg "github.com/basui-dev/llmgateway/llm"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Checker periodically probes a set of providers and feeds the results into
// a Tracker, the gateway's per-provider analogue of a ticker-driven health
// poll.
type Checker struct {
	tracker   *Tracker
	providers map[string]llmpkg.Provider
	interval  time.Duration
	timeout   time.Duration
	stopCh    chan struct{}
	logger    *zap.Logger
}

// NewChecker creates a Checker that probes each provider in providers every
// interval, using timeout as the per-probe deadline.
func NewChecker(tracker *Tracker, providers map[string]llmpkg.Provider, interval, timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{
		tracker:   tracker,
		providers: providers,
		interval:  interval,
		timeout:   timeout,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}
}

// Start blocks, probing on each tick until ctx is cancelled or Stop is
// called. Intended to be run in its own goroutine.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// Stop halts the checker's polling loop.
func (c *Checker) Stop() {
	close(c.stopCh)
}

// checkAll probes every provider concurrently; one slow provider must not
// hold up the rest of the round past its own timeout.
func (c *Checker) checkAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for name, provider := range c.providers {
		if provider == nil {
			continue
		}
		name, provider := name, provider
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, c.timeout)
			start := time.Now()
			status, err := provider.HealthCheck(probeCtx)
			cancel()

			latency := time.Since(start)
			healthy := err == nil
			if status != nil {
				if status.Latency > 0 {
					latency = status.Latency
				}
				healthy = healthy && status.Healthy
			}

			if err != nil {
				c.logger.Warn("provider health probe failed",
					zap.String("provider", name),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
			}

			c.tracker.Record(Sample{
				Provider:  name,
				Success:   healthy,
				LatencyMs: float64(latency.Milliseconds()),
				At:        time.Now(),
			})
			return nil
		})
	}
	g.Wait()
}
