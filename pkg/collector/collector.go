// Package collector produces MetricSamples from the host on a fixed
// interval. Sampling is best-effort: a failed tick emits an error event and
// is skipped, and ticks are skipped while the consumer still holds the
// previous sample.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/goshops-com/opsagent/pkg/events"
	"github.com/goshops-com/opsagent/pkg/models"
)

// Collector drives the sampling loop.
type Collector struct {
	interval time.Duration
	bus      *events.Bus
	sampler  *sampler

	// samples has capacity 1: a full channel means the consumer has not
	// taken the previous sample yet, so the tick is skipped.
	samples chan *models.MetricSample

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a collector publishing on the given bus.
func New(interval time.Duration, bus *events.Bus) *Collector {
	return &Collector{
		interval: interval,
		bus:      bus,
		sampler:  newSampler(),
		samples:  make(chan *models.MetricSample, 1),
	}
}

// Samples is the ordered stream of produced samples.
func (c *Collector) Samples() <-chan *models.MetricSample {
	return c.samples
}

// Start launches the sampling loop. The first sample is taken immediately.
func (c *Collector) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	slog.Info("Starting metrics collector", "interval", c.interval)
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and closes the sample stream.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	close(c.samples)
	slog.Info("Metrics collector stopped")
}

func (c *Collector) tick(ctx context.Context) {
	sample, err := c.sampler.sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Metrics sampling failed, skipping tick", "error", err)
		c.bus.Publish(events.TypeCollectorError, map[string]any{
			"error": err.Error(),
		})
		return
	}

	select {
	case c.samples <- sample:
	default:
		slog.Debug("Previous sample not consumed yet, skipping tick")
		return
	}
	c.bus.Publish(events.TypeMetrics, sample)
}
