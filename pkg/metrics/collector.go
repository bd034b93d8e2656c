package metrics

import (
	"time"

	"github.com/cuemby/magpie/pkg/types"
)

// Collector periodically refreshes gauge metrics that are derived from
// stored state rather than incremented at event sites. It takes plain
// funcs so it stays import-free of the packages it observes.
type Collector struct {
	countsFn func() (map[types.TaskStatus]int64, error)
	depthFn  func() int64
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector over the given state sources. Either
// source may be nil, in which case that gauge family is skipped.
func NewCollector(counts func() (map[types.TaskStatus]int64, error), depth func() int64) *Collector {
	return &Collector{
		countsFn: counts,
		depthFn:  depth,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskCounts()
	c.collectQueueDepth()
}

func (c *Collector) collectTaskCounts() {
	if c.countsFn == nil {
		return
	}
	counts, err := c.countsFn()
	if err != nil {
		return
	}

	// Set every known status so statuses that dropped to zero reset
	for _, status := range []types.TaskStatus{
		types.StatusPending,
		types.StatusDownloading,
		types.StatusProcessing,
		types.StatusCompleted,
		types.StatusFailed,
		types.StatusCancelled,
	} {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectQueueDepth() {
	if c.depthFn == nil {
		return
	}
	QueueDepth.Set(float64(c.depthFn()))
}
