package metrics

import (
	"context"
	"time"

	"github.com/examlink/sebconn/logger"
)

// StatsProvider reports stored connection counts keyed by status.
type StatsProvider interface {
	ConnectionCountsByStatus(ctx context.Context) (map[string]int64, error)
}

// CacheStatsProvider reports the number of cached connections.
type CacheStatsProvider interface {
	Len() int
}

// Collector periodically refreshes gauges that are derived from the store.
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	statuses      []string
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a collector. statuses lists every status label so that
// a status with no rows is reported as zero instead of keeping its last value.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, statuses []string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		statuses:      statuses,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.provider.ConnectionCountsByStatus(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting connection counts", "error", err)
	} else {
		for _, status := range c.statuses {
			ConnectionsByStatus.WithLabelValues(status).Set(float64(counts[status]))
		}
		logger.Debug("MetricsCollector: updated connection counts", "counts", counts)
	}

	if c.cacheProvider != nil {
		CacheEntries.Set(float64(c.cacheProvider.Len()))
	}
}
