package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// CampaignStatsProvider reports how many campaigns are stored in each status
type CampaignStatsProvider interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector periodically updates system and campaign gauges
type Collector struct {
	metrics     *Metrics
	campaigns   CampaignStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector. storagePath is the account
// store file whose size is reported.
func NewCollector(m *Metrics, campaigns CampaignStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		campaigns:   campaigns,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.campaigns != nil {
		counts, err := c.campaigns.CountByStatus(ctx)
		if err != nil {
			return
		}
		c.metrics.CampaignsByStatus.Reset()
		for status, n := range counts {
			c.metrics.CampaignsByStatus.WithLabelValues(status).Set(float64(n))
		}
	}
}
