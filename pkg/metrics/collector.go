package metrics

import "time"

// StatsProvider is satisfied by anything that can report a point-in-time
// snapshot of task/session/checkpoint counts — TaskStore implements it.
type StatsProvider interface {
	TasksByStatus() map[string]int
	SessionsByState() map[string]int
	CheckpointCount() int
}

// Collector periodically polls a StatsProvider and updates the gauges defined in metrics.go.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector polling provider every interval.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for status, count := range c.provider.TasksByStatus() {
		TasksTotal.WithLabelValues(status).Set(float64(count))
	}
	for state, count := range c.provider.SessionsByState() {
		SessionsTotal.WithLabelValues(state).Set(float64(count))
	}
	CheckpointsTotal.Set(float64(c.provider.CheckpointCount()))
}
