package metrics

import "time"

// QueueDepthSource reports the number of pending restore entries per device.
// The server storage layer implements this; Collector depends only on the
// shape so it can be constructed before the concrete store.
type QueueDepthSource interface {
	RestoreQueueDepths() (map[string]int, error)
	DeviceCount() (int, error)
}

// Collector periodically samples gauges that cannot be updated inline from
// request handlers, such as queue depth and catalog size.
type Collector struct {
	source QueueDepthSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector polling source.
func NewCollector(source QueueDepthSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	if depths, err := c.source.RestoreQueueDepths(); err == nil {
		for deviceID, depth := range depths {
			RestoreQueueDepth.WithLabelValues(deviceID).Set(float64(depth))
		}
	}

	if count, err := c.source.DeviceCount(); err == nil {
		DevicesRegisteredTotal.Set(float64(count))
	}
}
