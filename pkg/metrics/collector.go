package metrics

import (
	"context"
	"time"

	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/types"
)

// Collector periodically refreshes the task status gauges from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a collector over the given store
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting every 15 seconds
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	statuses := []types.Status{
		types.StatusPending, types.StatusAssigned, types.StatusInProgress,
		types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
	}
	for _, status := range statuses {
		_, total, err := c.store.ListTasks(ctx, types.TaskFilter{Status: status, Limit: 1})
		if err != nil {
			return
		}
		TasksByStatus.WithLabelValues(string(status)).Set(float64(total))
	}
}
