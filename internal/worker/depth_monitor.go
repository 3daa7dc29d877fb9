package worker

import (
	"context"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

// DepthMonitor periodically exports the pending depth of every lane
type DepthMonitor struct {
	queue    Queue
	interval time.Duration
	logger   *logger.Logger
}

// NewDepthMonitor creates a new lane depth monitor
func NewDepthMonitor(queue Queue, interval time.Duration, log *logger.Logger) *DepthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DepthMonitor{
		queue:    queue,
		interval: interval,
		logger:   log,
	}
}

// Start samples lane depths until ctx is done
func (m *DepthMonitor) Start(ctx context.Context) {
	m.logger.Debug("Starting lane depth monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample(ctx)

	for {
		select {
		case <-ticker.C:
			m.Sample(ctx)
		case <-ctx.Done():
			m.logger.Debug("Lane depth monitor stopped")
			return
		}
	}
}

// Sample records the current depth of every lane and returns it
func (m *DepthMonitor) Sample(ctx context.Context) map[job.Lane]int64 {
	out := make(map[job.Lane]int64, len(job.AllLanes))
	for _, lane := range job.AllLanes {
		depth, err := m.queue.Depth(ctx, lane)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.ForLane(string(lane)).ErrorWithErr(err, "Failed to read lane depth")
			}
			continue
		}
		out[lane] = depth
		metrics.SetLaneDepth(string(lane), depth)
	}
	return out
}
