// Package telemetry writes probe samples to the metrics sink.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/metrics"
)

// Sample is one timestamped value of one metric of one device
type Sample struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink accepts samples
type Sink interface {
	Write(ctx context.Context, samples []Sample) error
}

// MemorySink keeps samples in memory
type MemorySink struct {
	mu      sync.Mutex
	samples []Sample
	Err     error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return errors.SinkUnavailable(s.Err)
	}
	s.samples = append(s.samples, samples...)
	return nil
}

// Samples returns a copy of everything written
func (s *MemorySink) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// LogSink logs samples at debug level
type LogSink struct {
	logger *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log}
}

func (s *LogSink) Write(_ context.Context, samples []Sample) error {
	for _, smp := range samples {
		s.logger.WithFields(map[string]interface{}{
			"device_id": smp.DeviceID,
			"metric":    smp.Metric,
			"value":     smp.Value,
		}).Debug("sample")
	}
	return nil
}

// AsyncSink decouples probe workers from the inner sink. Write never blocks;
// when the buffer is full the samples are dropped and counted.
type AsyncSink struct {
	inner  Sink
	ch     chan []Sample
	logger *logger.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsyncSink starts a background writer with a buffer of size batches
func NewAsyncSink(inner Sink, size int, log *logger.Logger) *AsyncSink {
	if size < 1 {
		size = 1024
	}
	s := &AsyncSink{
		inner:  inner,
		ch:     make(chan []Sample, size),
		logger: log,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *AsyncSink) Write(_ context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	select {
	case s.ch <- samples:
		return nil
	default:
		metrics.RecordSinkFailure()
		s.logger.WithFields(map[string]interface{}{
			"dropped": len(samples),
		}).Warn("Metrics sink buffer full, dropping samples")
		return nil
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for samples := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.inner.Write(ctx, samples); err != nil {
			metrics.RecordSinkFailure()
			s.logger.WithFields(map[string]interface{}{
				"device_id": samples[0].DeviceID,
				"samples":   len(samples),
			}).ErrorWithErr(err, "Failed to write samples to metrics sink")
		}
		cancel()
	}
}

// Close flushes buffered samples and stops the writer
func (s *AsyncSink) Close() error {
	s.once.Do(func() {
		close(s.ch)
	})
	s.wg.Wait()
	return nil
}
