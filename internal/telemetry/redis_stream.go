package telemetry

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
)

// RedisStreamSink appends samples to a capped Redis stream
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink writes to stream, trimming it near maxLen entries
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, smp := range samples {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.stream,
				MaxLen: s.maxLen,
				Approx: true,
				Values: map[string]interface{}{
					"device_id": smp.DeviceID,
					"metric":    smp.Metric,
					"value":     smp.Value,
					"ts":        smp.Timestamp.UnixMilli(),
				},
			})
		}
		return nil
	})
	if err != nil {
		return errors.SinkUnavailable(err)
	}
	return nil
}
