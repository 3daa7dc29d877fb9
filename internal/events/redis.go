package events

import (
	"context"
	"encoding/json"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

// RedisBus fans events out across engine instances with Redis pub/sub
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *logger.Logger
}

func NewRedisBus(client *redis.Client, prefix string, log *logger.Logger) *RedisBus {
	if log == nil {
		log = logger.Nop()
	}
	return &RedisBus{client: client, prefix: prefix, logger: log}
}

func (b *RedisBus) channel(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, evt cloudevents.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(topic), payload).Err()
}

// Subscribe returns once the subscription is confirmed by the server
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler func(cloudevents.Event)) func() {
	if handler == nil {
		return func() {}
	}

	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		b.logger.WithFields(map[string]interface{}{"topic": topic}).ErrorWithErr(err, "Failed to subscribe")
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}

	go func() {
		defer unsubscribe()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				var evt cloudevents.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.WithFields(map[string]interface{}{"topic": topic}).ErrorWithErr(err, "Failed to decode event")
					continue
				}
				b.deliver(topic, handler, evt)
			}
		}
	}()

	return unsubscribe
}

func (b *RedisBus) deliver(topic string, handler func(cloudevents.Event), evt cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"panic": r,
			}).Error("panic in event handler")
		}
	}()
	handler(evt)
}

// Close is a no-op; the client is owned by the caller
func (b *RedisBus) Close() error {
	return nil
}
