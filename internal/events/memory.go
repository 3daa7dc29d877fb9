package events

import (
	"context"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

type subscriber struct {
	id      uint64
	handler func(cloudevents.Event)
}

// MemoryBus delivers events synchronously to in-process subscribers
type MemoryBus struct {
	topics *xsync.Map[string, []subscriber]
	mu     sync.Mutex
	nextID uint64
	logger *logger.Logger
}

func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryBus{
		topics: xsync.NewMap[string, []subscriber](),
		logger: log,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, evt cloudevents.Event) error {
	subs, _ := b.topics.Load(topic)
	for _, s := range subs {
		b.deliver(topic, s, evt)
	}
	return nil
}

func (b *MemoryBus) deliver(topic string, s subscriber, evt cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"panic": r,
			}).Error("panic in event handler")
		}
	}()
	s.handler(evt)
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, handler func(cloudevents.Event)) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	b.topics.Compute(topic, func(old []subscriber, _ bool) ([]subscriber, xsync.ComputeOp) {
		next := make([]subscriber, 0, len(old)+1)
		next = append(next, old...)
		return append(next, subscriber{id: id, handler: handler}), xsync.UpdateOp
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.topics.Compute(topic, func(old []subscriber, _ bool) ([]subscriber, xsync.ComputeOp) {
				next := make([]subscriber, 0, len(old))
				for _, s := range old {
					if s.id != id {
						next = append(next, s)
					}
				}
				return next, xsync.UpdateOp
			})
		})
	}
}

func (b *MemoryBus) Close() error {
	b.topics.Clear()
	return nil
}
