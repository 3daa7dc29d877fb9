// Package events carries state transitions and cache invalidation signals as
// CloudEvents over an in-process or Redis pub/sub bus.
package events

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
)

// Topics
const (
	TopicTransitions  = "fleetpulse.device.transitions"
	TopicInvalidation = "fleetpulse.cache.invalidate"
)

// Event types
const (
	TypeWentDown     = "io.fleetpulse.device.went_down"
	TypeRecovered    = "io.fleetpulse.device.recovered"
	TypeInvalidation = "io.fleetpulse.cache.invalidate"
)

const source = "/fleetpulse/state-tracker"

// Cache keys cleared on every transition
const (
	KeyDeviceList   = "devices:list"
	KeyDeviceStatus = "devices:status"
)

// DeviceKey returns the per-device cache key
func DeviceKey(deviceID string) string {
	return "device:" + deviceID
}

// CacheKeysForDevice lists the cache keys affected by a change of one device
func CacheKeysForDevice(deviceID string) []string {
	return []string{KeyDeviceList, KeyDeviceStatus, DeviceKey(deviceID)}
}

// Invalidation is the payload of an invalidation event
type Invalidation struct {
	DeviceID string   `json:"device_id"`
	Keys     []string `json:"keys"`
}

// Bus publishes and subscribes to events by topic
type Bus interface {
	Publish(ctx context.Context, topic string, evt cloudevents.Event) error
	Subscribe(ctx context.Context, topic string, handler func(cloudevents.Event)) (unsubscribe func())
	Close() error
}

// NewTransitionEvent wraps a transition
func NewTransitionEvent(t state.Transition) (cloudevents.Event, error) {
	typ := TypeWentDown
	if t.Kind == state.Recovered {
		typ = TypeRecovered
	}
	return newEvent(typ, t.DeviceID, t.At, t)
}

// NewInvalidationEvent builds the cache invalidation signal for a device
func NewInvalidationEvent(deviceID string, at time.Time) (cloudevents.Event, error) {
	return newEvent(TypeInvalidation, deviceID, at, Invalidation{
		DeviceID: deviceID,
		Keys:     CacheKeysForDevice(deviceID),
	})
}

func newEvent(typ, subject string, at time.Time, data interface{}) (cloudevents.Event, error) {
	evt := cloudevents.NewEvent()
	evt.SetID(uuid.New().String())
	evt.SetSource(source)
	evt.SetType(typ)
	evt.SetSubject(subject)
	evt.SetTime(at)
	if err := evt.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return evt, fmt.Errorf("encode %s event: %w", typ, err)
	}
	return evt, nil
}

// DecodeTransition extracts the transition from an event
func DecodeTransition(evt cloudevents.Event) (state.Transition, error) {
	var t state.Transition
	if evt.Type() != TypeWentDown && evt.Type() != TypeRecovered {
		return t, fmt.Errorf("unexpected event type %q", evt.Type())
	}
	if err := evt.DataAs(&t); err != nil {
		return t, fmt.Errorf("decode transition: %w", err)
	}
	return t, nil
}

// DecodeInvalidation extracts the invalidation payload from an event
func DecodeInvalidation(evt cloudevents.Event) (Invalidation, error) {
	var inv Invalidation
	if evt.Type() != TypeInvalidation {
		return inv, fmt.Errorf("unexpected event type %q", evt.Type())
	}
	if err := evt.DataAs(&inv); err != nil {
		return inv, fmt.Errorf("decode invalidation: %w", err)
	}
	return inv, nil
}
