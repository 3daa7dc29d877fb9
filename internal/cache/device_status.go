// Package cache serves device status reads from a TTL cache that is cleared
// by state transition invalidation events.
package cache

import (
	"context"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/events"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

// DeviceStatusCache caches the fleet status list and single device states
type DeviceStatusCache struct {
	states  state.Repository
	list    *ttlcache.Cache[string, []*state.DeviceState]
	devices *ttlcache.Cache[string, *state.DeviceState]
	logger  *logger.Logger
}

// NewDeviceStatusCache creates a cache with the given TTL
func NewDeviceStatusCache(states state.Repository, ttl time.Duration, log *logger.Logger) *DeviceStatusCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DeviceStatusCache{
		states: states,
		list: ttlcache.New[string, []*state.DeviceState](
			ttlcache.WithTTL[string, []*state.DeviceState](ttl),
			ttlcache.WithDisableTouchOnHit[string, []*state.DeviceState](),
		),
		devices: ttlcache.New[string, *state.DeviceState](
			ttlcache.WithTTL[string, *state.DeviceState](ttl),
			ttlcache.WithCapacity[string, *state.DeviceState](50000),
			ttlcache.WithDisableTouchOnHit[string, *state.DeviceState](),
		),
		logger: log,
	}
}

// Start runs the expiry loops until Stop
func (c *DeviceStatusCache) Start() {
	go c.list.Start()
	go c.devices.Start()
}

// Stop stops the expiry loops
func (c *DeviceStatusCache) Stop() {
	c.list.Stop()
	c.devices.Stop()
}

// List returns every device state
func (c *DeviceStatusCache) List(ctx context.Context) ([]*state.DeviceState, error) {
	if item := c.list.Get(events.KeyDeviceStatus); item != nil {
		return item.Value(), nil
	}

	states, err := c.states.List(ctx)
	if err != nil {
		return nil, err
	}
	c.list.Set(events.KeyDeviceStatus, states, ttlcache.DefaultTTL)
	return states, nil
}

// Get returns the state of one device
func (c *DeviceStatusCache) Get(ctx context.Context, deviceID string) (*state.DeviceState, error) {
	key := events.DeviceKey(deviceID)
	if item := c.devices.Get(key); item != nil {
		return item.Value(), nil
	}

	st, err := c.states.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	c.devices.Set(key, st, ttlcache.DefaultTTL)
	return st, nil
}

// Invalidate drops the given cache keys
func (c *DeviceStatusCache) Invalidate(keys ...string) {
	for _, key := range keys {
		switch {
		case key == events.KeyDeviceStatus || key == events.KeyDeviceList:
			c.list.DeleteAll()
		case strings.HasPrefix(key, "device:"):
			c.devices.Delete(key)
		}
	}
}

// Subscribe clears entries on every invalidation event
func (c *DeviceStatusCache) Subscribe(ctx context.Context, bus events.Bus) (unsubscribe func()) {
	return bus.Subscribe(ctx, events.TopicInvalidation, func(evt cloudevents.Event) {
		inv, err := events.DecodeInvalidation(evt)
		if err != nil {
			c.logger.WarnWithErr(err, "Ignoring malformed invalidation event")
			return
		}
		c.Invalidate(inv.Keys...)
	})
}

// Len returns the number of cached single-device entries
func (c *DeviceStatusCache) Len() int {
	return c.devices.Len()
}
