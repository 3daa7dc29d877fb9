package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

func TestTransitionEvent_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	in := state.Transition{
		DeviceID:  "dev-1",
		Kind:      state.Recovered,
		At:        at,
		DownSince: at.Add(-30 * time.Second),
		Downtime:  30 * time.Second,
		CycleID:   7,
	}

	evt, err := NewTransitionEvent(in)
	require.NoError(t, err)
	require.NoError(t, evt.Validate())
	assert.Equal(t, TypeRecovered, evt.Type())
	assert.Equal(t, "dev-1", evt.Subject())

	out, err := DecodeTransition(evt)
	require.NoError(t, err)
	assert.Equal(t, in.Downtime, out.Downtime)
	assert.True(t, in.DownSince.Equal(out.DownSince))

	_, err = DecodeInvalidation(evt)
	assert.Error(t, err)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(logger.Nop())
	ctx := context.Background()

	var got []string
	unsubscribe := bus.Subscribe(ctx, TopicInvalidation, func(evt cloudevents.Event) {
		inv, err := DecodeInvalidation(evt)
		require.NoError(t, err)
		got = append(got, inv.Keys...)
	})

	// a panicking subscriber must not break delivery to others
	bus.Subscribe(ctx, TopicInvalidation, func(cloudevents.Event) { panic("boom") })

	evt, err := NewInvalidationEvent("dev-9", time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, TopicInvalidation, evt))
	assert.Equal(t, []string{KeyDeviceList, KeyDeviceStatus, "device:dev-9"}, got)

	unsubscribe()
	require.NoError(t, bus.Publish(ctx, TopicInvalidation, evt))
	assert.Len(t, got, 3)
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisBus(client, "fleetpulse", logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []state.Transition
	unsubscribe := bus.Subscribe(ctx, TopicTransitions, func(evt cloudevents.Event) {
		tr, err := DecodeTransition(evt)
		if err != nil {
			return
		}
		mu.Lock()
		received = append(received, tr)
		mu.Unlock()
	})
	defer unsubscribe()

	evt, err := NewTransitionEvent(state.Transition{DeviceID: "dev-1", Kind: state.WentDown, At: time.Now()})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, TopicTransitions, evt))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0].Kind == state.WentDown
	}, 2*time.Second, 10*time.Millisecond)
}
