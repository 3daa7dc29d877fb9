// Package probes holds the reachability and protocol probe executors. Probe
// failures are returned as Outcome values; a Prober never returns an error.
package probes

import (
	"context"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
)

// Kind classifies a probe outcome
type Kind string

const (
	KindSuccess       Kind = "success"
	KindTimeout       Kind = "timeout"
	KindUnreachable   Kind = "unreachable"
	KindProtocolError Kind = "protocol_error"
	// KindLocalError means the probe could not be issued from this host, for
	// example an ICMP socket the process may not open. It says nothing about
	// the device.
	KindLocalError Kind = "local_error"
)

// Outcome is the structured result of one probe against one device
type Outcome struct {
	DeviceID    string             `json:"device_id"`
	Probe       string             `json:"probe"`
	Kind        Kind               `json:"kind"`
	Latency     time.Duration      `json:"latency"`
	Reason      string             `json:"reason,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	IssuedAt    time.Time          `json:"issued_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Failed reports a transient reachability failure. These drive the state
// machine and are retried.
func (o Outcome) Failed() bool {
	return o.Kind == KindTimeout || o.Kind == KindUnreachable
}

// Local reports an engine-side failure. Local outcomes are never applied
// to device state.
func (o Outcome) Local() bool {
	return o.Kind == KindLocalError
}

// ObservedAt returns when the outcome was observed
func (o Outcome) ObservedAt() time.Time {
	if !o.CompletedAt.IsZero() {
		return o.CompletedAt
	}
	return o.IssuedAt
}

// IsProtocol reports whether the outcome came from a protocol-level poller
func (o Outcome) IsProtocol() bool {
	return o.Probe == NameSNMP
}

// Probe names
const (
	NameICMP = "icmp"
	NameTCP  = "tcp"
	NameSNMP = "snmp"
)

// Prober runs one check against one device. It must honour ctx cancellation.
type Prober interface {
	Name() string
	Probe(ctx context.Context, d device.Device) Outcome
}

// ProberFunc adapts a function to a Prober
type ProberFunc struct {
	ProbeName string
	Fn        func(ctx context.Context, d device.Device) Outcome
}

func (p ProberFunc) Name() string { return p.ProbeName }

func (p ProberFunc) Probe(ctx context.Context, d device.Device) Outcome {
	return p.Fn(ctx, d)
}

func outcome(d device.Device, probe string, kind Kind, latency time.Duration, reason string) Outcome {
	return Outcome{
		DeviceID: d.ID,
		Probe:    probe,
		Kind:     kind,
		Latency:  latency,
		Reason:   reason,
	}
}

// timeoutFromContext returns the time left before ctx expires, or def
func timeoutFromContext(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 {
			return left
		}
		return time.Millisecond
	}
	return def
}
