package probes

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
)

// TCPProber checks reachability with a TCP connect
type TCPProber struct {
	Port    int
	Timeout time.Duration
}

// NewTCPProber creates a TCP prober against port
func NewTCPProber(port int) *TCPProber {
	return &TCPProber{Port: port, Timeout: 2 * time.Second}
}

func (p *TCPProber) Name() string { return NameTCP }

func (p *TCPProber) Probe(ctx context.Context, d device.Device) Outcome {
	addr := d.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(d.Address, strconv.Itoa(p.Port))
	}

	dialer := net.Dialer{Timeout: timeoutFromContext(ctx, p.Timeout)}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return outcome(d, NameTCP, classifyDialError(err), latency, err.Error())
	}
	_ = conn.Close()

	o := outcome(d, NameTCP, KindSuccess, latency, "")
	o.Metrics = map[string]float64{"connect_ms": float64(latency) / float64(time.Millisecond)}
	return o
}

func classifyDialError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	// refused, no route, unresolvable host
	return KindUnreachable
}
