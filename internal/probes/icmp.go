package probes

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
)

// ICMPProber sends echo requests with pro-bing
type ICMPProber struct {
	Count      int
	Privileged bool
	Timeout    time.Duration
}

// NewICMPProber creates an ICMP prober sending count echoes per probe
func NewICMPProber(count int, privileged bool) *ICMPProber {
	if count < 1 {
		count = 1
	}
	return &ICMPProber{Count: count, Privileged: privileged, Timeout: 2 * time.Second}
}

func (p *ICMPProber) Name() string { return NameICMP }

func (p *ICMPProber) Probe(ctx context.Context, d device.Device) Outcome {
	pinger, err := probing.NewPinger(d.Address)
	if err != nil {
		// resolution failure
		return outcome(d, NameICMP, KindUnreachable, 0, fmt.Sprintf("resolve %s: %v", d.Address, err))
	}

	pinger.Count = p.Count
	pinger.Timeout = timeoutFromContext(ctx, p.Timeout)
	pinger.Interval = 100 * time.Millisecond
	pinger.SetPrivileged(p.Privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		// socket setup failed on this host, nothing was sent
		return outcome(d, NameICMP, KindLocalError, 0, fmt.Sprintf("icmp: %v", err))
	}

	return classifyPing(d, pinger.Statistics())
}

func classifyPing(d device.Device, stats *probing.Statistics) Outcome {
	if stats == nil || stats.PacketsRecv == 0 {
		return outcome(d, NameICMP, KindTimeout, 0, "no echo reply")
	}

	o := outcome(d, NameICMP, KindSuccess, stats.AvgRtt, "")
	o.Metrics = map[string]float64{
		"rtt_avg_ms":      float64(stats.AvgRtt) / float64(time.Millisecond),
		"rtt_max_ms":      float64(stats.MaxRtt) / float64(time.Millisecond),
		"packet_loss_pct": stats.PacketLoss,
	}
	return o
}
