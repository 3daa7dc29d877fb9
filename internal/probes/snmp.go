package probes

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/device"
)

// OIDSysUpTime is polled on every device
const OIDSysUpTime = ".1.3.6.1.2.1.1.3.0"

// SNMPProber performs an SNMP GET of sysUpTime plus the device's OIDs
type SNMPProber struct {
	Timeout time.Duration
	Retries int
}

// NewSNMPProber creates an SNMP prober
func NewSNMPProber() *SNMPProber {
	return &SNMPProber{Timeout: 2 * time.Second}
}

func (p *SNMPProber) Name() string { return NameSNMP }

func (p *SNMPProber) Probe(ctx context.Context, d device.Device) Outcome {
	if !d.HasSNMP() {
		return outcome(d, NameSNMP, KindProtocolError, 0, "no snmp credentials configured")
	}
	cfg := d.SNMP

	version := gosnmp.Version2c
	switch cfg.Version {
	case "", device.SNMPVersion2c:
	case device.SNMPVersion1:
		version = gosnmp.Version1
	default:
		return outcome(d, NameSNMP, KindProtocolError, 0, fmt.Sprintf("unsupported snmp version %q", cfg.Version))
	}

	port := cfg.Port
	if port == 0 {
		port = 161
	}

	client := &gosnmp.GoSNMP{
		Target:    d.Address,
		Port:      uint16(port),
		Community: cfg.Community,
		Version:   version,
		Timeout:   timeoutFromContext(ctx, p.Timeout),
		Retries:   p.Retries,
		Context:   ctx,
	}

	start := time.Now()
	if err := client.Connect(); err != nil {
		return outcome(d, NameSNMP, KindUnreachable, 0, fmt.Sprintf("snmp connect: %v", err))
	}
	defer client.Conn.Close()

	oids := append([]string{OIDSysUpTime}, cfg.OIDs...)
	packet, err := client.Get(oids)
	latency := time.Since(start)
	if err != nil {
		return outcome(d, NameSNMP, classifySNMPError(err), latency, err.Error())
	}

	o := classifySNMPPacket(d, packet)
	o.Latency = latency
	return o
}

func classifySNMPError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return KindTimeout
	}
	// decode failures and auth rejections
	return KindProtocolError
}

// classifySNMPPacket maps a GET response onto an Outcome. Error statuses and
// missing objects are protocol errors, numeric values become metrics.
func classifySNMPPacket(d device.Device, packet *gosnmp.SnmpPacket) Outcome {
	if packet == nil {
		return outcome(d, NameSNMP, KindProtocolError, 0, "empty snmp response")
	}
	if packet.Error != gosnmp.NoError {
		return outcome(d, NameSNMP, KindProtocolError, 0, fmt.Sprintf("snmp error status %s", packet.Error))
	}

	metrics := make(map[string]float64, len(packet.Variables))
	for _, v := range packet.Variables {
		switch v.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
			return outcome(d, NameSNMP, KindProtocolError, 0, fmt.Sprintf("%s: %s", v.Name, v.Type))
		case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.TimeTicks,
			gosnmp.Integer, gosnmp.Uinteger32:
			f, _ := new(big.Float).SetInt(gosnmp.ToBigInt(v.Value)).Float64()
			metrics[metricName(v.Name)] = f
		}
	}

	o := outcome(d, NameSNMP, KindSuccess, 0, "")
	o.Metrics = metrics
	return o
}

func metricName(oid string) string {
	if oid == OIDSysUpTime || "."+oid == OIDSysUpTime {
		return "sys_uptime_ticks"
	}
	return "snmp" + strings.ReplaceAll(oid, ".", "_")
}
