package keepalive

import (
	"time"

	"github.com/gostdlib/base/context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the governor's OTEL instruments. Instrument creation errors
// leave the field nil and the governor simply doesn't record.
type metrics struct {
	pings      metric.Int64Counter
	violations metric.Int64Counter
	interval   metric.Int64Gauge
}

func newMetrics(ctx context.Context) *metrics {
	m := &metrics{}
	meter := context.Meter(ctx)

	var err error
	m.pings, err = meter.Int64Counter(
		"rpc.client.keepalive.pings",
		metric.WithDescription("Keepalive pings sent"),
	)
	if err != nil {
		m.pings = nil
	}

	m.violations, err = meter.Int64Counter(
		"rpc.client.keepalive.violations",
		metric.WithDescription("Peer-reported premature keepalive pings"),
	)
	if err != nil {
		m.violations = nil
	}

	m.interval, err = meter.Int64Gauge(
		"rpc.client.keepalive.interval",
		metric.WithDescription("Effective keepalive interval in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.interval = nil
	}

	return m
}

func (m *metrics) ping(ctx context.Context) {
	if m.pings != nil {
		m.pings.Add(ctx, 1)
	}
}

func (m *metrics) violation(ctx context.Context, next time.Duration) {
	if m.violations != nil {
		m.violations.Add(ctx, 1)
	}
	if m.interval != nil {
		m.interval.Record(ctx, next.Milliseconds())
	}
}

func (m *metrics) reconfigure(ctx context.Context, d time.Duration) {
	if m.interval != nil {
		m.interval.Record(ctx, d.Milliseconds(),
			metric.WithAttributes(attribute.Bool("reconfigured", true)))
	}
}
