// Package metrics holds the OpenTelemetry instruments recorded by the
// reliable multicast core. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "lamport-multicast"

// Metrics holds the protocol instruments for one process.
type Metrics struct {
	attrs metric.MeasurementOption

	dataSent          metric.Int64Counter
	retransmissions   metric.Int64Counter
	acksSent          metric.Int64Counter
	acksReceived      metric.Int64Counter
	delivered         metric.Int64Counter
	duplicates        metric.Int64Counter
	malformed         metric.Int64Counter
	sendFailures      metric.Int64Counter
	permanentFailures metric.Int64Counter

	pendingSends metric.Int64UpDownCounter
}

// New creates the instruments on meter. A nil meter uses the global
// provider, which is a no-op until the application installs one.
func New(meter metric.Meter, process int) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &Metrics{
		attrs: metric.WithAttributes(attribute.Int("process.id", process)),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.dataSent, "multicast.data.sent", "DATA frames handed to the channel, first attempts only"},
		{&m.retransmissions, "multicast.data.retransmitted", "DATA frames re-sent by the retransmission sweep"},
		{&m.acksSent, "multicast.acks.sent", "ACK frames handed to the channel"},
		{&m.acksReceived, "multicast.acks.received", "ACK frames received"},
		{&m.delivered, "multicast.delivered", "Messages delivered to the application"},
		{&m.duplicates, "multicast.duplicates", "Duplicate DATA frames suppressed"},
		{&m.malformed, "multicast.malformed", "Inbound frames dropped as malformed"},
		{&m.sendFailures, "multicast.send.failures", "Transient channel send failures"},
		{&m.permanentFailures, "multicast.failures.permanent", "Destinations that exhausted the retry budget"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.pendingSends, err = meter.Int64UpDownCounter(
		"multicast.pending",
		metric.WithDescription("Multicasts still awaiting acknowledgements"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending gauge: %w", err)
	}

	return m, nil
}

// add must only be called on a non-nil receiver; selecting the counter
// field already dereferences m.
func (m *Metrics) add(c metric.Int64Counter, n int) {
	if n == 0 {
		return
	}
	c.Add(context.Background(), int64(n), m.attrs)
}

// DataSent records first-attempt DATA sends.
func (m *Metrics) DataSent(n int) {
	if m != nil {
		m.add(m.dataSent, n)
	}
}

// Retransmitted records DATA frames re-sent by the sweep.
func (m *Metrics) Retransmitted(n int) {
	if m != nil {
		m.add(m.retransmissions, n)
	}
}

// AcksSent records ACK frames sent.
func (m *Metrics) AcksSent(n int) {
	if m != nil {
		m.add(m.acksSent, n)
	}
}

// AckReceived records one inbound ACK.
func (m *Metrics) AckReceived() {
	if m != nil {
		m.add(m.acksReceived, 1)
	}
}

// Delivered records messages handed to the application.
func (m *Metrics) Delivered(n int) {
	if m != nil {
		m.add(m.delivered, n)
	}
}

// Duplicate records one suppressed duplicate.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.add(m.duplicates, 1)
	}
}

// Malformed records one dropped inbound frame.
func (m *Metrics) Malformed() {
	if m != nil {
		m.add(m.malformed, 1)
	}
}

// SendFailed records one transient channel failure.
func (m *Metrics) SendFailed() {
	if m != nil {
		m.add(m.sendFailures, 1)
	}
}

// PermanentFailures records destinations that gave up.
func (m *Metrics) PermanentFailures(n int) {
	if m != nil {
		m.add(m.permanentFailures, n)
	}
}

// PendingDelta moves the pending-sends gauge.
func (m *Metrics) PendingDelta(n int) {
	if m == nil || n == 0 {
		return
	}
	m.pendingSends.Add(context.Background(), int64(n), m.attrs)
}
