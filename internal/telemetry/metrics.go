package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the tracker instruments. A nil *Metrics records nothing.
type Metrics struct {
	reconnects      metric.Int64Counter
	fallbacks       metric.Int64Counter
	polls           metric.Int64Counter
	pollErrors      metric.Int64Counter
	malformedFrames metric.Int64Counter
	outcomes        metric.Int64Counter
	sessionWrites   metric.Int64Counter
	sessionFailures metric.Int64Counter
}

// NewMetrics creates all tracker instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.reconnects, "lextrack.push.reconnects", "Push channel reconnect attempts"},
		{&m.fallbacks, "lextrack.push.fallbacks", "Trackers that exhausted reconnects and switched to polling"},
		{&m.polls, "lextrack.poll.requests", "Task status poll requests"},
		{&m.pollErrors, "lextrack.poll.errors", "Task status poll requests that failed"},
		{&m.malformedFrames, "lextrack.push.malformed_frames", "Push frames that could not be decoded"},
		{&m.outcomes, "lextrack.task.outcomes", "Terminal task outcomes delivered to callers"},
		{&m.sessionWrites, "lextrack.session.writes", "Session store writes"},
		{&m.sessionFailures, "lextrack.session.write_failures", "Session store writes that were dropped"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// GlobalMetrics builds Metrics on the global meter provider.
func GlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(ServiceName))
}

func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}

func (m *Metrics) RecordFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1)
}

// RecordPoll counts one poll request and, when err is set, one poll error.
func (m *Metrics) RecordPoll(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.polls.Add(ctx, 1)
	if err != nil {
		m.pollErrors.Add(ctx, 1)
	}
}

func (m *Metrics) RecordMalformedFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.malformedFrames.Add(ctx, 1)
}

// RecordOutcome counts a terminal task status.
func (m *Metrics) RecordOutcome(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionWrite counts a session write and whether it was dropped.
func (m *Metrics) RecordSessionWrite(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.sessionWrites.Add(ctx, 1)
	if err != nil {
		m.sessionFailures.Add(ctx, 1)
	}
}
