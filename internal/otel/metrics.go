package otel

import (
	"context"

	"github.com/basket/agentui/internal/bus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's instruments.
type Metrics struct {
	SessionsActive    metric.Int64UpDownCounter
	Connections       metric.Int64Counter
	HandshakeRefusals metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	TaskStops         metric.Int64Counter
	CallbackErrors    metric.Int64Counter
	AskTimeouts       metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SessionsActive, err = meter.Int64UpDownCounter("agentui.sessions.active",
		metric.WithDescription("Sessions currently registered, connected or awaiting restore"),
	); err != nil {
		return nil, err
	}
	if m.Connections, err = meter.Int64Counter("agentui.connections",
		metric.WithDescription("Accepted handshakes, by restored"),
	); err != nil {
		return nil, err
	}
	if m.HandshakeRefusals, err = meter.Int64Counter("agentui.handshake.refusals",
		metric.WithDescription("Handshakes refused by validation or auth"),
	); err != nil {
		return nil, err
	}
	if m.DispatchDuration, err = meter.Float64Histogram("agentui.dispatch.duration",
		metric.WithDescription("Time to route one inbound event in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("agentui.task.duration",
		metric.WithDescription("Developer callback turn duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TaskStops, err = meter.Int64Counter("agentui.task.stops",
		metric.WithDescription("Stop requests received"),
	); err != nil {
		return nil, err
	}
	if m.CallbackErrors, err = meter.Int64Counter("agentui.callback.errors",
		metric.WithDescription("Developer callbacks that returned an error or panicked"),
	); err != nil {
		return nil, err
	}
	if m.AskTimeouts, err = meter.Int64Counter("agentui.ask.timeouts",
		metric.WithDescription("Ask-User requests that expired without a reply"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("agentui.ratelimit.rejects",
		metric.WithDescription("Inbound events rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Follow turns lifecycle events published on b into metric updates until
// ctx is done.
func (m *Metrics) Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.record(ctx, ev)
		}
	}
}

func (m *Metrics) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicSessionCreated:
		m.SessionsActive.Add(ctx, 1)
		m.Connections.Add(ctx, 1, metric.WithAttributes(AttrRestored.Bool(false)))
	case bus.TopicSessionRestored:
		m.Connections.Add(ctx, 1, metric.WithAttributes(AttrRestored.Bool(true)))
	case bus.TopicSessionDeleted:
		m.SessionsActive.Add(ctx, -1)
	case bus.TopicHandshakeRefused:
		m.HandshakeRefusals.Add(ctx, 1)
	case bus.TopicTaskStopRequested:
		m.TaskStops.Add(ctx, 1)
	case bus.TopicAskTimeout:
		m.AskTimeouts.Add(ctx, 1)
	case bus.TopicTaskEnded, bus.TopicTaskFailed:
		p, ok := ev.Payload.(bus.TaskEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("kind", p.Kind),
			attribute.Bool("cancelled", p.Cancelled),
		)
		m.TaskDuration.Record(ctx, p.Duration.Seconds(), attrs)
		if ev.Topic == bus.TopicTaskFailed {
			m.CallbackErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", p.Kind)))
		}
	}
}
