package otel

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agentui/internal/bus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m.SessionsActive == nil || m.TaskDuration == nil || m.RateLimitRejects == nil {
		t.Fatal("instrument missing")
	}
}

func sumValue(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				return total, true
			}
		}
	}
	return 0, false
}

func TestMetrics_FollowRecordsLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Follow(ctx, b)
		close(done)
	}()
	for b.SubscriberCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	b.Publish(bus.TopicSessionCreated, bus.SessionEvent{SessionID: "s1"})
	b.Publish(bus.TopicSessionCreated, bus.SessionEvent{SessionID: "s2"})
	b.Publish(bus.TopicSessionRestored, bus.SessionEvent{SessionID: "s1"})
	b.Publish(bus.TopicSessionDeleted, bus.SessionEvent{SessionID: "s2"})
	b.Publish(bus.TopicTaskFailed, bus.TaskEvent{SessionID: "s1", Kind: "ui_message", Duration: time.Second})
	b.Publish(bus.TopicAskTimeout, bus.SessionEvent{SessionID: "s1"})

	want := map[string]int64{
		"agentui.sessions.active": 1,
		"agentui.connections":     3,
		"agentui.callback.errors": 1,
		"agentui.ask.timeouts":    1,
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect: %v", err)
		}
		mismatch := ""
		for name, v := range want {
			if got, _ := sumValue(rm, name); got != v {
				mismatch = name
				break
			}
		}
		if mismatch == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metric %s never reached %d", mismatch, want[mismatch])
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
