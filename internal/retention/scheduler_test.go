package retention_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentui/internal/persistence"
	"github.com/basket/agentui/internal/protocol"
	"github.com/basket/agentui/internal/retention"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingPurger struct {
	calls  atomic.Int32
	err    error
	policy persistence.RetentionPolicy
}

func (c *countingPurger) RunRetention(_ context.Context, p persistence.RetentionPolicy) (persistence.RetentionResult, error) {
	c.calls.Add(1)
	c.policy = p
	return persistence.RetentionResult{PurgedMessages: 1}, c.err
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	if _, err := retention.NewScheduler(retention.Config{Store: &countingPurger{}, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_RunsImmediatelyAndStops(t *testing.T) {
	p := &countingPurger{}
	s, err := retention.NewScheduler(retention.Config{
		Store:    p,
		Schedule: "@daily",
		Policy:   persistence.RetentionPolicy{MessagesDays: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return p.calls.Load() == 1 })
	s.Stop()

	if p.policy.MessagesDays != 3 {
		t.Fatalf("policy = %+v", p.policy)
	}
	if p.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 before the next daily activation", p.calls.Load())
	}
}

func TestScheduler_FiresEverySecondDescriptor(t *testing.T) {
	p := &countingPurger{}
	s, err := retention.NewScheduler(retention.Config{Store: p, Schedule: "@every 1s"})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, 4*time.Second, func() bool { return p.calls.Load() >= 2 })
}

func TestRunOnce_PropagatesError(t *testing.T) {
	p := &countingPurger{err: errors.New("disk full")}
	s, err := retention.NewScheduler(retention.Config{Store: p, Schedule: "@hourly"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOnce_AgainstStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentui.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	old := protocol.Message{ID: "old", Author: "User", Content: "x", CreatedAt: time.Now().UTC().AddDate(0, 0, -10)}
	if err := store.AddMessage(context.Background(), "s1", old); err != nil {
		t.Fatal(err)
	}

	s, err := retention.NewScheduler(retention.Config{
		Store:    store,
		Schedule: "0 3 * * *",
		Policy:   persistence.RetentionPolicy{MessagesDays: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.PurgedMessages != 1 {
		t.Fatalf("purged = %d, want 1", res.PurgedMessages)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := retention.NextRunTime("0 3 * * *", base)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := retention.NextRunTime("61 * * * *", base); err == nil {
		t.Fatal("expected error for invalid minute")
	}
}
