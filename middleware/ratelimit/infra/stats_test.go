package infra

import (
	"context"
	"errors"
	"testing"

	"admission-gateway/middleware/ratelimit/domain"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	events := []domain.StatsEvent{
		{Key: domain.Key{Type: domain.LimitGlobal}, Allowed: true, Reason: domain.ReasonOK},
		{Key: domain.Key{Type: domain.LimitPerIP, Identifier: "10.0.0.1"}, Allowed: false, Reason: domain.ReasonRateLimited},
		{Key: domain.Key{Type: domain.LimitPerIP, Identifier: "10.0.0.2"}, Allowed: false, Reason: domain.ReasonPenalized},
		{Key: domain.Key{Type: domain.LimitPerUser, Identifier: "u1"}, Allowed: false, Reason: domain.ReasonRateLimited},
		{Key: domain.Key{Type: domain.LimitGlobal}, Allowed: true, Reason: domain.ReasonBypassed},
		{Key: domain.Key{Type: domain.LimitGlobal}, Allowed: true, Reason: domain.ReasonFailOpen},
	}
	for _, ev := range events {
		if err := c.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	snap := c.Snapshot()
	if snap.TotalChecked != 6 {
		t.Errorf("TotalChecked = %d, want 6", snap.TotalChecked)
	}
	if snap.TotalAllowed != 3 {
		t.Errorf("TotalAllowed = %d, want 3", snap.TotalAllowed)
	}
	if snap.TotalDenied != 3 {
		t.Errorf("TotalDenied = %d, want 3", snap.TotalDenied)
	}
	if snap.Bypassed != 1 {
		t.Errorf("Bypassed = %d, want 1", snap.Bypassed)
	}
	if snap.FailOpen != 1 {
		t.Errorf("FailOpen = %d, want 1", snap.FailOpen)
	}
	if snap.DenialsByType[domain.LimitPerIP] != 2 {
		t.Errorf("DenialsByType[per_ip] = %d, want 2", snap.DenialsByType[domain.LimitPerIP])
	}
	if snap.DenialsByType[domain.LimitPerUser] != 1 {
		t.Errorf("DenialsByType[per_user] = %d, want 1", snap.DenialsByType[domain.LimitPerUser])
	}
}

func TestCollectorDegradedSource(t *testing.T) {
	c := NewCollector(WithDegradedSource(func() float64 { return 12.5 }))
	if got := c.Snapshot().DegradedSeconds; got != 12.5 {
		t.Fatalf("DegradedSeconds = %f, want 12.5", got)
	}
}

func TestCollectorSnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	_ = c.Record(context.Background(), domain.StatsEvent{
		Key: domain.Key{Type: domain.LimitPerIP}, Allowed: false, Reason: domain.ReasonRateLimited,
	})

	snap := c.Snapshot()
	snap.DenialsByType[domain.LimitPerIP] = 999

	if got := c.Snapshot().DenialsByType[domain.LimitPerIP]; got != 1 {
		t.Fatalf("snapshot mutation leaked into collector: %d", got)
	}
}

type failingStats struct{ err error }

func (f failingStats) Record(context.Context, domain.StatsEvent) error { return f.err }

func TestTeeReplicatesAndKeepsFirstError(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	boom := errors.New("redis down")

	tee := Tee(a, failingStats{err: boom}, b, nil)
	err := tee.Record(context.Background(), domain.StatsEvent{
		Key: domain.Key{Type: domain.LimitGlobal}, Allowed: true, Reason: domain.ReasonOK,
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected first error to surface, got %v", err)
	}

	// os demais stores recebem o evento mesmo com um deles falhando
	if a.Snapshot().TotalChecked != 1 || b.Snapshot().TotalChecked != 1 {
		t.Fatalf("expected event replicated to both collectors")
	}
}
