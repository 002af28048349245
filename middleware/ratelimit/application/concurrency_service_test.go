package application

import (
	"context"
	"testing"
	"time"
)

// stuckPool nunca entrega vaga: só o cancelamento do ctx destrava.
type stuckPool struct{}

func (stuckPool) Acquire(ctx context.Context) (func(), bool) {
	<-ctx.Done()
	return nil, false
}

type countingPool struct{ acquired int }

func (p *countingPool) Acquire(context.Context) (func(), bool) {
	p.acquired++
	return func() {}, true
}

func TestConcurrencyAcquireWithoutPool(t *testing.T) {
	release, ok := ConcurrencyService{}.Acquire(context.Background())
	if !ok {
		t.Fatalf("no pool configured means unlimited slots")
	}
	release()
}

func TestConcurrencyAcquireTimesOut(t *testing.T) {
	svc := ConcurrencyService{Pool: stuckPool{}, AcquireTimeout: 10 * time.Millisecond}

	start := time.Now()
	if _, ok := svc.Acquire(context.Background()); ok {
		t.Fatalf("expected acquisition to time out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestConcurrencyAcquireHonorsCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := ConcurrencyService{Pool: stuckPool{}}
	if _, ok := svc.Acquire(ctx); ok {
		t.Fatalf("canceled context must not acquire")
	}
}

func TestConcurrencyAcquireDelegatesWithoutTimeout(t *testing.T) {
	pool := &countingPool{}
	svc := ConcurrencyService{Pool: pool}

	if _, ok := svc.Acquire(context.Background()); !ok {
		t.Fatalf("expected acquisition to succeed")
	}
	if pool.acquired != 1 {
		t.Fatalf("pool Acquire calls = %d, want 1", pool.acquired)
	}
}
