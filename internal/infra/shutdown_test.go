package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShutdownCoordinator_PhaseOrder(t *testing.T) {
	c := NewShutdownCoordinator(time.Second, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.Register("conns", PhaseConnections, record("conns"))
	c.Register("pre", PhasePreShutdown, record("pre"))
	c.Register("svc", PhaseServices, record("svc"))

	results := c.Shutdown(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	want := []string{"pre", "svc", "conns"}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("position %d: got %s, want %s", i, order[i], name)
		}
	}
}

func TestShutdownCoordinator_HandlerTimeout(t *testing.T) {
	c := NewShutdownCoordinator(50*time.Millisecond, nil)

	c.Register("slow", PhaseServices, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	results := c.Shutdown(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", results[0].Err)
	}
}

func TestShutdownCoordinator_OnlyOnce(t *testing.T) {
	c := NewShutdownCoordinator(time.Second, nil)

	var calls int
	c.Register("once", PhaseServices, func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Shutdown(context.Background())
	second := c.Shutdown(context.Background())

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
	if second != nil {
		t.Errorf("expected nil results on repeat shutdown, got %v", second)
	}
	if !c.Stopping() {
		t.Error("expected Stopping to report true after shutdown")
	}
}
