package approval

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := NewCoordinator(Config{GracePeriod: time.Hour, SweepInterval: time.Hour}, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func TestCoordinatorResolveApproved(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create(CreateParams{ConversationID: "conv-1", ToolCallID: "call-1", ToolName: "search"})

	out, err := c.Resolve(req.ID, true, true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Resolution != ResolutionApproved || !out.Remember {
		t.Errorf("outcome = %+v, want approved+remember", out)
	}
}

func TestCoordinatorResolveUnknown(t *testing.T) {
	c := newTestCoordinator(t)

	if _, err := c.Resolve("nope", true, false); err != ErrNotFound {
		t.Errorf("Resolve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCoordinatorResolveIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create(CreateParams{ToolCallID: "call-1"})

	first, err := c.Resolve(req.ID, false, false)
	if err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	if first.Resolution != ResolutionDenied {
		t.Fatalf("first resolution = %s, want denied", first.Resolution)
	}

	// A contradictory duplicate submission returns the original outcome.
	second, err := c.Resolve(req.ID, true, true)
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if second.Resolution != ResolutionDenied || second.Remember {
		t.Errorf("second resolution = %+v, want original denied outcome", second)
	}
}

func TestCoordinatorWaitResolved(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create(CreateParams{ToolCallID: "call-1"})

	var wg sync.WaitGroup
	wg.Add(1)
	var out Outcome
	var waitErr error
	go func() {
		defer wg.Done()
		out, waitErr = c.Wait(context.Background(), req.ID, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := c.Resolve(req.ID, true, false); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	wg.Wait()

	if waitErr != nil {
		t.Fatalf("Wait() error = %v", waitErr)
	}
	if !out.Approved() {
		t.Errorf("Wait() outcome = %+v, want approved", out)
	}
}

func TestCoordinatorWaitTimeout(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create(CreateParams{ToolCallID: "call-1"})

	out, err := c.Wait(context.Background(), req.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if out.Resolution != ResolutionTimedOut {
		t.Errorf("resolution = %s, want timed_out", out.Resolution)
	}
	if out.Approved() {
		t.Error("timed out outcome reported as approved")
	}

	// A late user submission sees the timeout outcome.
	late, err := c.Resolve(req.ID, true, false)
	if err != nil {
		t.Fatalf("late Resolve() error = %v", err)
	}
	if late.Resolution != ResolutionTimedOut {
		t.Errorf("late resolution = %s, want timed_out", late.Resolution)
	}
}

func TestCoordinatorWaitCancelled(t *testing.T) {
	c := newTestCoordinator(t)
	req := c.Create(CreateParams{ToolCallID: "call-1"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Wait(ctx, req.ID, time.Minute); err != context.Canceled {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestCoordinatorSweep(t *testing.T) {
	c := NewCoordinator(Config{GracePeriod: time.Millisecond, SweepInterval: time.Hour}, nil, nil)
	defer c.Close()

	resolved := c.Create(CreateParams{ToolCallID: "old"})
	c.Resolve(resolved.ID, true, false)
	pending := c.Create(CreateParams{ToolCallID: "pending"})

	time.Sleep(5 * time.Millisecond)
	c.sweep()

	if c.Get(resolved.ID) != nil {
		t.Error("resolved request survived sweep past grace period")
	}
	if c.Get(pending.ID) == nil {
		t.Error("pending request was swept")
	}
}
