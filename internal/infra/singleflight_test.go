package infra

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_Do(t *testing.T) {
	var g Group[string, int]

	val, err, shared := g.Do("key", func() (int, error) {
		return 42, nil
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
	if shared {
		t.Error("expected shared=false for single call")
	}
}

func TestGroup_DoError(t *testing.T) {
	var g Group[string, int]
	testErr := errors.New("boom")

	_, err, _ := g.Do("key", func() (int, error) {
		return 0, testErr
	})

	if !errors.Is(err, testErr) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestGroup_DoDuplicates(t *testing.T) {
	var g Group[string, int]
	var callCount int32

	var wg sync.WaitGroup
	results := make([]int, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			val, _, _ := g.Do("key", func() (int, error) {
				atomic.AddInt32(&callCount, 1)
				time.Sleep(50 * time.Millisecond)
				return 42, nil
			})
			results[idx] = val
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&callCount); got != 1 {
		t.Errorf("expected exactly 1 execution, got %d", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("caller %d got %d, want 42", i, v)
		}
	}
}

func TestGroup_Forget(t *testing.T) {
	var g Group[string, int]
	var callCount int32

	started := make(chan struct{})
	release := make(chan struct{})

	go g.Do("key", func() (int, error) {
		close(started)
		atomic.AddInt32(&callCount, 1)
		<-release
		return 1, nil
	})
	<-started

	g.Forget("key")

	val, _, _ := g.Do("key", func() (int, error) {
		atomic.AddInt32(&callCount, 1)
		return 2, nil
	})
	close(release)

	if val != 2 {
		t.Errorf("expected fresh execution after Forget, got %d", val)
	}
	if got := atomic.LoadInt32(&callCount); got != 2 {
		t.Errorf("expected 2 executions, got %d", got)
	}
}

func TestGroup_Stats(t *testing.T) {
	var g Group[string, int]

	g.Do("a", func() (int, error) { return 1, nil })
	g.Do("b", func() (int, error) { return 2, nil })

	stats := g.Stats()
	if stats.Misses != 2 {
		t.Errorf("expected 2 misses, got %d", stats.Misses)
	}
}
