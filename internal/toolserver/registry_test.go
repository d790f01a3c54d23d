package toolserver

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, servers ...*ServerConfig) *Registry {
	t.Helper()
	r := NewRegistry(servers, RegistryConfig{
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
	}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

func TestRegistryAcquireUnknownServer(t *testing.T) {
	r := newTestRegistry(t)

	if _, err := r.Acquire(context.Background(), "nope"); err == nil {
		t.Error("Acquire(nope) error = nil, want unknown server error")
	}
}

func TestRegistryAcquireSharesSession(t *testing.T) {
	srv := newRPCServer(t, nil)
	defer srv.Close()

	r := newTestRegistry(t, &ServerConfig{ID: "test", Transport: TransportHTTP, URL: srv.URL})

	const n = 8
	clients := make([]*Client, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Acquire(context.Background(), "test")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			clients[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if clients[i] != clients[0] {
			t.Fatalf("Acquire returned distinct clients for the same server")
		}
	}
}

func TestRegistryEvictReconnects(t *testing.T) {
	srv := newRPCServer(t, nil)
	defer srv.Close()

	r := newTestRegistry(t, &ServerConfig{ID: "test", Transport: TransportHTTP, URL: srv.URL})

	first, err := r.Acquire(context.Background(), "test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	r.Evict("test")
	if first.Connected() {
		t.Error("evicted client still connected")
	}

	second, err := r.Acquire(context.Background(), "test")
	if err != nil {
		t.Fatalf("Acquire() after evict error = %v", err)
	}
	if second == first {
		t.Error("Acquire after evict returned the closed client")
	}
	if !second.Connected() {
		t.Error("reconnected client not connected")
	}
}

func TestRegistryClose(t *testing.T) {
	srv := newRPCServer(t, nil)
	defer srv.Close()

	r := NewRegistry([]*ServerConfig{
		{ID: "test", Transport: TransportHTTP, URL: srv.URL},
	}, RegistryConfig{IdleTimeout: time.Hour, SweepInterval: time.Hour}, nil, nil)

	client, err := r.Acquire(context.Background(), "test")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if client.Connected() {
		t.Error("client still connected after registry close")
	}
	if _, err := r.Acquire(context.Background(), "test"); err == nil {
		t.Error("Acquire() after close error = nil, want registry closed")
	}
}
