package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/observability"
)

// SessionState describes a pooled tool server session.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionError  SessionState = "error"
	SessionClosed SessionState = "closed"
)

type session struct {
	client     *Client
	state      SessionState
	lastAccess time.Time
	lastErr    error
}

// RegistryConfig configures session pooling.
type RegistryConfig struct {
	// IdleTimeout evicts sessions with no access for this long.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are collected.
	SweepInterval time.Duration
}

// Registry pools tool server sessions across conversation streams. Sessions
// are created lazily on first acquire; concurrent acquires for the same
// server share one connection attempt.
type Registry struct {
	configs map[string]*ServerConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	flight infra.Group[string, *Client]

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// NewRegistry creates a registry for the given servers and starts the idle
// sweeper. metrics may be nil.
func NewRegistry(servers []*ServerConfig, cfg RegistryConfig, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	configs := make(map[string]*ServerConfig, len(servers))
	for _, s := range servers {
		configs[s.ID] = s
	}

	r := &Registry{
		configs:       configs,
		logger:        logger.With("component", "toolserver_registry"),
		metrics:       metrics,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		sessions:      make(map[string]*session),
		stopSweep:     make(chan struct{}),
	}

	r.sweepWG.Add(1)
	go r.sweepLoop()

	return r
}

// Servers returns the configured server IDs.
func (r *Registry) Servers() []string {
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	return ids
}

// Acquire returns a connected client for the given server, creating the
// session if needed. The caller's context bounds connection establishment.
func (r *Registry) Acquire(ctx context.Context, serverID string) (*Client, error) {
	cfg, ok := r.configs[serverID]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", serverID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry closed")
	}
	if s, ok := r.sessions[serverID]; ok && s.state == SessionActive && s.client.Connected() {
		s.lastAccess = time.Now()
		r.mu.Unlock()
		return s.client, nil
	}
	r.mu.Unlock()

	client, err, _ := r.flight.Do(serverID, func() (*Client, error) {
		return r.connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Registry) connect(ctx context.Context, cfg *ServerConfig) (*Client, error) {
	// Drop any dead session before dialing a fresh one.
	r.mu.Lock()
	if s, ok := r.sessions[cfg.ID]; ok {
		delete(r.sessions, cfg.ID)
		go s.client.Close()
	}
	r.mu.Unlock()

	client := NewClient(cfg, r.logger)
	if err := client.Connect(ctx); err != nil {
		r.mu.Lock()
		r.sessions[cfg.ID] = &session{
			client:     client,
			state:      SessionError,
			lastAccess: time.Now(),
			lastErr:    err,
		}
		r.mu.Unlock()
		r.updateGauges()
		return nil, fmt.Errorf("connect %s: %w", cfg.ID, err)
	}

	r.mu.Lock()
	r.sessions[cfg.ID] = &session{
		client:     client,
		state:      SessionActive,
		lastAccess: time.Now(),
	}
	r.mu.Unlock()
	r.updateGauges()
	return client, nil
}

// Evict closes the session for a server so the next acquire reconnects.
// Callers use it after a transport-level failure.
func (r *Registry) Evict(serverID string) {
	r.mu.Lock()
	s, ok := r.sessions[serverID]
	if ok {
		delete(r.sessions, serverID)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("evicting tool server session", "tool_server", serverID)
		s.client.Close()
		r.updateGauges()
	}
	r.flight.Forget(serverID)
}

// Close shuts down all sessions. The context bounds how long Close waits for
// clients to disconnect.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	close(r.stopSweep)
	r.sweepWG.Wait()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for id, s := range sessions {
			wg.Add(1)
			go func(id string, s *session) {
				defer wg.Done()
				if err := s.client.Close(); err != nil {
					r.logger.Warn("close tool server session", "tool_server", id, "error", err)
				}
			}(id, s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("registry close: %w", ctx.Err())
	}
	r.updateGauges()
	return nil
}

func (r *Registry) sweepLoop() {
	defer r.sweepWG.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

func (r *Registry) sweepIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var evict []*session
	var ids []string
	for id, s := range r.sessions {
		if s.lastAccess.Before(cutoff) || s.state == SessionError {
			evict = append(evict, s)
			ids = append(ids, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for i, s := range evict {
		r.logger.Info("sweeping idle tool server session", "tool_server", ids[i])
		s.client.Close()
	}
	if len(evict) > 0 {
		r.updateGauges()
	}
}

func (r *Registry) updateGauges() {
	if r.metrics == nil {
		return
	}

	r.mu.Lock()
	var active, errored float64
	for _, s := range r.sessions {
		switch s.state {
		case SessionActive:
			active++
		case SessionError:
			errored++
		}
	}
	r.mu.Unlock()

	r.metrics.ToolServerSessions.WithLabelValues("active").Set(active)
	r.metrics.ToolServerSessions.WithLabelValues("error").Set(errored)
}
