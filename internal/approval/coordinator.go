// Package approval correlates outstanding tool approval requests with
// asynchronous user decisions.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
)

// Resolution is the outcome of an approval request.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
	ResolutionTimedOut Resolution = "timed_out"
)

// ErrNotFound is returned when resolving an unknown request ID.
var ErrNotFound = errors.New("approval request not found")

// Request is a pending or resolved approval request.
type Request struct {
	ID             string
	ConversationID string
	ToolCallID     string
	ToolName       string
	Server         string
	Arguments      json.RawMessage
	CreatedAt      time.Time

	resolution Resolution
	remember   bool
	resolvedAt time.Time
	done       chan struct{}
}

// Outcome is the final decision for a request.
type Outcome struct {
	Resolution Resolution
	Remember   bool
}

// Approved reports whether the outcome permits execution.
func (o Outcome) Approved() bool {
	return o.Resolution == ResolutionApproved
}

// Config configures request retention.
type Config struct {
	// GracePeriod keeps resolved requests so duplicate submissions can be
	// answered with the original outcome.
	GracePeriod time.Duration

	// SweepInterval is how often resolved and expired requests are
	// collected.
	SweepInterval time.Duration
}

// Coordinator tracks approval requests. Safe for concurrent use. First
// resolution wins; later resolutions are no-ops returning the original
// outcome. Waiting is a channel suspension, never a blocked worker.
type Coordinator struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	grace         time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	requests map[string]*Request

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
	stopOnce  sync.Once
}

// NewCoordinator creates a coordinator and starts its sweeper. metrics may
// be nil.
func NewCoordinator(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	c := &Coordinator{
		logger:        logger.With("component", "approval"),
		metrics:       metrics,
		grace:         cfg.GracePeriod,
		sweepInterval: cfg.SweepInterval,
		requests:      make(map[string]*Request),
		stopSweep:     make(chan struct{}),
	}

	c.sweepWG.Add(1)
	go c.sweepLoop()

	return c
}

// CreateParams identifies the tool call awaiting a decision.
type CreateParams struct {
	ConversationID string
	ToolCallID     string
	ToolName       string
	Server         string
	Arguments      json.RawMessage
}

// Create registers a new pending request and returns it.
func (c *Coordinator) Create(p CreateParams) *Request {
	req := &Request{
		ID:             uuid.New().String(),
		ConversationID: p.ConversationID,
		ToolCallID:     p.ToolCallID,
		ToolName:       p.ToolName,
		Server:         p.Server,
		Arguments:      p.Arguments,
		CreatedAt:      time.Now(),
		resolution:     ResolutionPending,
		done:           make(chan struct{}),
	}

	c.mu.Lock()
	c.requests[req.ID] = req
	c.mu.Unlock()

	c.logger.Info("approval request created",
		"approval_id", req.ID,
		"tool", req.ToolName,
		"tool_server", req.Server)
	return req
}

// Resolve records a user decision. Resolving an already-resolved request is
// a no-op that returns the original outcome, tolerating duplicate
// submissions. Returns ErrNotFound for unknown IDs.
func (c *Coordinator) Resolve(id string, approved, remember bool) (Outcome, error) {
	resolution := ResolutionDenied
	if approved {
		resolution = ResolutionApproved
	}
	return c.resolve(id, resolution, remember)
}

func (c *Coordinator) resolve(id string, resolution Resolution, remember bool) (Outcome, error) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return Outcome{}, ErrNotFound
	}
	if req.resolution != ResolutionPending {
		out := Outcome{Resolution: req.resolution, Remember: req.remember}
		c.mu.Unlock()
		return out, nil
	}
	req.resolution = resolution
	req.remember = remember
	req.resolvedAt = time.Now()
	close(req.done)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ApprovalOutcomes.WithLabelValues(string(resolution)).Inc()
	}
	c.logger.Info("approval request resolved", "approval_id", id, "resolution", resolution)
	return Outcome{Resolution: resolution, Remember: remember}, nil
}

// Wait suspends until the request is resolved, the timeout elapses, or ctx
// is cancelled. A timeout resolves the request as timed out, which callers
// treat as denial.
func (c *Coordinator) Wait(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return Outcome{}, ErrNotFound
	}
	if req.resolution != ResolutionPending {
		out := Outcome{Resolution: req.resolution, Remember: req.remember}
		c.mu.Unlock()
		return out, nil
	}
	done := req.done
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		c.mu.Lock()
		out := Outcome{Resolution: req.resolution, Remember: req.remember}
		c.mu.Unlock()
		return out, nil
	case <-timer.C:
		c.logger.Warn("approval request timed out", "approval_id", id, "timeout", timeout)
		return c.resolve(id, ResolutionTimedOut, false)
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Get returns the request with the given ID, or nil.
func (c *Coordinator) Get(id string) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[id]
}

// Close stops the sweeper.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
	c.sweepWG.Wait()
}

func (c *Coordinator) sweepLoop() {
	defer c.sweepWG.Done()

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep drops resolved requests past the grace period.
func (c *Coordinator) sweep() {
	cutoff := time.Now().Add(-c.grace)

	c.mu.Lock()
	var removed int
	for id, req := range c.requests {
		if req.resolution != ResolutionPending && req.resolvedAt.Before(cutoff) {
			delete(c.requests, id)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("swept resolved approval requests", "count", removed)
	}
}
