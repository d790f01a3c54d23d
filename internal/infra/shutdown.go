package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownPhase orders shutdown work. Earlier phases run first.
type ShutdownPhase int

const (
	// PhasePreShutdown stops accepting new streams.
	PhasePreShutdown ShutdownPhase = iota
	// PhaseServices stops background services (sweeps, coordinators).
	PhaseServices
	// PhaseConnections closes external connections (tool servers, store).
	PhaseConnections
	phaseCount
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhasePreShutdown:
		return "pre-shutdown"
	case PhaseServices:
		return "services"
	case PhaseConnections:
		return "connections"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc performs cleanup. The context is cancelled when the phase's
// grace period elapses.
type ShutdownFunc func(ctx context.Context) error

type shutdownHandler struct {
	name  string
	phase ShutdownPhase
	fn    ShutdownFunc
}

// ShutdownResult records one handler's outcome.
type ShutdownResult struct {
	Name     string
	Phase    ShutdownPhase
	Duration time.Duration
	Err      error
}

// ShutdownCoordinator runs registered handlers in phase order on shutdown.
// Handlers within a phase run concurrently, each bounded by the grace period.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers [phaseCount][]shutdownHandler
	grace    time.Duration
	logger   *slog.Logger
	once     sync.Once
	stopping atomic.Bool
}

// NewShutdownCoordinator creates a coordinator with the given grace period
// per handler.
func NewShutdownCoordinator(grace time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{grace: grace, logger: logger}
}

// Register adds a shutdown handler to a phase.
func (c *ShutdownCoordinator) Register(name string, phase ShutdownPhase, fn ShutdownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if phase < 0 || phase >= phaseCount {
		phase = PhaseConnections
	}
	c.handlers[phase] = append(c.handlers[phase], shutdownHandler{name: name, phase: phase, fn: fn})
}

// Stopping reports whether shutdown has begun.
func (c *ShutdownCoordinator) Stopping() bool {
	return c.stopping.Load()
}

// OnSignal runs Shutdown when one of the signals arrives. The returned
// channel closes when shutdown completes.
func (c *ShutdownCoordinator) OnSignal(signals ...os.Signal) <-chan struct{} {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		c.logger.Info("received shutdown signal", "signal", sig)
		c.Shutdown(context.Background())
		close(done)
	}()
	return done
}

// Shutdown runs all handlers once, in phase order. Later calls return nil.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) []ShutdownResult {
	var results []ShutdownResult

	c.once.Do(func() {
		c.stopping.Store(true)
		start := time.Now()
		c.logger.Info("starting graceful shutdown")

		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()
			if len(handlers) == 0 {
				continue
			}

			phaseResults := make([]ShutdownResult, len(handlers))
			var wg sync.WaitGroup
			for i, h := range handlers {
				wg.Add(1)
				go func(idx int, h shutdownHandler) {
					defer wg.Done()
					phaseResults[idx] = c.runHandler(ctx, h)
				}(i, h)
			}
			wg.Wait()
			results = append(results, phaseResults...)

			if ctx.Err() != nil {
				c.logger.Warn("shutdown context cancelled", "phase", phase.String())
				break
			}
		}

		c.logger.Info("graceful shutdown complete", "duration", time.Since(start))
	})

	return results
}

func (c *ShutdownCoordinator) runHandler(ctx context.Context, h shutdownHandler) ShutdownResult {
	start := time.Now()

	handlerCtx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.fn(handlerCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-handlerCtx.Done():
		err = handlerCtx.Err()
	}

	result := ShutdownResult{Name: h.name, Phase: h.phase, Duration: time.Since(start), Err: err}
	if err != nil {
		c.logger.Warn("shutdown handler error", "handler", h.name, "phase", h.phase.String(), "error", err)
	} else {
		c.logger.Debug("shutdown handler complete", "handler", h.name, "duration", result.Duration)
	}
	return result
}
