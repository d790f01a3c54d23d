// Package orchestrator drives a single tool call through its lifecycle:
// policy lookup, the approval gate, argument validation, and execution
// against the tool's server.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/policy"
	"github.com/haasonsaas/relay/internal/toolserver"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config bounds the three waits a tool call can hit.
type Config struct {
	// ApprovalWait is how long a call waits for a human decision before it
	// is denied.
	ApprovalWait time.Duration

	// AcquireTimeout bounds obtaining a tool server session.
	AcquireTimeout time.Duration

	// ExecuteTimeout bounds the tool invocation itself.
	ExecuteTimeout time.Duration
}

// EmitFunc receives a tool call snapshot after every transition. The prompt
// is non-nil exactly once, when the call starts awaiting approval. The final
// snapshot carries a terminal status. An alias so implementations satisfy
// the stream engine's executor contract directly.
type EmitFunc = func(call models.ToolCall, prompt *models.ApprovalPrompt)

// Orchestrator executes tool calls. Safe for concurrent use; per-call state
// lives in the Execute frame.
type Orchestrator struct {
	policies  policy.Store
	approvals *approval.Coordinator
	registry  *toolserver.Registry
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	config    Config
}

// New creates an orchestrator. metrics and tracer may be nil.
func New(policies policy.Store, approvals *approval.Coordinator, registry *toolserver.Registry,
	logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer, cfg Config) *Orchestrator {
	if cfg.ApprovalWait <= 0 {
		cfg.ApprovalWait = 60 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	return &Orchestrator{
		policies:  policies,
		approvals: approvals,
		registry:  registry,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		config:    cfg,
	}
}

// Execute drives one tool call from ARGS_COMPLETE to a terminal state and
// reports every transition through emit. A call failure never propagates as
// an error; the terminal snapshot carries the detail.
func (o *Orchestrator) Execute(ctx context.Context, conversationID string, call models.ToolCall, emit EmitFunc) {
	ctx = observability.WithConversationID(ctx, conversationID)
	ctx = observability.WithToolCallID(ctx, call.ID)

	ctx, span := o.startSpan(ctx, call)

	fail := func(detail string) {
		call.Status = models.ToolCallFailed
		call.Error = detail
		emit(call, nil)
		o.countExecution(call.Server, "failed")
		observability.End(span, errors.New(detail))
	}

	decision, err := o.policies.Get(ctx, call.Server, call.Name)
	if err != nil {
		o.logger.Warn(ctx, "policy lookup failed, defaulting to ask", "error", err.Error())
		decision = policy.DecisionAsk
	}

	switch decision {
	case policy.DecisionDeny:
		o.logger.Info(ctx, "tool call denied by policy", "tool", call.Name)
		fail("denied by policy")
		return

	case policy.DecisionAllow:
		o.logger.Debug(ctx, "tool call auto-approved by policy", "tool", call.Name)

	default:
		outcome, ok := o.awaitApproval(ctx, conversationID, &call, emit)
		if !ok {
			observability.End(span, ctx.Err())
			return
		}
		if !outcome.Approved() {
			detail := "denied by user"
			if outcome.Resolution == approval.ResolutionTimedOut {
				detail = "denied by timeout"
			}
			o.rememberChoice(ctx, call, outcome)
			fail(detail)
			return
		}
		o.rememberChoice(ctx, call, outcome)
	}

	call.Status = models.ToolCallExecuting
	emit(call, nil)

	result, err := o.invoke(ctx, &call)
	if err != nil {
		fail(err.Error())
		return
	}

	call.Status = models.ToolCallCompleted
	call.Result = result
	emit(call, nil)
	o.countExecution(call.Server, "completed")
	observability.End(span, nil)
}

// awaitApproval suspends the call on a human decision. Returns ok=false when
// the stream was cancelled while waiting.
func (o *Orchestrator) awaitApproval(ctx context.Context, conversationID string, call *models.ToolCall, emit EmitFunc) (approval.Outcome, bool) {
	req := o.approvals.Create(approval.CreateParams{
		ConversationID: conversationID,
		ToolCallID:     call.ID,
		ToolName:       call.Name,
		Server:         call.Server,
		Arguments:      call.Arguments,
	})

	call.Status = models.ToolCallAwaitingApproval
	emit(*call, &models.ApprovalPrompt{
		RequestID:  req.ID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Server:     call.Server,
		Arguments:  call.Arguments,
	})

	outcome, err := o.approvals.Wait(ctx, req.ID, o.config.ApprovalWait)
	if err != nil {
		// Stream cancelled while suspended; the engine handles teardown.
		call.Status = models.ToolCallFailed
		call.Error = "aborted"
		emit(*call, nil)
		return approval.Outcome{}, false
	}
	return outcome, true
}

// rememberChoice upserts the policy when the user asked to remember the
// decision. Timeouts are never remembered.
func (o *Orchestrator) rememberChoice(ctx context.Context, call models.ToolCall, outcome approval.Outcome) {
	if !outcome.Remember {
		return
	}

	var d policy.Decision
	switch outcome.Resolution {
	case approval.ResolutionApproved:
		d = policy.DecisionAllow
	case approval.ResolutionDenied:
		d = policy.DecisionDeny
	default:
		return
	}

	if err := o.policies.Set(ctx, call.Server, call.Name, d); err != nil {
		o.logger.Warn(ctx, "failed to remember policy choice", "error", err.Error())
	}
}

// invoke acquires a session and runs the tool under the execution timeout.
func (o *Orchestrator) invoke(ctx context.Context, call *models.ToolCall) (string, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, o.config.AcquireTimeout)
	client, err := o.registry.Acquire(acquireCtx, call.Server)
	cancel()
	if err != nil {
		return "", fmt.Errorf("tool server unavailable: %w", err)
	}

	if err := o.validateArguments(client, call); err != nil {
		return "", err
	}

	execCtx, cancel := context.WithTimeout(ctx, o.config.ExecuteTimeout)
	defer cancel()

	start := time.Now()
	result, err := client.CallTool(execCtx, call.Name, call.Arguments)
	o.observeDuration(call.Server, time.Since(start))
	if err != nil {
		// Transport-level failure: evict so the next call reconnects.
		o.registry.Evict(call.Server)
		return "", fmt.Errorf("tool execution failed: %w", err)
	}

	if result.IsError {
		return "", fmt.Errorf("tool reported error: %s", result.Text())
	}
	return result.Text(), nil
}

// validateArguments checks the parsed arguments against the tool's declared
// input schema, when the server advertises one.
func (o *Orchestrator) validateArguments(client *toolserver.Client, call *models.ToolCall) error {
	tool := client.Tool(call.Name)
	if tool == nil || len(tool.InputSchema) == 0 {
		return nil
	}

	schema, err := jsonschema.CompileString(call.Name+".schema.json", string(tool.InputSchema))
	if err != nil {
		// A broken server-side schema must not block the call.
		return nil
	}

	var args any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("arguments rejected by tool schema: %w", err)
	}
	return nil
}

func (o *Orchestrator) startSpan(ctx context.Context, call models.ToolCall) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, observability.NoopSpan()
	}
	return o.tracer.Start(ctx, "tool.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.server", call.Server),
	)
}

func (o *Orchestrator) countExecution(server, status string) {
	if o.metrics != nil {
		o.metrics.ToolExecutions.WithLabelValues(server, status).Inc()
	}
}

func (o *Orchestrator) observeDuration(server string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ToolExecutionDuration.WithLabelValues(server).Observe(d.Seconds())
	}
}
