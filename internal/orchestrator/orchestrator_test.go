package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/policy"
	"github.com/haasonsaas/relay/internal/toolserver"
	"github.com/haasonsaas/relay/pkg/models"
)

// fixture bundles the collaborators around a fake tool server.
type fixture struct {
	orch      *Orchestrator
	policies  *policy.Memory
	approvals *approval.Coordinator
	registry  *toolserver.Registry
	calls     *atomic.Int64
}

// newFixture starts a JSON-RPC tool server exposing one "search" tool with
// an input schema requiring a string "q".
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req toolserver.JSONRPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ID == nil {
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			result = toolserver.InitializeResult{ProtocolVersion: "2024-11-05"}
		case "tools/list":
			result = toolserver.ListToolsResult{Tools: []*toolserver.Tool{{
				Name:        "search",
				InputSchema: json.RawMessage(`{"type":"object","required":["q"],"properties":{"q":{"type":"string"}}}`),
			}}}
		case "tools/call":
			calls.Add(1)
			var params toolserver.CallToolParams
			json.Unmarshal(req.Params, &params)
			if strings.Contains(string(params.Arguments), "boom") {
				result = toolserver.CallResult{IsError: true, Content: []toolserver.ResultContent{{Type: "text", Text: "tool exploded"}}}
			} else {
				result = toolserver.CallResult{Content: []toolserver.ResultContent{{Type: "text", Text: "results for " + string(params.Arguments)}}}
			}
		}

		resultJSON, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(toolserver.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON})
	}))
	t.Cleanup(srv.Close)

	policies := policy.NewMemory()
	approvals := approval.NewCoordinator(approval.Config{GracePeriod: time.Hour, SweepInterval: time.Hour}, nil, nil)
	t.Cleanup(approvals.Close)

	registry := toolserver.NewRegistry([]*toolserver.ServerConfig{
		{ID: "web", Transport: toolserver.TransportHTTP, URL: srv.URL},
	}, toolserver.RegistryConfig{IdleTimeout: time.Hour, SweepInterval: time.Hour}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Close(ctx)
	})

	return &fixture{
		orch:      New(policies, approvals, registry, nil, nil, nil, cfg),
		policies:  policies,
		approvals: approvals,
		registry:  registry,
		calls:     &calls,
	}
}

func newCall() models.ToolCall {
	return models.ToolCall{
		ID:        "call_1",
		Name:      "search",
		Server:    "web",
		Status:    models.ToolCallArgsComplete,
		Arguments: json.RawMessage(`{"q":"go"}`),
	}
}

// run executes the call and returns every emitted snapshot plus the prompt,
// if any.
func run(t *testing.T, f *fixture, call models.ToolCall, decide func(prompt *models.ApprovalPrompt)) ([]models.ToolCall, *models.ApprovalPrompt) {
	t.Helper()

	var snapshots []models.ToolCall
	var prompt *models.ApprovalPrompt
	f.orch.Execute(context.Background(), "conv-1", call, func(c models.ToolCall, p *models.ApprovalPrompt) {
		snapshots = append(snapshots, c)
		if p != nil {
			prompt = p
			if decide != nil {
				go decide(p)
			}
		}
	})
	return snapshots, prompt
}

func last(t *testing.T, snapshots []models.ToolCall) models.ToolCall {
	t.Helper()
	if len(snapshots) == 0 {
		t.Fatal("no snapshots emitted")
	}
	return snapshots[len(snapshots)-1]
}

func TestExecuteAutoApproved(t *testing.T) {
	f := newFixture(t, Config{})
	f.policies.Set(context.Background(), "web", "search", policy.DecisionAllow)

	snapshots, prompt := run(t, f, newCall(), nil)
	if prompt != nil {
		t.Error("auto-approved call emitted an approval prompt")
	}

	final := last(t, snapshots)
	if final.Status != models.ToolCallCompleted {
		t.Fatalf("final status = %s (%s), want completed", final.Status, final.Error)
	}
	if !strings.Contains(final.Result, "results for") {
		t.Errorf("result = %q", final.Result)
	}
	if f.calls.Load() != 1 {
		t.Errorf("tool invoked %d times, want 1", f.calls.Load())
	}
}

func TestExecuteDeniedByPolicy(t *testing.T) {
	f := newFixture(t, Config{})
	f.policies.Set(context.Background(), "web", "search", policy.DecisionDeny)

	snapshots, _ := run(t, f, newCall(), nil)
	final := last(t, snapshots)
	if final.Status != models.ToolCallFailed || final.Error != "denied by policy" {
		t.Errorf("final = %s/%q, want failed/denied by policy", final.Status, final.Error)
	}
	if f.calls.Load() != 0 {
		t.Error("denied call reached the tool server")
	}
}

func TestExecuteApprovedByUser(t *testing.T) {
	f := newFixture(t, Config{ApprovalWait: 5 * time.Second})

	snapshots, prompt := run(t, f, newCall(), func(p *models.ApprovalPrompt) {
		f.approvals.Resolve(p.RequestID, true, false)
	})

	if prompt == nil {
		t.Fatal("no approval prompt emitted")
	}
	if prompt.ToolName != "search" || prompt.Server != "web" {
		t.Errorf("prompt = %+v", prompt)
	}

	final := last(t, snapshots)
	if final.Status != models.ToolCallCompleted {
		t.Fatalf("final status = %s (%s), want completed", final.Status, final.Error)
	}

	// awaiting_approval must appear before executing.
	var sawAwaiting bool
	for _, s := range snapshots {
		if s.Status == models.ToolCallAwaitingApproval {
			sawAwaiting = true
		}
		if s.Status == models.ToolCallExecuting && !sawAwaiting {
			t.Error("executing emitted before awaiting_approval")
		}
	}
}

func TestExecuteDeniedByUser(t *testing.T) {
	f := newFixture(t, Config{ApprovalWait: 5 * time.Second})

	snapshots, _ := run(t, f, newCall(), func(p *models.ApprovalPrompt) {
		f.approvals.Resolve(p.RequestID, false, false)
	})

	final := last(t, snapshots)
	if final.Status != models.ToolCallFailed || final.Error != "denied by user" {
		t.Errorf("final = %s/%q, want failed/denied by user", final.Status, final.Error)
	}
	if f.calls.Load() != 0 {
		t.Error("denied call reached the tool server")
	}
}

func TestExecuteApprovalTimeout(t *testing.T) {
	f := newFixture(t, Config{ApprovalWait: 30 * time.Millisecond})

	snapshots, _ := run(t, f, newCall(), nil)
	final := last(t, snapshots)
	if final.Status != models.ToolCallFailed || final.Error != "denied by timeout" {
		t.Errorf("final = %s/%q, want failed/denied by timeout", final.Status, final.Error)
	}
	if f.calls.Load() != 0 {
		t.Error("timed-out call reached the tool server")
	}
}

func TestExecuteRememberChoice(t *testing.T) {
	f := newFixture(t, Config{ApprovalWait: 5 * time.Second})

	run(t, f, newCall(), func(p *models.ApprovalPrompt) {
		f.approvals.Resolve(p.RequestID, true, true)
	})

	d, err := f.policies.Get(context.Background(), "web", "search")
	if err != nil {
		t.Fatal(err)
	}
	if d != policy.DecisionAllow {
		t.Errorf("remembered policy = %s, want allow", d)
	}

	// The next call skips the approval gate.
	snapshots, prompt := run(t, f, newCall(), nil)
	if prompt != nil {
		t.Error("remembered call still asked for approval")
	}
	if got := last(t, snapshots).Status; got != models.ToolCallCompleted {
		t.Errorf("remembered call status = %s, want completed", got)
	}
}

func TestExecuteToolReportedError(t *testing.T) {
	f := newFixture(t, Config{})
	f.policies.Set(context.Background(), "web", "search", policy.DecisionAllow)

	call := newCall()
	call.Arguments = json.RawMessage(`{"q":"boom"}`)

	snapshots, _ := run(t, f, call, nil)
	final := last(t, snapshots)
	if final.Status != models.ToolCallFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "tool exploded") {
		t.Errorf("error = %q, want server-reported text", final.Error)
	}
}

func TestExecuteSchemaViolation(t *testing.T) {
	f := newFixture(t, Config{})
	f.policies.Set(context.Background(), "web", "search", policy.DecisionAllow)

	call := newCall()
	call.Arguments = json.RawMessage(`{"wrong":"field"}`)

	snapshots, _ := run(t, f, call, nil)
	final := last(t, snapshots)
	if final.Status != models.ToolCallFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "schema") {
		t.Errorf("error = %q, want schema violation", final.Error)
	}
	if f.calls.Load() != 0 {
		t.Error("schema-rejected call reached the tool server")
	}
}

func TestExecuteServerUnavailable(t *testing.T) {
	f := newFixture(t, Config{AcquireTimeout: 200 * time.Millisecond})
	f.policies.Set(context.Background(), "web", "search", policy.DecisionAllow)

	call := newCall()
	call.Server = "missing"

	snapshots, _ := run(t, f, call, nil)
	final := last(t, snapshots)
	if final.Status != models.ToolCallFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "unavailable") {
		t.Errorf("error = %q, want unavailable detail", final.Error)
	}
}
