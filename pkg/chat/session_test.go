package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/modelloop"
)

type scriptedRunner struct {
	mu       sync.Mutex
	replies  []*modelloop.Response
	err      error
	requests []modelloop.Request
}

func (r *scriptedRunner) Run(_ context.Context, req modelloop.Request) (*modelloop.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.History = append([]modelloop.Message(nil), req.History...)
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.replies) == 0 {
		return &modelloop.Result{Response: &modelloop.Response{Model: "m", Text: "done"}, Attempts: 1}, nil
	}
	next := r.replies[0]
	r.replies = r.replies[1:]
	return &modelloop.Result{Response: next, Attempts: 1}, nil
}

type staticTools []mcpmgr.ServerTool

func (s staticTools) ConnectedTools() []mcpmgr.ServerTool { return s }

type echoDispatcher struct {
	mu      sync.Mutex
	batches [][]mcpmgr.ToolInvocation
}

func (d *echoDispatcher) InvokeAll(_ context.Context, calls []mcpmgr.ToolInvocation) []mcpmgr.Outcome {
	d.mu.Lock()
	d.batches = append(d.batches, calls)
	d.mu.Unlock()
	out := make([]mcpmgr.Outcome, len(calls))
	for i, c := range calls {
		out[i] = mcpmgr.Outcome{Invocation: c, Text: c.Name + " result"}
		if c.Name == "broken" {
			out[i].Err = errors.New("tool broken failed")
			out[i].Text = "tool broken failed"
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() *Options {
	return &Options{Logger: quietLogger(), SystemInstruction: "sys"}
}

func TestSendPlainAnswer(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{replies: []*modelloop.Response{{Model: "m1", Text: "hello!"}}}
	s := NewSession(runner, nil, nil, testOptions())

	reply, err := s.Send(context.Background(), "  hi  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "hello!" || reply.Model != "m1" || reply.Rounds != 0 {
		t.Fatalf("reply = %#v", reply)
	}
	h := s.History()
	if len(h) != 2 || h[0].Text != "hi" || h[1].Role != modelloop.RoleModel {
		t.Fatalf("history = %#v", h)
	}
	if runner.requests[0].SystemInstruction != "sys" || runner.requests[0].Functions != nil {
		t.Fatalf("request = %#v", runner.requests[0])
	}
	if _, err := s.Send(context.Background(), "   "); err == nil {
		t.Fatalf("empty message should fail")
	}
}

func TestSendRunsToolRounds(t *testing.T) {
	t.Parallel()

	tools := staticTools{
		{ServerID: "a", Tool: mcpmgr.Tool{Name: "search", Description: "search docs", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		{ServerID: "b", Tool: mcpmgr.Tool{Name: "search", Description: "shadowed"}},
		{ServerID: "b", Tool: mcpmgr.Tool{Name: "broken"}},
	}
	runner := &scriptedRunner{replies: []*modelloop.Response{
		{Model: "m", FunctionCalls: []modelloop.FunctionCall{
			{ID: "1", Name: "search", Args: map[string]any{"q": "go"}},
			{ID: "2", Name: "broken"},
		}},
		{Model: "m", Text: "Here is what I found."},
	}}
	d := &echoDispatcher{}
	s := NewSession(runner, tools, d, testOptions())

	reply, err := s.Send(context.Background(), "find go docs")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Text != "Here is what I found." || reply.Rounds != 1 || len(reply.ToolOutcomes) != 2 {
		t.Fatalf("reply = %#v", reply)
	}

	decls := runner.requests[0].Functions
	if len(decls) != 2 || decls[0].Name != "search" || decls[0].Description != "search docs" || decls[1].Name != "broken" {
		t.Fatalf("declarations = %#v", decls)
	}
	if len(d.batches) != 1 || d.batches[0][0].CallID != "1" || d.batches[0][0].Arguments["q"] != "go" {
		t.Fatalf("dispatched = %#v", d.batches)
	}

	second := runner.requests[1].History
	if len(second) != 3 {
		t.Fatalf("second request history = %#v", second)
	}
	responses := second[2].FunctionResponses
	if len(responses) != 2 || responses[0].Response["output"] != "search result" || responses[1].Response["error"] != "tool broken failed" {
		t.Fatalf("function responses = %#v", responses)
	}
	if responses[0].ID != "1" || responses[1].Name != "broken" {
		t.Fatalf("responses not matched to calls: %#v", responses)
	}
	if got := len(s.History()); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
}

func TestSendStopsAtToolRoundLimit(t *testing.T) {
	t.Parallel()

	call := []modelloop.FunctionCall{{Name: "search"}}
	runner := &scriptedRunner{replies: []*modelloop.Response{
		{FunctionCalls: call},
		{FunctionCalls: call},
		{Text: "still thinking", FunctionCalls: call},
	}}
	opts := testOptions()
	opts.MaxToolRounds = 2
	d := &echoDispatcher{}
	s := NewSession(runner, staticTools{{ServerID: "a", Tool: mcpmgr.Tool{Name: "search"}}}, d, opts)

	reply, err := s.Send(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !reply.ToolRoundsExhausted || reply.Rounds != 2 || reply.Text != "still thinking" {
		t.Fatalf("reply = %#v", reply)
	}
	if len(d.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(d.batches))
	}
	h := s.History()
	last := h[len(h)-1]
	if last.Role != modelloop.RoleModel || len(last.FunctionCalls) != 0 || last.Text != "still thinking" {
		t.Fatalf("history should not end with unanswered calls: %#v", last)
	}
}

func TestSendFailureKeepsUserMessage(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{err: &modelloop.LoopError{Kind: modelloop.ErrAllModelsOverloaded, Attempts: 3}}
	s := NewSession(runner, nil, nil, testOptions())
	_, err := s.Send(context.Background(), "hello?")
	if !errors.Is(err, modelloop.ErrAllModelsOverloaded) {
		t.Fatalf("err = %v", err)
	}
	h := s.History()
	if len(h) != 1 || h[0].Text != "hello?" {
		t.Fatalf("history = %#v", h)
	}
	s.Reset()
	if len(s.History()) != 0 {
		t.Fatalf("Reset left history")
	}
}

// memTransport is a minimal in-process MCP server for the manager.
type memTransport struct{}

func (memTransport) Handshake(context.Context) error { return nil }
func (memTransport) ListTools(context.Context) ([]mcpmgr.Tool, error) {
	return []mcpmgr.Tool{{Name: "upper", Description: "uppercase text", InputSchema: json.RawMessage(`{"type":"object"}`)}}, nil
}
func (memTransport) ListPrompts(context.Context) ([]mcpmgr.Prompt, error)     { return nil, nil }
func (memTransport) ListResources(context.Context) ([]mcpmgr.Resource, error) { return nil, nil }
func (memTransport) CallTool(_ context.Context, name string, args map[string]any) (*mcpmgr.CallResult, error) {
	text, _ := args["text"].(string)
	return &mcpmgr.CallResult{Content: []mcpmgr.ContentItem{{Type: "text", Text: strings.ToUpper(text)}}}, nil
}
func (memTransport) GetPrompt(context.Context, string, map[string]string) (*mcpmgr.PromptResult, error) {
	return &mcpmgr.PromptResult{}, nil
}
func (memTransport) ReadResource(context.Context, string) (*mcpmgr.ResourceResult, error) {
	return &mcpmgr.ResourceResult{}, nil
}
func (memTransport) Close() error { return nil }

func TestSendThroughManager(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := mcpmgr.NewManager(nil, &mcpmgr.ManagerOptions{
		Logger: quietLogger(),
		Factory: mcpmgr.TransportFactoryFunc(func(mcpmgr.ServerDescriptor) (mcpmgr.Transport, error) {
			return memTransport{}, nil
		}),
	})
	desc := mcpmgr.ServerDescriptor{ID: "text", Name: "Text tools", Transport: &mcpmgr.StreamingHTTPTransport{URL: "http://text.example/mcp"}}
	if err := m.Connect(ctx, desc); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.DisconnectAll(ctx)

	runner := &scriptedRunner{replies: []*modelloop.Response{
		{FunctionCalls: []modelloop.FunctionCall{{Name: "upper", Args: map[string]any{"text": "quiet"}}, {Name: "missing"}}},
		{Text: "QUIET"},
	}}
	s := NewSession(runner, m.Cache(), m.Bridge(), testOptions())
	reply, err := s.Send(ctx, "shout quiet")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(reply.ToolOutcomes) != 2 {
		t.Fatalf("outcomes = %#v", reply.ToolOutcomes)
	}
	if ok := reply.ToolOutcomes[0]; ok.Err != nil || ok.Text != "QUIET" || ok.Invocation.ServerID != "text" {
		t.Fatalf("upper outcome = %#v", ok)
	}
	if missing := reply.ToolOutcomes[1]; !errors.Is(missing.Err, mcpmgr.ErrToolNotFound) {
		t.Fatalf("missing outcome = %#v", missing)
	}
	if decls := runner.requests[0].Functions; len(decls) != 1 || decls[0].Name != "upper" {
		t.Fatalf("declarations = %#v", decls)
	}
}
