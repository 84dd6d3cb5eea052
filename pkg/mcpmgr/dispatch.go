package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ToolInvocation is one function call requested by the model.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// ServerID is filled in once the name has been resolved.
	ServerID string `json:"serverId,omitempty"`
	// CallID echoes the model's function call id, if it supplied one.
	CallID string `json:"callId,omitempty"`
}

// NormalizedResult is a tool result flattened to text for the model.
type NormalizedResult struct {
	ServerID   string        `json:"serverId"`
	ServerName string        `json:"serverName,omitempty"`
	Tool       string        `json:"tool"`
	Text       string        `json:"text"`
	Content    []ContentItem `json:"content,omitempty"`
	IsError    bool          `json:"isError,omitempty"`
}

// Outcome is the result of one invocation in a batch. Exactly one of Result
// and Err describes how it went; Text is always suitable to show the model.
type Outcome struct {
	Invocation ToolInvocation
	Result     *NormalizedResult
	Err        error
	Text       string
}

// Bridge routes tool invocations to the connected server whose cached
// catalog lists the tool.
type Bridge struct {
	registry    *Registry
	cache       *Cache
	logger      *slog.Logger
	callTimeout time.Duration
	policy      ConflictPolicy
}

// NewBridge creates a Bridge.
func NewBridge(registry *Registry, cache *Cache, opts *ManagerOptions) *Bridge {
	o := opts.normalized()
	return &Bridge{registry: registry, cache: cache, logger: o.Logger, callTimeout: o.CallTimeout, policy: o.ConflictPolicy}
}

// Resolve returns the id of the server that will handle name. Servers are
// scanned in registration order.
func (b *Bridge) Resolve(name string) (string, error) {
	var matches []string
	for _, id := range b.registry.ConnectedIDs() {
		if b.cache.HasTool(id, name) {
			matches = append(matches, id)
		}
	}
	switch {
	case len(matches) == 0:
		return "", &Error{Kind: ErrToolNotFound, Capability: name}
	case len(matches) > 1 && b.policy == ConflictReject:
		return "", &Error{Kind: ErrToolConflict, Capability: name, Err: fmt.Errorf("servers %s", strings.Join(matches, ", "))}
	case len(matches) > 1:
		b.logger.Warn("tool exposed by multiple servers, using first", "tool", name, "servers", matches, "server", matches[0])
	}
	return matches[0], nil
}

// Invoke resolves and calls one tool. A result the server flagged as an
// error is returned with IsError set and a nil error.
func (b *Bridge) Invoke(ctx context.Context, name string, args map[string]any) (*NormalizedResult, error) {
	id, err := b.Resolve(name)
	if err != nil {
		return nil, err
	}
	lease, err := b.registry.Lease(id)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := lease.Bind(ctx, b.callTimeout)
	defer cancel()
	res, err := lease.transport.CallTool(callCtx, name, args)
	if err != nil {
		return nil, lease.Err(ErrToolCallFailed, name, err)
	}
	return &NormalizedResult{
		ServerID:   id,
		ServerName: lease.Descriptor.Name,
		Tool:       name,
		Text:       NormalizeText(res),
		Content:    res.Content,
		IsError:    res.IsError,
	}, nil
}

// InvokeAll runs a batch concurrently. Outcomes are returned in input order;
// each call has its own timeout and a failing call never affects the others.
func (b *Bridge) InvokeAll(ctx context.Context, calls []ToolInvocation) []Outcome {
	outcomes := make([]Outcome, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = b.invokeOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (b *Bridge) invokeOne(ctx context.Context, call ToolInvocation) (out Outcome) {
	out.Invocation = call
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("tool call panicked", "tool", call.Name, "panic", p)
			out.Result = nil
			out.Err = &Error{Kind: ErrToolCallFailed, ServerID: out.Invocation.ServerID, Capability: call.Name, Err: fmt.Errorf("panic: %v", p)}
			out.Text = out.Err.Error()
		}
	}()

	res, err := b.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		out.Err = err
		out.Text = err.Error()
		var e *Error
		if errors.As(err, &e) {
			out.Invocation.ServerID = e.ServerID
		}
		b.logger.Warn("tool call failed", "tool", call.Name, "server", out.Invocation.ServerID, "error", err)
		return out
	}
	out.Invocation.ServerID = res.ServerID
	if res.IsError {
		out.Err = &Error{Kind: ErrToolCallFailed, ServerID: res.ServerID, ServerName: res.ServerName, Capability: call.Name, Err: errors.New(toolErrorText(res.Text))}
		out.Text = out.Err.Error()
		return out
	}
	out.Result = res
	out.Text = res.Text
	return out
}

func toolErrorText(text string) string {
	if strings.TrimSpace(text) == "" {
		return "server reported an error"
	}
	return text
}

// NormalizeText flattens a tool result to one string. Text items are
// concatenated verbatim. Other items are rendered as JSON. Structured content
// is used when there is no content at all.
func NormalizeText(res *CallResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	for _, item := range res.Content {
		if item.Type == "text" {
			b.WriteString(item.Text)
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		b.Write(raw)
	}
	if b.Len() == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			return string(raw)
		}
	}
	return b.String()
}
