// Package chat runs conversation turns: it advertises the tools of every
// connected MCP server to the model, executes the function calls the model
// asks for, and feeds the results back until the model answers in text.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-chat-bridge/pkg/modelloop"
)

// Runner runs one model turn. *modelloop.Loop implements it.
type Runner interface {
	Run(ctx context.Context, req modelloop.Request) (*modelloop.Result, error)
}

// ToolSource lists the tools that may be advertised. *mcpmgr.Cache
// implements it.
type ToolSource interface {
	ConnectedTools() []mcpmgr.ServerTool
}

// Dispatcher executes a batch of tool calls. *mcpmgr.Bridge implements it.
type Dispatcher interface {
	InvokeAll(ctx context.Context, calls []mcpmgr.ToolInvocation) []mcpmgr.Outcome
}

// DefaultMaxToolRounds bounds how many times one turn goes back to the model
// with tool results.
const DefaultMaxToolRounds = 5

// Options configure a Session.
type Options struct {
	SystemInstruction string
	MaxToolRounds     int
	Logger            *slog.Logger
	Now               func() time.Time
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.MaxToolRounds <= 0 {
		out.MaxToolRounds = DefaultMaxToolRounds
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Reply is the outcome of one Send.
type Reply struct {
	Text  string
	Model string
	// Rounds counts how many batches of tool calls were executed.
	Rounds       int
	ToolOutcomes []mcpmgr.Outcome
	// ToolRoundsExhausted is set when the model still wanted tools after the
	// last allowed round; Text then holds whatever text it produced.
	ToolRoundsExhausted bool
}

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("chat: message is empty")

// Session is one conversation. Turns on a session are serialized.
type Session struct {
	ID        string
	CreatedAt time.Time

	runner     Runner
	tools      ToolSource
	dispatcher Dispatcher
	opts       Options

	mu        sync.Mutex
	history   []modelloop.Message
	updatedAt time.Time
}

// NewSession creates an empty conversation. tools and dispatcher may be nil,
// in which case no functions are advertised.
func NewSession(runner Runner, tools ToolSource, dispatcher Dispatcher, opts *Options) *Session {
	o := opts.withDefaults()
	now := o.Now()
	return &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		runner:     runner,
		tools:      tools,
		dispatcher: dispatcher,
		opts:       o,
		updatedAt:  now,
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []modelloop.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]modelloop.Message(nil), s.history...)
}

// UpdatedAt reports when the conversation last changed.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Reset clears the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	s.history = nil
	s.updatedAt = s.opts.Now()
	s.mu.Unlock()
}

// Send runs one turn. When the model fails, the user message is kept in the
// history and the partial turn is discarded.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user := modelloop.Message{Role: modelloop.RoleUser, Text: text}
	base := append(append([]modelloop.Message(nil), s.history...), user)
	working := append([]modelloop.Message(nil), base...)
	decls := s.declarations()
	reply := &Reply{}

	for {
		res, err := s.runner.Run(ctx, modelloop.Request{
			SystemInstruction: s.opts.SystemInstruction,
			History:           working,
			Functions:         decls,
		})
		if err != nil {
			s.commit(base)
			return nil, err
		}
		reply.Model = res.Model
		reply.Text = res.Text

		if len(res.FunctionCalls) == 0 || s.dispatcher == nil {
			working = append(working, modelloop.Message{Role: modelloop.RoleModel, Text: res.Text})
			s.commit(working)
			return reply, nil
		}
		if reply.Rounds >= s.opts.MaxToolRounds {
			s.opts.Logger.Warn("tool round limit reached", "session", s.ID, "rounds", reply.Rounds, "pending", len(res.FunctionCalls))
			reply.ToolRoundsExhausted = true
			if res.Text != "" {
				working = append(working, modelloop.Message{Role: modelloop.RoleModel, Text: res.Text})
			}
			s.commit(working)
			return reply, nil
		}

		working = append(working, res.Message())
		outcomes := s.dispatcher.InvokeAll(ctx, invocations(res.FunctionCalls))
		reply.Rounds++
		reply.ToolOutcomes = append(reply.ToolOutcomes, outcomes...)
		working = append(working, modelloop.Message{Role: modelloop.RoleUser, FunctionResponses: functionResponses(outcomes)})
	}
}

func (s *Session) commit(history []modelloop.Message) {
	s.history = history
	s.updatedAt = s.opts.Now()
}

// declarations advertises each connected tool once; when two servers expose
// the same name the first one wins, matching how calls are routed.
func (s *Session) declarations() []modelloop.FunctionDeclaration {
	if s.tools == nil || s.dispatcher == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []modelloop.FunctionDeclaration
	for _, st := range s.tools.ConnectedTools() {
		if seen[st.Tool.Name] {
			continue
		}
		seen[st.Tool.Name] = true
		out = append(out, modelloop.FunctionDeclaration{
			Name:        st.Tool.Name,
			Description: st.Tool.Description,
			Parameters:  st.Tool.InputSchema,
		})
	}
	return out
}

func invocations(calls []modelloop.FunctionCall) []mcpmgr.ToolInvocation {
	out := make([]mcpmgr.ToolInvocation, len(calls))
	for i, c := range calls {
		out[i] = mcpmgr.ToolInvocation{Name: c.Name, Arguments: c.Args, CallID: c.ID}
	}
	return out
}

func functionResponses(outcomes []mcpmgr.Outcome) []modelloop.FunctionResponse {
	out := make([]modelloop.FunctionResponse, len(outcomes))
	for i, o := range outcomes {
		resp := map[string]any{"output": o.Text}
		if o.Err != nil {
			resp = map[string]any{"error": o.Text}
		}
		out[i] = modelloop.FunctionResponse{ID: o.Invocation.CallID, Name: o.Invocation.Name, Response: resp}
	}
	return out
}
