package modelloop

import (
	"context"
	"encoding/json"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// FunctionDeclaration advertises one callable function to the model.
// Parameters is a JSON Schema object.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionCall is a function invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a function's result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Message is one entry of the conversation history. A model message may carry
// text, function calls, or both; a user message may carry text or function
// responses.
type Message struct {
	Role              Role               `json:"role"`
	Text              string             `json:"text,omitempty"`
	FunctionCalls     []FunctionCall     `json:"functionCalls,omitempty"`
	FunctionResponses []FunctionResponse `json:"functionResponses,omitempty"`
}

// Request is the model-independent input of one turn.
type Request struct {
	SystemInstruction string
	History           []Message
	Functions         []FunctionDeclaration
}

// Response is what a model produced for a Request.
type Response struct {
	Model         string
	Text          string
	FunctionCalls []FunctionCall
}

// Message returns the response as a history entry.
func (r *Response) Message() Message {
	return Message{Role: RoleModel, Text: r.Text, FunctionCalls: r.FunctionCalls}
}

// Backend generates one response from one model.
type Backend interface {
	Generate(ctx context.Context, model string, req Request) (*Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, model string, req Request) (*Response, error)

func (f BackendFunc) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	return f(ctx, model, req)
}
