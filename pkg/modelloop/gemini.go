package modelloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// contentGenerator is the slice of the genai client that GeminiBackend uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiBackend generates responses with the Gemini API.
type GeminiBackend struct {
	models contentGenerator
}

// GeminiConfig configures NewGeminiBackend.
type GeminiConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint, mainly for proxies.
	BaseURL    string
	HTTPClient *http.Client
}

// NewGeminiBackend creates a Gemini API client.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("modelloop: gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("modelloop: create gemini client: %w", err)
	}
	return &GeminiBackend{models: client.Models}, nil
}

// Generate implements Backend.
func (g *GeminiBackend) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	contents, err := toGeminiContents(req.History)
	if err != nil {
		return nil, err
	}
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if len(req.Functions) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiDeclarations(req.Functions)}}
	}
	resp, err := g.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}
	return fromGeminiResponse(model, resp), nil
}

func toGeminiContents(history []Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(history))
	for i, m := range history {
		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, genai.NewPartFromText(m.Text))
		}
		for _, fc := range m.FunctionCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}})
		}
		for _, fr := range m.FunctionResponses {
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: fr.ID, Name: fr.Name, Response: fr.Response}})
		}
		if len(parts) == 0 {
			continue
		}
		var role genai.Role
		switch m.Role {
		case RoleUser, "":
			role = genai.RoleUser
		case RoleModel:
			role = genai.RoleModel
		default:
			return nil, fmt.Errorf("modelloop: history entry %d has unknown role %q", i, m.Role)
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out, nil
}

func toGeminiDeclarations(fns []FunctionDeclaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(fns))
	for _, fn := range fns {
		decl := &genai.FunctionDeclaration{Name: fn.Name, Description: fn.Description}
		if len(fn.Parameters) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(fn.Parameters, &schema); err == nil {
				decl.ParametersJsonSchema = schema
			}
		}
		out = append(out, decl)
	}
	return out
}

func fromGeminiResponse(model string, resp *genai.GenerateContentResponse) *Response {
	out := &Response{Model: model}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil || part.Thought:
		case part.FunctionCall != nil:
			out.FunctionCalls = append(out.FunctionCalls, FunctionCall{ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Args: part.FunctionCall.Args})
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}
	out.Text = text.String()
	return out
}
