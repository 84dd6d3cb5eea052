package mcpmgr

import (
	"encoding/json"
	"slices"
	"time"
)

// CatalogKind names one of the three capability catalogs.
type CatalogKind string

const (
	CatalogTools     CatalogKind = "tools"
	CatalogPrompts   CatalogKind = "prompts"
	CatalogResources CatalogKind = "resources"
)

// Tool describes one tool advertised by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PromptArgument describes a templated prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt describes one prompt template advertised by a server.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Resource describes one resource advertised by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// Catalog is the last successfully fetched capability lists of one server.
type Catalog struct {
	Tools       []Tool     `json:"tools"`
	Prompts     []Prompt   `json:"prompts"`
	Resources   []Resource `json:"resources"`
	RefreshedAt time.Time  `json:"refreshedAt"`
}

func (c Catalog) clone() Catalog {
	out := Catalog{RefreshedAt: c.RefreshedAt}
	out.Tools = cloneTools(c.Tools)
	out.Prompts = make([]Prompt, len(c.Prompts))
	for i, p := range c.Prompts {
		p.Arguments = slices.Clone(p.Arguments)
		out.Prompts[i] = p
	}
	out.Resources = append([]Resource{}, c.Resources...)
	return out
}

func cloneTools(tools []Tool) []Tool {
	out := make([]Tool, len(tools))
	for i, t := range tools {
		t.InputSchema = slices.Clone(t.InputSchema)
		out[i] = t
	}
	return out
}

// ContentItem is one element of a tool result or prompt message. Data holds
// decoded binary payloads and is base64 encoded on the wire.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
}

// CallResult is the raw result of a tools/call request.
type CallResult struct {
	Content           []ContentItem `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

// PromptMessage is one message of an expanded prompt.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content ContentItem `json:"content"`
}

// PromptResult is the result of a prompts/get request.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ResourceContent is one element of a resources/read result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// ResourceResult is the result of a resources/read request.
type ResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}
