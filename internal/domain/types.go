package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Tenant struct {
	ID           string
	Name         string
	APIKeyHash   string
	Balance      decimal.Decimal
	ToolsEnabled bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Model is a priced, routable LLM. Name is what callers ask for; ProviderModel
// is the identifier sent upstream and defaults to Name.
type Model struct {
	ID                    string
	Name                  string
	Provider              string
	ProviderModel         string
	InputPricePerMillion  decimal.Decimal
	OutputPricePerMillion decimal.Decimal
	Active                bool
}

func (m *Model) UpstreamName() string {
	if m.ProviderModel != "" {
		return m.ProviderModel
	}
	return m.Name
}

type Settings struct {
	TenantID        string
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
	DefaultModel    string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartDocument = "document"
)

type ContentPart struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
}

type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// Text flattens the message into plain text. Image parts are skipped.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	if m.Content != "" {
		b.WriteString(m.Content)
	}
	for _, p := range m.Parts {
		if p.Type == PartImageURL || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolInvocation is the caller-visible record of one executed tool call.
type ToolInvocation struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Result json.RawMessage `json:"result"`
}

type Usage struct {
	InputTokens  int `json:"tokens_in"`
	OutputTokens int `json:"tokens_out"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

type UsageLog struct {
	ID        string
	TenantID  string
	ModelID   string
	TokensIn  int
	TokensOut int
	Cost      decimal.Decimal
	CreatedAt time.Time
}
