// Package claude converts between llm requests and the Anthropic Messages
// wire format, which both the Anthropic API and Bedrock accept.
package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
)

const DefaultMaxTokens = 4096

type Request struct {
	// Model is omitted for Bedrock, which takes it from the endpoint.
	Model            string    `json:"model,omitempty"`
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system,omitempty"`
	Messages         []Message `json:"messages"`
	Tools            []Tool    `json:"tools,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
}

type Message struct {
	Role    string  `json:"role"`
	Content []Block `json:"content"`
}

type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type ImageSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type Response struct {
	ID         string  `json:"id"`
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type ErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// BuildRequest converts req. Leading system messages become the system
// prompt; later ones are passed as user text since the format has no
// mid-conversation system role. Tool results are user tool_result blocks, and
// consecutive messages of the same role are merged.
func BuildRequest(req llm.Request) Request {
	out := Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}

	var system []string
	leading := true
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem && leading {
			system = append(system, m.Text())
			continue
		}
		leading = false

		role, blocks := convert(m)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, Message{Role: role, Content: blocks})
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func convert(m domain.Message) (string, []Block) {
	switch m.Role {
	case domain.RoleSystem:
		return domain.RoleUser, []Block{{Type: "text", Text: "[system] " + m.Text()}}

	case domain.RoleTool:
		content := m.Content
		if content == "" {
			content = "null"
		}
		return domain.RoleUser, []Block{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: content}}

	case domain.RoleAssistant:
		var blocks []Block
		if text := strings.TrimSpace(m.Text()); text != "" {
			blocks = append(blocks, Block{Type: "text", Text: text})
		}
		for _, tc := range m.ToolCalls {
			input := json.RawMessage(tc.Arguments)
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, Block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
		}
		return domain.RoleAssistant, blocks

	default:
		return domain.RoleUser, userBlocks(m)
	}
}

func userBlocks(m domain.Message) []Block {
	var blocks []Block
	if m.Content != "" {
		blocks = append(blocks, Block{Type: "text", Text: m.Content})
	}
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartImageURL:
			blocks = append(blocks, Block{Type: "image", Source: imageSource(p.ImageURL)})
		case domain.PartDocument:
			label := p.DocumentName
			if label == "" {
				label = "document"
			}
			blocks = append(blocks, Block{Type: "text", Text: fmt.Sprintf("[%s]\n%s", label, p.Text)})
		default:
			if p.Text != "" {
				blocks = append(blocks, Block{Type: "text", Text: p.Text})
			}
		}
	}
	return blocks
}

// imageSource accepts http(s) URLs and base64 data URLs.
func imageSource(url string) *ImageSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return &ImageSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return &ImageSource{Type: "url", URL: url}
}

func ParseResponse(body []byte) (*llm.Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	msg := domain.Message{Role: domain.RoleAssistant}
	var text []string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	msg.Content = strings.Join(text, "")

	return &llm.Response{
		Message:       msg,
		Usage:         domain.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
		UsageReported: resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0,
		FinishReason:  mapStopReason(resp.StopReason),
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
