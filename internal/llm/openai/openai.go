// Package openai serves every provider that speaks the Chat Completions wire
// format. Ollama is registered through the same type with its own base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/httputil"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	openai "github.com/sashabaranov/go-openai"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	id     string
	client *openai.Client
}

func New(id, apiKey, baseURL string, client *http.Client) *Provider {
	if id == "" {
		id = "openai"
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = httputil.DefaultClient()
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = client

	return &Provider{id: id, client: openai.NewClientWithConfig(cfg)}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, buildRequest(req))
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProviderError{Provider: p.id, Kind: llm.KindUnknown, Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	return &llm.Response{
		Message: fromOpenAI(choice.Message),
		Usage: domain.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		UsageReported: resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0,
		FinishReason:  string(choice.FinishReason),
	}, nil
}

func buildRequest(req llm.Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:           req.Model,
		Messages:        make([]openai.ChatCompletionMessage, 0, len(req.Messages)),
		ReasoningEffort: req.ReasoningEffort,
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toOpenAI(m))
	}

	if req.MaxTokens > 0 {
		if req.UseMaxCompletionTokens {
			out.MaxCompletionTokens = req.MaxTokens
		} else {
			out.MaxTokens = req.MaxTokens
		}
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		out.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any = t.Parameters
			if len(t.Parameters) == 0 {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			out.Tools = append(out.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		out.ToolChoice = "auto"
	}

	return out
}

func toOpenAI(m domain.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
	}
	if m.Role == domain.RoleTool {
		msg.Name = m.Name
	}

	if hasImage(m) {
		if m.Content != "" {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Content,
			})
		}
		for _, part := range m.Parts {
			msg.MultiContent = append(msg.MultiContent, toPart(part))
		}
	} else {
		msg.Content = flattenText(m)
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

func hasImage(m domain.Message) bool {
	for _, part := range m.Parts {
		if part.Type == domain.PartImageURL {
			return true
		}
	}
	return false
}

func toPart(part domain.ContentPart) openai.ChatMessagePart {
	switch part.Type {
	case domain.PartImageURL:
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    part.ImageURL,
				Detail: openai.ImageURLDetailAuto,
			},
		}
	case domain.PartDocument:
		return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: documentText(part)}
	default:
		return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text}
	}
}

func flattenText(m domain.Message) string {
	text := m.Content
	for _, part := range m.Parts {
		chunk := part.Text
		if part.Type == domain.PartDocument {
			chunk = documentText(part)
		}
		if chunk == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += chunk
	}
	return text
}

func documentText(part domain.ContentPart) string {
	if part.DocumentName == "" {
		return part.Text
	}
	return fmt.Sprintf("[%s]\n%s", part.DocumentName, part.Text)
}

func fromOpenAI(m openai.ChatCompletionMessage) domain.Message {
	msg := domain.Message{Role: domain.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return msg
}

func (p *Provider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		param := ""
		if apiErr.Param != nil {
			param = *apiErr.Param
		}
		return &llm.ProviderError{
			Provider:   p.id,
			Kind:       llm.Classify(apiErr.HTTPStatusCode, apiErr.Message, param),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &llm.ProviderError{
			Provider:   p.id,
			Kind:       llm.Classify(reqErr.HTTPStatusCode, msg, ""),
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
		}
	}

	return &llm.ProviderError{Provider: p.id, Kind: llm.KindUnavailable, Message: err.Error()}
}
