package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/orchestrator"
)

type AnswerRequest struct {
	Conversation []Turn                  `json:"conversation"`
	Model        string                  `json:"model,omitempty"`
	Trace        bool                    `json:"trace,omitempty"`
	ContextTools []domain.ToolInvocation `json:"context_tools,omitempty"`
}

type Turn struct {
	Role         string                  `json:"role"`
	Content      Content                 `json:"content"`
	ContextTools []domain.ToolInvocation `json:"context_tools,omitempty"`
}

// Content is either plain text or a list of parts.
type Content struct {
	Text  string
	Parts []Part
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	if data[0] == '[' {
		return json.Unmarshal(data, &c.Parts)
	}
	return fmt.Errorf("content must be a string or an array of parts")
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

type Part struct {
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL ImageURL `json:"image_url,omitempty"`
	Name     string   `json:"name,omitempty"`
	// Data is the base64 document body, extracted server side.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ImageURL accepts both "image_url": "..." and "image_url": {"url": "..."}.
type ImageURL string

func (u *ImageURL) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*u = ImageURL(s)
		return nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("image_url must be a string or {\"url\": ...}")
	}
	*u = ImageURL(obj.URL)
	return nil
}

func (r *AnswerRequest) Validate() error {
	if len(r.Conversation) == 0 {
		return fmt.Errorf("conversation is required: %w", domain.ErrInvalidRequest)
	}
	for i, t := range r.Conversation {
		if t.Role != domain.RoleUser && t.Role != domain.RoleAssistant {
			return fmt.Errorf("conversation[%d]: role must be user or assistant: %w", i, domain.ErrInvalidRequest)
		}
		if err := t.Content.validate(); err != nil {
			return fmt.Errorf("conversation[%d]: %v: %w", i, err, domain.ErrInvalidRequest)
		}
	}
	return nil
}

func (c Content) validate() error {
	if c.Parts == nil {
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("content is empty")
		}
		return nil
	}
	if len(c.Parts) == 0 {
		return fmt.Errorf("content is empty")
	}
	for j, p := range c.Parts {
		switch p.Type {
		case domain.PartText:
			if strings.TrimSpace(p.Text) == "" {
				return fmt.Errorf("part %d: text is empty", j)
			}
		case domain.PartImageURL:
			if p.ImageURL == "" {
				return fmt.Errorf("part %d: image_url is empty", j)
			}
		case domain.PartDocument:
			if p.Text == "" && p.Data == "" {
				return fmt.Errorf("part %d: document needs text or data", j)
			}
			if p.Data != "" && p.MimeType == "" {
				return fmt.Errorf("part %d: document data needs a mime_type", j)
			}
		default:
			return fmt.Errorf("part %d: unsupported type %q", j, p.Type)
		}
	}
	return nil
}

// Extractor turns an uploaded document into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
}

// TextExtractor handles text/* documents and rejects everything else.
type TextExtractor struct{}

func (TextExtractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("mime type %q: %w", mimeType, err)
	}
	if !strings.HasPrefix(mt, "text/") {
		return "", fmt.Errorf("documents of type %s are not supported", mt)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("document is not valid utf-8")
	}
	return string(data), nil
}

// buildMessages lays out the transcript: system prompt, top-level context
// note, then every turn followed by its own context note.
func buildMessages(ctx context.Context, req *AnswerRequest, systemPrompt string, ex Extractor) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(req.Conversation)+2)
	if systemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: systemPrompt})
	}
	if note, ok := orchestrator.ContextNote(req.ContextTools); ok {
		msgs = append(msgs, note)
	}

	for i, t := range req.Conversation {
		msg := domain.Message{Role: t.Role}
		if t.Content.Parts == nil {
			msg.Content = t.Content.Text
		} else {
			parts, err := convertParts(ctx, t.Content.Parts, ex)
			if err != nil {
				return nil, fmt.Errorf("conversation[%d]: %v: %w", i, err, domain.ErrInvalidRequest)
			}
			msg.Parts = parts
		}
		msgs = append(msgs, msg)

		if note, ok := orchestrator.ContextNote(t.ContextTools); ok {
			msgs = append(msgs, note)
		}
	}
	return msgs, nil
}

func convertParts(ctx context.Context, parts []Part, ex Extractor) ([]domain.ContentPart, error) {
	out := make([]domain.ContentPart, 0, len(parts))
	for j, p := range parts {
		switch p.Type {
		case domain.PartText:
			out = append(out, domain.ContentPart{Type: domain.PartText, Text: p.Text})
		case domain.PartImageURL:
			out = append(out, domain.ContentPart{Type: domain.PartImageURL, ImageURL: string(p.ImageURL)})
		case domain.PartDocument:
			text := p.Text
			if text == "" {
				raw, err := base64.StdEncoding.DecodeString(p.Data)
				if err != nil {
					return nil, fmt.Errorf("part %d: invalid base64 data", j)
				}
				text, err = ex.Extract(ctx, raw, p.MimeType)
				if err != nil {
					return nil, fmt.Errorf("part %d: %v", j, err)
				}
			}
			out = append(out, domain.ContentPart{Type: domain.PartDocument, Text: text, DocumentName: p.Name})
		}
	}
	return out, nil
}
