// Package llm is the gateway's single way of talking to a chat model. Providers
// translate Request/Response to their wire format; Caller adds the parameter
// fallbacks that let one request shape work across model generations.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

type Request struct {
	// Model is the upstream model identifier.
	Model       string
	Messages    []domain.Message
	Tools       []domain.ToolDescriptor
	Temperature *float64
	MaxTokens   int
	// UseMaxCompletionTokens sends MaxTokens as max_completion_tokens, which
	// newer OpenAI models require.
	UseMaxCompletionTokens bool
	ReasoningEffort        string
}

type Response struct {
	Message domain.Message
	Usage   domain.Usage
	// UsageReported is false when the provider returned no token counts.
	UsageReported bool
	FinishReason  string
}

type Provider interface {
	ID() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

type ErrorKind string

const (
	KindUnknown                ErrorKind = "unknown"
	KindToolsUnsupported       ErrorKind = "tools_unsupported"
	KindMaxTokensUnsupported   ErrorKind = "max_tokens_unsupported"
	KindTemperatureUnsupported ErrorKind = "temperature_unsupported"
	KindInvalidRequest         ErrorKind = "invalid_request"
	KindAuth                   ErrorKind = "auth"
	KindRateLimited            ErrorKind = "rate_limited"
	KindUnavailable            ErrorKind = "unavailable"
)

// ProviderError is what every provider returns for an upstream failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return domain.ErrProviderError
}

// Classify maps an upstream status and message to an ErrorKind. param is the
// offending parameter when the provider reports one.
func Classify(status int, message, param string) ErrorKind {
	msg := strings.ToLower(message)
	param = strings.ToLower(param)

	unsupported := strings.Contains(msg, "unsupported") || strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "does not support")

	switch {
	case unsupported && (param == "max_tokens" || strings.Contains(msg, "max_tokens")):
		return KindMaxTokensUnsupported
	case unsupported && (param == "temperature" || strings.Contains(msg, "temperature")):
		return KindTemperatureUnsupported
	case unsupported && (param == "tools" || strings.Contains(msg, "tool") || strings.Contains(msg, "function")):
		return KindToolsUnsupported
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindInvalidRequest
	}
	return KindUnknown
}

// IsReasoningModel reports models that reject temperature and accept
// reasoning_effort.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}
