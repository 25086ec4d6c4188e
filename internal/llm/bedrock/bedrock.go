package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/agent-gateway/internal/llm"
	"github.com/felipepmaragno/agent-gateway/internal/llm/claude"
)

const anthropicVersion = "bedrock-2023-05-31"

// invoker is the slice of *bedrockruntime.Client the provider needs.
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Provider struct {
	client invoker
}

func New(cfg aws.Config) *Provider {
	return &Provider{client: bedrockruntime.NewFromConfig(cfg)}
}

func newWithClient(client invoker) *Provider {
	return &Provider{client: client}
}

func (p *Provider) ID() string {
	return "bedrock"
}

var modelIDs = map[string]string{
	"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
	"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
}

// ModelID expands short aliases to Bedrock model ids. Anything else is
// passed through, so full ids and inference profiles work.
func ModelID(model string) string {
	if id, ok := modelIDs[model]; ok {
		return id
	}
	return model
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := claude.BuildRequest(req)
	body.Model = ""
	body.AnthropicVersion = anthropicVersion

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(ModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, p.convertError(err)
	}

	return claude.ParseResponse(out.Body)
}

func (p *Provider) convertError(err error) error {
	pe := &llm.ProviderError{Provider: p.ID(), Kind: llm.KindUnknown, Message: err.Error()}

	var validation *types.ValidationException
	var throttling *types.ThrottlingException
	var denied *types.AccessDeniedException
	var unavailable *types.ServiceUnavailableException
	var notReady *types.ModelNotReadyException
	var timeout *types.ModelTimeoutException

	switch {
	case errors.As(err, &validation):
		pe.StatusCode = 400
		pe.Message = validation.ErrorMessage()
		pe.Kind = llm.Classify(400, pe.Message, "")
	case errors.As(err, &throttling):
		pe.StatusCode = 429
		pe.Kind = llm.KindRateLimited
	case errors.As(err, &denied):
		pe.StatusCode = 403
		pe.Kind = llm.KindAuth
	case errors.As(err, &unavailable), errors.As(err, &notReady), errors.As(err, &timeout):
		pe.StatusCode = 503
		pe.Kind = llm.KindUnavailable
	}
	return pe
}
