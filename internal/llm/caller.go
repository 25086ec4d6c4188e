package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/metrics"
	"github.com/felipepmaragno/agent-gateway/internal/telemetry"
)

// Fallback adjusts req after a provider rejected it. It returns false when
// there is nothing left to adjust.
type Fallback func(req *Request) bool

func DefaultFallbacks() map[ErrorKind]Fallback {
	return map[ErrorKind]Fallback{
		KindToolsUnsupported: func(req *Request) bool {
			if len(req.Tools) == 0 {
				return false
			}
			req.Tools = nil
			return true
		},
		KindMaxTokensUnsupported: func(req *Request) bool {
			if req.UseMaxCompletionTokens {
				return false
			}
			req.UseMaxCompletionTokens = true
			return true
		},
		KindTemperatureUnsupported: func(req *Request) bool {
			if req.Temperature == nil {
				return false
			}
			req.Temperature = nil
			return true
		},
	}
}

// Completer is the engine-facing side of Caller.
type Completer interface {
	Complete(ctx context.Context, providerID string, req Request) (*Response, error)
}

type Caller struct {
	router    *Router
	fallbacks map[ErrorKind]Fallback
	logger    *slog.Logger
}

type CallerOption func(*Caller)

func WithFallbacks(f map[ErrorKind]Fallback) CallerOption {
	return func(c *Caller) {
		c.fallbacks = f
	}
}

func WithLogger(l *slog.Logger) CallerOption {
	return func(c *Caller) {
		c.logger = l
	}
}

func NewCaller(router *Router, opts ...CallerOption) *Caller {
	c := &Caller{
		router:    router,
		fallbacks: DefaultFallbacks(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare applies the per-model request shape: reasoning models get a low
// reasoning effort and no temperature.
func Prepare(req Request) Request {
	if IsReasoningModel(req.Model) {
		req.Temperature = nil
		if req.ReasoningEffort == "" {
			req.ReasoningEffort = "low"
		}
	}
	return req
}

// Complete sends req to the provider, retrying once per error kind that has
// a fallback.
func (c *Caller) Complete(ctx context.Context, providerID string, req Request) (*Response, error) {
	p, err := c.router.Get(providerID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "llm.complete")
	defer span.End()

	req = Prepare(req)
	applied := make(map[ErrorKind]bool)

	for {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		if err == nil {
			metrics.RecordLLMCall(providerID, req.Model, "ok")
			telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			c.logger.Debug("llm call completed",
				"provider", providerID,
				"model", req.Model,
				"tool_calls", len(resp.Message.ToolCalls),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return resp, nil
		}

		metrics.RecordLLMCall(providerID, req.Model, "error")

		var pe *ProviderError
		if !errors.As(err, &pe) || applied[pe.Kind] {
			telemetry.AddErrorAttribute(span, err)
			return nil, err
		}
		fallback, ok := c.fallbacks[pe.Kind]
		if !ok || !fallback(&req) {
			telemetry.AddErrorAttribute(span, err)
			return nil, err
		}

		applied[pe.Kind] = true
		metrics.RecordLLMFallback(providerID, string(pe.Kind))
		c.logger.Info("retrying llm call with adjusted parameters",
			"provider", providerID,
			"model", req.Model,
			"kind", pe.Kind,
		)
	}
}
