// Package orchestrator runs the tool-calling loop for one request: call the
// model, dispatch the tools it asks for, feed the results back, and stop on a
// direct answer or one of the run's limits.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/llm"
	"github.com/felipepmaragno/agent-gateway/internal/metrics"
	"github.com/felipepmaragno/agent-gateway/internal/telemetry"
	"github.com/felipepmaragno/agent-gateway/internal/tokens"
	"github.com/felipepmaragno/agent-gateway/internal/tools"
)

// Toolset is what a run dispatches against. *tools.Registry and
// *discovery.Catalog both satisfy it.
type Toolset interface {
	List() []domain.ToolDescriptor
	Lookup(name string) (tools.Tool, bool)
	Invoke(ctx context.Context, name string, args json.RawMessage) tools.Result
}

type Options struct {
	// MaxRounds bounds the LLM calls of the loop itself.
	MaxRounds int
	// LoopCeiling is the number of consecutive tool rounds after which the
	// model is told to stop calling tools.
	LoopCeiling int
	// FailureWindow and FailureThreshold drive the back-off: a tool that
	// failed FailureThreshold times in the last FailureWindow rounds is not
	// invoked again.
	FailureWindow    int
	FailureThreshold int
	// EmptyAlert is the consecutive empty-or-failed result count that adds
	// an _alert to the tool result.
	EmptyAlert int
}

func DefaultOptions() Options {
	return Options{
		MaxRounds:        16,
		LoopCeiling:      15,
		FailureWindow:    2,
		FailureThreshold: 2,
		EmptyAlert:       3,
	}
}

func sanitizeOptions(o Options) Options {
	d := DefaultOptions()
	if o.MaxRounds <= 0 {
		o.MaxRounds = d.MaxRounds
	}
	if o.LoopCeiling <= 0 {
		o.LoopCeiling = d.LoopCeiling
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = d.FailureWindow
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.EmptyAlert < 0 {
		o.EmptyAlert = 0
	}
	return o
}

type Engine struct {
	llm    llm.Completer
	opts   Options
	logger *slog.Logger
}

type Option func(*Engine)

func WithOptions(o Options) Option {
	return func(e *Engine) {
		e.opts = sanitizeOptions(o)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(completer llm.Completer, opts ...Option) *Engine {
	e := &Engine{
		llm:    completer,
		opts:   DefaultOptions(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "orchestrator")
	return e
}

type Input struct {
	Provider    string
	Model       string
	Messages    []domain.Message
	Temperature *float64
	MaxTokens   int
	// Tools is nil when the tenant has tools disabled.
	Tools Toolset
	Trace bool
}

type Result struct {
	Final       domain.Message
	Messages    []domain.Message
	Invocations []domain.ToolInvocation
	Trace       []TraceEntry
	// Usage is what the run is billed for: provider-reported counts, or the
	// estimator for calls that reported none.
	Usage      domain.Usage
	Rounds     int
	LLMCalls   int
	CeilingHit bool
	Verified   bool
}

const (
	TraceAssistant    = "assistant"
	TraceToolResult   = "tool_result"
	TraceLoopCeiling  = "loop_ceiling"
	TraceVerification = "verification"
)

type TraceEntry struct {
	Type      string            `json:"type"`
	Round     int               `json:"round,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
	Name      string            `json:"name,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Analysis  *Analysis         `json:"analysis,omitempty"`
	// Draft is the answer a verification pass replaced.
	Draft string `json:"draft,omitempty"`
}

// Run drives one request to completion. A provider error ends the run; the
// returned Result is still populated with the usage spent until then.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	st := newRunState(in.Messages)
	res := &Result{}

	var catalog []domain.ToolDescriptor
	if in.Tools != nil {
		catalog = in.Tools.List()
	}

	finish := func(final domain.Message, rounds int) *Result {
		res.Final = final
		res.Messages = st.messages
		res.Invocations = st.invocations
		res.Usage = st.usage
		res.Rounds = rounds
		res.LLMCalls = st.calls
		if in.Trace {
			res.Trace = st.trace
		}
		metrics.RecordRun(in.Model, rounds, res.CeilingHit, res.Verified)
		telemetry.AddTokenAttributes(span, st.usage.InputTokens, st.usage.OutputTokens)
		return res
	}

	if len(catalog) == 0 {
		msg, err := e.complete(ctx, st, in, nil)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			return finish(domain.Message{}, 1), err
		}
		st.append(msg)
		st.trace = append(st.trace, TraceEntry{Type: TraceAssistant, Round: 1, Content: msg.Content})
		return finish(msg, 1), nil
	}

	for round := 1; round <= e.opts.MaxRounds; round++ {
		msg, err := e.round(ctx, st, in, catalog, round)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			return finish(st.lastAssistant(), round), err
		}

		if len(msg.ToolCalls) == 0 {
			final, err := e.finalize(ctx, st, in, msg, res)
			if err != nil {
				telemetry.AddErrorAttribute(span, err)
				return finish(msg, round), err
			}
			return finish(final, round), nil
		}

		st.toolRounds++
		if st.toolRounds >= e.opts.LoopCeiling {
			res.CeilingHit = true
			skip(st, msg.ToolCalls, "tool round limit reached")
			directive := loopDirective(st.toolRounds)
			st.append(directive)
			st.trace = append(st.trace, TraceEntry{Type: TraceLoopCeiling, Round: round, Content: directive.Content})
			e.logger.Warn("loop ceiling reached", "model", in.Model, "rounds", st.toolRounds)

			final, err := e.complete(ctx, st, in, nil)
			if err != nil {
				telemetry.AddErrorAttribute(span, err)
				return finish(st.lastAssistant(), round), err
			}
			st.append(final)
			st.trace = append(st.trace, TraceEntry{Type: TraceAssistant, Round: round + 1, Content: final.Content})
			return finish(final, round+1), nil
		}

		e.dispatch(ctx, st, in.Tools, msg.ToolCalls, round)
	}

	e.logger.Warn("round budget exhausted", "model", in.Model, "rounds", e.opts.MaxRounds)
	return finish(st.lastAssistant(), e.opts.MaxRounds), nil
}

func (e *Engine) round(ctx context.Context, st *runState, in Input, catalog []domain.ToolDescriptor, round int) (domain.Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.round")
	defer span.End()

	msg, err := e.complete(ctx, st, in, catalog)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return domain.Message{}, err
	}
	telemetry.AddRoundAttributes(span, round, len(msg.ToolCalls))

	st.append(msg)
	st.trace = append(st.trace, TraceEntry{
		Type:      TraceAssistant,
		Round:     round,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	})
	e.logger.Debug("round completed", "round", round, "tool_calls", len(msg.ToolCalls))
	return msg, nil
}

// finalize runs the verification pass when the answer quotes figures and
// tools have produced data earlier in the run.
func (e *Engine) finalize(ctx context.Context, st *runState, in Input, draft domain.Message, res *Result) (domain.Message, error) {
	if len(st.invocations) == 0 || !ContainsCriticalData(draft.Content) {
		return draft, nil
	}

	// the model reviews its own draft; the verified answer then takes the
	// draft's slot and the directive is dropped from the transcript
	draftAt := len(st.messages) - 1
	st.append(verificationDirective(st.invocations))

	verified, err := e.complete(ctx, st, in, nil)
	st.messages = st.messages[:draftAt+1]
	if err != nil {
		return draft, err
	}
	st.messages[draftAt] = verified
	res.Verified = true
	st.trace = append(st.trace, TraceEntry{Type: TraceVerification, Content: verified.Content, Draft: draft.Content})
	return verified, nil
}

// complete sends the transcript and accumulates the call's usage.
func (e *Engine) complete(ctx context.Context, st *runState, in Input, catalog []domain.ToolDescriptor) (domain.Message, error) {
	req := llm.Request{
		Model:       in.Model,
		Messages:    st.messages,
		Tools:       catalog,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}

	st.calls++
	resp, err := e.llm.Complete(ctx, in.Provider, req)
	if err != nil {
		return domain.Message{}, err
	}

	msg := resp.Message
	msg.Role = domain.RoleAssistant

	if resp.UsageReported {
		st.usage = st.usage.Add(resp.Usage)
	} else {
		st.usage = st.usage.Add(domain.Usage{
			InputTokens:  tokens.EstimateMessages(st.messages),
			OutputTokens: tokens.EstimateMessage(msg),
		})
	}
	return msg, nil
}
