package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
	"github.com/felipepmaragno/agent-gateway/internal/metrics"
	"github.com/felipepmaragno/agent-gateway/internal/telemetry"
	"github.com/felipepmaragno/agent-gateway/internal/tools"
)

type callOutcome struct {
	call     domain.ToolCall
	args     json.RawMessage
	outcome  Outcome
	result   tools.Result
	analysis Analysis
}

// dispatch runs one round of tool calls. Calls to different tools run
// concurrently; calls to the same tool run in request order so the back-off
// rule sees earlier failures of the round. Results are applied to the run
// state in request order after every call has finished.
func (e *Engine) dispatch(ctx context.Context, st *runState, ts Toolset, calls []domain.ToolCall, round int) {
	outcomes := make([]callOutcome, len(calls))

	var wg sync.WaitGroup
	for _, idxs := range groupByName(calls) {
		wg.Add(1)
		go func(idxs []int) {
			defer wg.Done()
			failed := 0
			for _, i := range idxs {
				out := e.execute(ctx, st, ts, calls[i], round, failed)
				if out.outcome == OutcomeUnknown || (out.outcome != OutcomeBlocked && !out.analysis.HasData) {
					failed++
				}
				outcomes[i] = out
			}
		}(idxs)
	}
	wg.Wait()

	for _, out := range outcomes {
		e.apply(st, ts, out, round)
	}
}

func groupByName(calls []domain.ToolCall) [][]int {
	var groups [][]int
	index := make(map[string]int)
	for i, c := range calls {
		g, ok := index[c.Name]
		if !ok {
			g = len(groups)
			index[c.Name] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// execute only reads st; the history is not written until every goroutine of
// the round has returned.
func (e *Engine) execute(ctx context.Context, st *runState, ts Toolset, call domain.ToolCall, round, failedThisRound int) callOutcome {
	out := callOutcome{call: call, args: normalizeArgs(call.Arguments)}

	failures := st.recentFailures(call.Name, round, e.opts.FailureWindow) + failedThisRound
	if failures >= e.opts.FailureThreshold {
		out.outcome = OutcomeBlocked
		out.result = tools.Result{
			Content: errorContent(
				fmt.Sprintf("blocked: %s failed %d times in the last %d rounds", call.Name, failures, e.opts.FailureWindow),
				map[string]string{"suggestion": "Ask the user for more information or try a different approach."},
			),
			IsError: true,
		}
		return out
	}

	tool, ok := ts.Lookup(call.Name)
	if !ok {
		out.outcome = OutcomeUnknown
		out.result = tools.Result{Content: errorContent("tool not found: "+call.Name, nil), IsError: true}
		return out
	}

	ctx, span := telemetry.StartSpan(ctx, "tool.call")
	defer span.End()

	start := time.Now()
	out.result = ts.Invoke(ctx, call.Name, out.args)
	metrics.ObserveToolDuration(tool.Transport, time.Since(start).Seconds())

	out.analysis = Analyze(out.result)
	out.outcome = out.analysis.Outcome()
	telemetry.AddToolAttributes(span, call.Name, tool.Transport, string(out.outcome))
	if out.result.Err != nil {
		telemetry.AddErrorAttribute(span, out.result.Err)
	}
	return out
}

func (e *Engine) apply(st *runState, ts Toolset, out callOutcome, round int) {
	metrics.RecordToolInvocation(out.call.Name, string(out.outcome))

	content := out.result.Content
	analysis := out.analysis

	switch out.outcome {
	case OutcomeBlocked:
		analysis = Analysis{HasError: true}
		e.logger.Warn("tool call blocked", "tool", out.call.Name, "round", round)
	case OutcomeUnknown:
		analysis = Analysis{HasError: true}
		st.record(out.call.Name, false, round)
		e.logger.Warn("unknown tool requested", "tool", out.call.Name, "round", round)
	default:
		if analysis.HasData {
			st.consecutiveEmpty = 0
		} else {
			st.consecutiveEmpty++
		}
		content = annotate(out.result.Content, analysis, st.consecutiveEmpty, e.opts.EmptyAlert)
		st.record(out.call.Name, analysis.HasData, round)
		st.invocations = append(st.invocations, domain.ToolInvocation{
			Name:   qualifiedName(ts, out.call.Name),
			Args:   out.args,
			Result: out.result.Content,
		})
		if analysis.HasError {
			e.logger.Warn("tool call failed", "tool", out.call.Name, "round", round, "error", errorText(out.result))
		}
	}

	st.append(domain.Message{
		Role:       domain.RoleTool,
		ToolCallID: out.call.ID,
		Name:       out.call.Name,
		Content:    string(content),
	})
	st.trace = append(st.trace, TraceEntry{
		Type:     TraceToolResult,
		Round:    round,
		Name:     out.call.Name,
		Result:   out.result.Content,
		Analysis: &analysis,
	})
}

// skip answers calls that will never run so every tool call id still gets a
// result in the transcript.
func skip(st *runState, calls []domain.ToolCall, reason string) {
	for _, c := range calls {
		metrics.RecordToolInvocation(c.Name, string(OutcomeSkipped))
		st.append(domain.Message{
			Role:       domain.RoleTool,
			ToolCallID: c.ID,
			Name:       c.Name,
			Content:    string(errorContent("skipped: "+reason, nil)),
		})
	}
}

// normalizeArgs turns anything that is not a JSON object into {}.
func normalizeArgs(raw string) json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

func qualifiedName(ts Toolset, name string) string {
	if q, ok := ts.(interface{ Qualified(string) string }); ok {
		return q.Qualified(name)
	}
	return name
}

func errorText(res tools.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return string(res.Content)
}
