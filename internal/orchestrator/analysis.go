package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/agent-gateway/internal/tools"
)

type Outcome string

const (
	OutcomeHasData Outcome = "has_data"
	OutcomeEmpty   Outcome = "empty"
	OutcomeError   Outcome = "error"
	OutcomeBlocked Outcome = "blocked"
	OutcomeUnknown Outcome = "unknown"
	OutcomeSkipped Outcome = "skipped"
)

// Analysis is the shape classification of one tool result.
type Analysis struct {
	HasData  bool `json:"has_data"`
	IsEmpty  bool `json:"is_empty"`
	HasError bool `json:"has_error"`
}

func (a Analysis) Outcome() Outcome {
	switch {
	case a.HasError:
		return OutcomeError
	case a.IsEmpty:
		return OutcomeEmpty
	default:
		return OutcomeHasData
	}
}

// Analyze classifies a result by its payload. An object carrying a non-empty
// "error" member is an error even when the executor reported success.
func Analyze(res tools.Result) Analysis {
	var v any
	if err := json.Unmarshal(res.Content, &v); err != nil {
		return Analysis{HasError: true}
	}
	if res.IsError || hasErrorMember(v) {
		return Analysis{HasError: true}
	}
	if isEmptyValue(v) {
		return Analysis{IsEmpty: true}
	}
	return Analysis{HasData: true}
}

func hasErrorMember(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	e, ok := obj["error"]
	if b, isBool := e.(bool); isBool {
		return b
	}
	return ok && !isEmptyValue(e)
}

// isEmptyValue reports null, "", [] and {}, and objects whose members are
// all empty (e.g. {"customers": []}).
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		for _, member := range t {
			if !isEmptyValue(member) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func feedback(a Analysis, consecutiveEmpty int) string {
	switch a.Outcome() {
	case OutcomeError:
		return fmt.Sprintf("Error detected (%d consecutive failures). Read the error message and act on it: ask the user for data or try another approach.", consecutiveEmpty)
	case OutcomeEmpty:
		return fmt.Sprintf("Empty result (%d consecutive). If you expected data, check the parameters or ask the user.", consecutiveEmpty)
	default:
		return "Data retrieved. Continue with the next step."
	}
}

const emptyAlert = "Several tools in a row returned no data. You are probably missing information from the user. Stop and ask directly for what you need."

// annotate adds the model-facing _feedback (and _alert) members. Results
// that are not JSON objects are wrapped as {"result": ...}.
func annotate(content json.RawMessage, a Analysis, consecutiveEmpty, alertAt int) json.RawMessage {
	var obj map[string]json.RawMessage
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &obj) != nil || obj == nil {
		obj = map[string]json.RawMessage{"result": content}
		if len(trimmed) == 0 {
			obj["result"] = json.RawMessage(`null`)
		}
	}

	obj["_feedback"], _ = json.Marshal(feedback(a, consecutiveEmpty))
	if alertAt > 0 && consecutiveEmpty >= alertAt {
		obj["_alert"], _ = json.Marshal(emptyAlert)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return content
	}
	return out
}

func errorContent(msg string, extra map[string]string) json.RawMessage {
	body := map[string]string{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	out, _ := json.Marshal(body)
	return out
}
