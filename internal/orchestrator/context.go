package orchestrator

import (
	"strings"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

// ContextNote renders tool records a caller kept from earlier answers as a
// system message, so the model can reuse them without calling the tools
// again. ok is false when there is nothing to render.
func ContextNote(records []domain.ToolInvocation) (msg domain.Message, ok bool) {
	if len(records) == 0 {
		return domain.Message{}, false
	}

	var b strings.Builder
	b.WriteString("Tool results from earlier in this conversation:\n")
	for _, r := range records {
		b.WriteString("- ")
		b.WriteString(r.Name)
		if args := compact(r.Args); args != "" && args != "{}" {
			b.WriteString(" ")
			b.WriteString(args)
		}
		b.WriteString(" => ")
		result := compact(r.Result)
		if result == "" {
			result = "null"
		}
		b.WriteString(result)
		b.WriteString("\n")
	}
	return domain.Message{Role: domain.RoleSystem, Content: strings.TrimRight(b.String(), "\n")}, true
}
