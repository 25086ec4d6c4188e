package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

// MaxSummaryResultLen caps each tool result quoted in the verification note.
const MaxSummaryResultLen = 2000

var criticalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{1,2}:\d{2}\b`),
	regexp.MustCompile(`\$\s*\d+`),
	regexp.MustCompile(`(?i)\b(?:seat|butaca|asiento)\s*#?\s*\d+`),
	regexp.MustCompile(`(?i)\bID[:#\s]*\d+`),
}

// ContainsCriticalData reports answers that quote times of day, prices, seat
// numbers or ids, the figures a model is most likely to invent.
func ContainsCriticalData(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range criticalPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func summarize(invocations []domain.ToolInvocation) string {
	var b strings.Builder
	for _, inv := range invocations {
		result := compact(inv.Result)
		if len(result) > MaxSummaryResultLen {
			n := MaxSummaryResultLen
			for n > 0 && !utf8.RuneStart(result[n]) {
				n--
			}
			result = result[:n] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", inv.Name, result)
	}
	return strings.TrimRight(b.String(), "\n")
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func verificationDirective(invocations []domain.ToolInvocation) domain.Message {
	return domain.Message{
		Role: domain.RoleSystem,
		Content: "Verify your answer before it is sent. Only state figures that appear in these tool results:\n\n" +
			summarize(invocations) +
			"\n\nIf your answer mentions times, prices, ids or seat numbers that are not in these results, correct it now. " +
			"If you are not sure about a figure, leave it out. Reply with the corrected answer only.",
	}
}

func loopDirective(rounds int) domain.Message {
	return domain.Message{
		Role: domain.RoleSystem,
		Content: fmt.Sprintf("You have run %d consecutive tool rounds without answering the user. "+
			"You are probably in a loop or missing information.\n\n"+
			"Stop calling tools and reply to the user now with:\n"+
			"1. What you have found so far\n"+
			"2. The specific information you still need\n"+
			"3. One direct question", rounds),
	}
}
