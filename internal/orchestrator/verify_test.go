package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

func TestContainsCriticalData(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"The bus leaves at 06:15.", true},
		{"Departure 9:40 from Retiro", true},
		{"The fare is $ 12500", true},
		{"Total: $89", true},
		{"You have seat 14", true},
		{"Butaca 22 is free", true},
		{"Customer ID: 5531", true},
		{"id 77 found", true},
		{"Your trip is confirmed.", false},
		{"I need your document number.", false},
		{"", false},
		{"ratio 3:1", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ContainsCriticalData(tt.text); got != tt.want {
				t.Errorf("ContainsCriticalData(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	long := `{"rows":"` + strings.Repeat("x", 3000) + `"}`
	got := summarize([]domain.ToolInvocation{
		{Name: "get_schedules", Result: json.RawMessage(`{ "departures": [ "06:15" ] }`)},
		{Name: "crm.lookup", Result: json.RawMessage(long)},
	})

	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("summary = %q", got)
	}
	if lines[0] != `- get_schedules: {"departures":["06:15"]}` {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "...") || len(lines[1]) > len("- crm.lookup: ")+MaxSummaryResultLen+3 {
		t.Errorf("long result not truncated: %d chars", len(lines[1]))
	}
}

func TestContextNote(t *testing.T) {
	if _, ok := ContextNote(nil); ok {
		t.Error("ContextNote(nil) should report nothing to render")
	}

	msg, ok := ContextNote([]domain.ToolInvocation{
		{Name: "get_schedules", Args: json.RawMessage(`{"date": "2026-10-20"}`), Result: json.RawMessage(`{"departures":["06:15"]}`)},
		{Name: "clock", Args: json.RawMessage(`{}`)},
	})
	if !ok || msg.Role != domain.RoleSystem {
		t.Fatalf("msg = %+v, ok = %v", msg, ok)
	}
	if !strings.Contains(msg.Content, `- get_schedules {"date":"2026-10-20"} => {"departures":["06:15"]}`) {
		t.Errorf("Content = %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "- clock => null") {
		t.Errorf("Content = %q", msg.Content)
	}
}
