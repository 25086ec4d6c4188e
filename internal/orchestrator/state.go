package orchestrator

import (
	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

// attempt is one executed (or unknown) tool call, kept for the back-off rule.
type attempt struct {
	name    string
	success bool
	round   int
}

// runState is owned by a single Run and never shared.
type runState struct {
	messages    []domain.Message
	history     []attempt
	invocations []domain.ToolInvocation
	trace       []TraceEntry
	usage       domain.Usage

	calls            int
	consecutiveEmpty int
	toolRounds       int
}

func newRunState(msgs []domain.Message) *runState {
	messages := make([]domain.Message, len(msgs))
	copy(messages, msgs)
	return &runState{messages: messages}
}

func (s *runState) append(m domain.Message) {
	s.messages = append(s.messages, m)
}

// recentFailures counts failed attempts of name from round-window onwards.
func (s *runState) recentFailures(name string, round, window int) int {
	n := 0
	for _, a := range s.history {
		if a.name == name && !a.success && a.round >= round-window {
			n++
		}
	}
	return n
}

func (s *runState) record(name string, success bool, round int) {
	s.history = append(s.history, attempt{name: name, success: success, round: round})
}

func (s *runState) lastAssistant() domain.Message {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == domain.RoleAssistant {
			return s.messages[i]
		}
	}
	return domain.Message{Role: domain.RoleAssistant}
}
