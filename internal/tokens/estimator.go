// Package tokens estimates token counts with a character-length heuristic.
// It is not a tokenizer; the numbers feed cost estimates only.
package tokens

import (
	"unicode/utf8"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

const (
	CharsPerToken = 4

	// ImageTokens is charged for every image part regardless of resolution.
	ImageTokens = 85
	// DocumentSegmentTokens is charged per document part on top of its text.
	DocumentSegmentTokens = 20
)

// EstimateText returns ceil(runes/4), with a floor of 1 for non-empty text.
func EstimateText(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	t := (n + CharsPerToken - 1) / CharsPerToken
	if t < 1 {
		return 1
	}
	return t
}

func EstimatePart(p domain.ContentPart) int {
	switch p.Type {
	case domain.PartImageURL:
		return ImageTokens
	case domain.PartDocument:
		return DocumentSegmentTokens + EstimateText(p.Text)
	default:
		return EstimateText(p.Text)
	}
}

func EstimateMessage(m domain.Message) int {
	total := EstimateText(m.Content)
	for _, p := range m.Parts {
		total += EstimatePart(p)
	}
	for _, tc := range m.ToolCalls {
		total += EstimateText(tc.Name) + EstimateText(tc.Arguments)
	}
	return total
}

func EstimateMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}
