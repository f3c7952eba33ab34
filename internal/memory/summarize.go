package memory

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Summarizer condenses a set of texts into one.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string, maxLength int) (string, error)
}

// Summary is the outcome of a consolidation pass over long-term facts.
type Summary struct {
	Summary        string    `json:"summary"`
	SourceCount    int       `json:"source_count"`
	SourceIDs      []int64   `json:"source_ids"`
	CreatedAt      time.Time `json:"created_at"`
	Topic          string    `json:"topic"`
	OriginalLength int       `json:"original_length"`
}

// CompressionRatio is len(summary)/original length, 0 when nothing was summarized.
func (s Summary) CompressionRatio() float64 {
	if s.OriginalLength == 0 {
		return 0
	}
	return float64(utf8.RuneCountInString(s.Summary)) / float64(s.OriginalLength)
}

// DefaultSummaryLength is used when a caller passes a non-positive max length.
const DefaultSummaryLength = 200

// RuleSummarizer keeps the longest text and cuts it to maxLength characters.
// It never fails and needs no external service.
type RuleSummarizer struct{}

// Summarize implements Summarizer.
func (RuleSummarizer) Summarize(_ context.Context, texts []string, maxLength int) (string, error) {
	if len(texts) == 0 {
		return "", nil
	}
	if maxLength <= 0 {
		maxLength = DefaultSummaryLength
	}

	longest := texts[0]
	for _, t := range texts[1:] {
		if utf8.RuneCountInString(t) > utf8.RuneCountInString(longest) {
			longest = t
		}
	}

	runes := []rune(longest)
	if len(runes) <= maxLength {
		return longest, nil
	}
	return strings.TrimRightFunc(string(runes[:maxLength]), isSpace) + "...", nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
