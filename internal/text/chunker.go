// Package text splits document text into bounded-size pieces for embedding.
package text

import (
	"fmt"
	"regexp"
	"strings"

	"corpusd/internal/apperr"
)

// Piece is one contiguous span of the input, the unit of embedding and
// retrieval. TokenCount is the whitespace-token count of Text.
type Piece struct {
	Text       string
	TokenCount int
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+[\s]*|[^.!?]+$`)

// Chunk splits text into pieces of at most maxTokens tokens each. Paragraphs
// are the primary unit; a paragraph that does not fit is split into sentences,
// and a single sentence longer than maxTokens is hard-split at token
// boundaries. Units are greedily packed, so identical input always yields an
// identical sequence.
func Chunk(text string, maxTokens int) ([]Piece, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive: %w", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text: %w", apperr.ErrInvalidInput)
	}

	var units []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if countTokens(para) <= maxTokens {
			units = append(units, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if countTokens(sent) <= maxTokens {
				units = append(units, sent)
				continue
			}
			units = append(units, hardSplit(sent, maxTokens)...)
		}
	}

	var pieces []Piece
	var cur []string
	curTokens := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		joined := strings.Join(cur, "\n\n")
		pieces = append(pieces, Piece{Text: joined, TokenCount: countTokens(joined)})
		cur = cur[:0]
		curTokens = 0
	}
	for _, unit := range units {
		n := countTokens(unit)
		if curTokens+n > maxTokens {
			flush()
		}
		cur = append(cur, unit)
		curTokens += n
	}
	flush()

	return pieces, nil
}

// splitSentences breaks a paragraph at terminal punctuation. Whitespace after
// the terminator stays attached to the preceding sentence and is trimmed.
func splitSentences(para string) []string {
	matches := sentenceRe.FindAllString(para, -1)
	if matches == nil {
		return []string{para}
	}
	sentences := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" {
			sentences = append(sentences, m)
		}
	}
	return sentences
}

// hardSplit cuts a single overlong unit at token boundaries, never inside a
// token.
func hardSplit(unit string, maxTokens int) []string {
	tokens := strings.Fields(unit)
	var out []string
	for start := 0; start < len(tokens); start += maxTokens {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, strings.Join(tokens[start:end], " "))
	}
	return out
}

func countTokens(s string) int {
	return len(strings.Fields(s))
}
