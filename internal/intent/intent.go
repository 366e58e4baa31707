// Package intent classifies the caller's current intent from transcript
// lines using an external LLM.
//
// Classification is best-effort: any LLM failure, timeout, or unparseable
// reply yields the "unknown" verdict with zero confidence rather than an
// error, so the transcript pipeline never stalls on the model.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/exolabs/exobridge/pkg/provider/llm"
	"github.com/exolabs/exobridge/pkg/types"
)

const (
	// minTextLen gates classification: shorter utterances carry too little
	// signal to be worth a model call.
	minTextLen = 10

	maxIntentLen = 50

	classifyTimeout = 10 * time.Second
)

const systemPrompt = `You classify the intent of a customer utterance from a live support call.
Reply with exactly one JSON object of the form {"intent": "<short_snake_case_label>", "confidence": <0..1>}.
No prose, no markdown fences.`

// fillerWords are utterances that never warrant classification on their own.
var fillerWords = map[string]struct{}{
	"um": {}, "uh": {}, "hmm": {}, "mm": {}, "mhm": {},
	"yeah": {}, "yes": {}, "no": {}, "ok": {}, "okay": {},
	"hello": {}, "hi": {}, "bye": {}, "thanks": {}, "thank you": {},
}

var (
	punctOnlyRe   = regexp.MustCompile(`^[\s\p{P}]*$`)
	intentStripRe = regexp.MustCompile(`[^\w\s-]`)
	intentSepRe   = regexp.MustCompile(`[\s-]+`)
	underscoreRe  = regexp.MustCompile(`_+`)
)

// Classifier produces intent verdicts from transcript lines.
type Classifier struct {
	provider llm.Provider
	model    string
}

// NewClassifier creates a Classifier over the given LLM provider. model is
// informational; provider construction already bound the model.
func NewClassifier(provider llm.Provider, model string) *Classifier {
	return &Classifier{provider: provider, model: model}
}

// ShouldClassify reports whether text is worth a model call: more than ten
// characters and not a filler utterance.
func ShouldClassify(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= minTextLen {
		return false
	}
	if punctOnlyRe.MatchString(trimmed) {
		return false
	}
	_, filler := fillerWords[strings.ToLower(strings.Trim(trimmed, ".,!? "))]
	return !filler
}

// Classify returns the verdict for one transcript line. The returned verdict
// is always usable; errors degrade to IntentUnknown.
func (c *Classifier) Classify(ctx context.Context, line types.Transcript) types.IntentVerdict {
	verdict := types.IntentVerdict{
		InteractionID: line.InteractionID,
		Seq:           line.Seq,
		Intent:        types.IntentUnknown,
		TS:            line.TS,
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := c.provider.Complete(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf("Utterance (%s): %q", line.Speaker, line.Text)},
		},
		Temperature: 0.1,
		MaxTokens:   100,
	})
	if err != nil {
		return verdict
	}

	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	raw, ok := extractJSONObject(resp.Content)
	if !ok || json.Unmarshal([]byte(raw), &parsed) != nil {
		return verdict
	}

	intent := Normalize(parsed.Intent)
	if intent == "" {
		return verdict
	}

	verdict.Intent = intent
	verdict.Confidence = clamp01(parsed.Confidence)
	return verdict
}

// Normalize canonicalises a raw intent label: lowercase, punctuation
// stripped, whitespace and dashes collapsed to single underscores, truncated
// to 50 characters. Normalize is idempotent.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = intentStripRe.ReplaceAllString(s, "")
	s = intentSepRe.ReplaceAllString(s, "_")
	s = underscoreRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxIntentLen {
		s = s[:maxIntentLen]
		s = strings.Trim(s, "_")
	}
	return s
}

// extractJSONObject returns the first balanced {...} block in s. Models
// occasionally wrap the object in prose or code fences.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
