// Package summary generates the end-of-call disposition summary.
//
// Triggered by a call_end event or an explicit dashboard request: assemble
// the stored transcript in order, ask the LLM for a structured summary, and
// map suggested dispositions onto the tenant's taxonomy. An off-schema model
// reply degrades to a fallback summary carrying the raw output; the caller
// decides whether to persist.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/exolabs/exobridge/internal/store"
	"github.com/exolabs/exobridge/pkg/provider/llm"
	"github.com/exolabs/exobridge/pkg/types"
)

const (
	generateTimeout = 30 * time.Second

	// fuzzyTitleThreshold is the minimum Jaro-Winkler similarity for a
	// suggested disposition title to claim a taxonomy entry when no code
	// matches exactly.
	fuzzyTitleThreshold = 0.85
)

const systemPrompt = `You summarise a completed customer support call from its transcript.
Reply with exactly one JSON object:
{"issue": "...", "resolution": "...", "next_steps": "...", "confidence": <0..1>,
 "dispositions": [{"code": "...", "title": "...", "score": <0..1>}]}
No prose, no markdown fences.`

// ErrNoTranscript is returned when an interaction has no stored lines.
var ErrNoTranscript = fmt.Errorf("summary: no transcript lines stored")

// Generator produces call summaries.
type Generator struct {
	provider llm.Provider
	store    store.Store
}

// NewGenerator creates a Generator.
func NewGenerator(provider llm.Provider, st store.Store) *Generator {
	return &Generator{provider: provider, store: st}
}

// Generate builds the summary for an interaction. Generation may be retried;
// results can differ across attempts.
func (g *Generator) Generate(ctx context.Context, tenantID, interactionID string) (*types.CallSummary, error) {
	lines, err := g.store.ListTranscripts(ctx, interactionID)
	if err != nil {
		return nil, fmt.Errorf("summary: load transcript %s: %w", interactionID, err)
	}

	text := AssembleTranscript(lines)
	if text == "" {
		return nil, ErrNoTranscript
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	resp, err := g.provider.Complete(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: "Call transcript:\n\n" + text},
		},
		Temperature: 0.3,
		MaxTokens:   800,
	})
	if err != nil {
		return nil, fmt.Errorf("summary: completion for %s: %w", interactionID, err)
	}

	result, ok := parseReply(resp.Content)
	if !ok {
		// Off-schema reply. Preserve the raw output so the agent still
		// sees something usable.
		return &types.CallSummary{
			InteractionID: interactionID,
			Resolution:    strings.TrimSpace(resp.Content),
			UsedFallback:  true,
		}, nil
	}
	result.InteractionID = interactionID

	taxonomy, err := g.store.DispositionTaxonomy(ctx, tenantID)
	if err == nil && len(taxonomy) > 0 {
		result.Dispositions = MapToTaxonomy(result.Dispositions, taxonomy)
	}
	return result, nil
}

// AssembleTranscript joins stored lines into a speaker-attributed transcript.
// Lines arrive ordered by seq; empties are skipped.
func AssembleTranscript(lines []types.Transcript) string {
	var b strings.Builder
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}
		speaker := line.Speaker
		if speaker == "" {
			speaker = types.SpeakerUnknown
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseReply validates the model output against the expected shape.
func parseReply(content string) (*types.CallSummary, bool) {
	raw, ok := extractJSONObject(content)
	if !ok {
		return nil, false
	}

	var parsed struct {
		Issue        string              `json:"issue"`
		Resolution   string              `json:"resolution"`
		NextSteps    string              `json:"next_steps"`
		Confidence   float64             `json:"confidence"`
		Dispositions []types.Disposition `json:"dispositions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, false
	}

	// Shape check: a summary with neither issue nor resolution is useless.
	if strings.TrimSpace(parsed.Issue) == "" && strings.TrimSpace(parsed.Resolution) == "" {
		return nil, false
	}

	dispositions := parsed.Dispositions[:0]
	for _, d := range parsed.Dispositions {
		if strings.TrimSpace(d.Code) == "" && strings.TrimSpace(d.Title) == "" {
			continue
		}
		dispositions = append(dispositions, d)
	}

	return &types.CallSummary{
		Issue:        parsed.Issue,
		Resolution:   parsed.Resolution,
		NextSteps:    parsed.NextSteps,
		Confidence:   clamp01(parsed.Confidence),
		Dispositions: dispositions,
	}, true
}

// MapToTaxonomy resolves suggested dispositions against the tenant taxonomy:
// exact match by code first, then fuzzy match by title. Unmatched suggestions
// pass through without a taxonomy id.
func MapToTaxonomy(suggested, taxonomy []types.Disposition) []types.Disposition {
	out := make([]types.Disposition, 0, len(suggested))
	for _, d := range suggested {
		if entry, ok := matchTaxonomy(d, taxonomy); ok {
			d.ID = entry.ID
			d.Code = entry.Code
			if d.Title == "" {
				d.Title = entry.Title
			}
		}
		out = append(out, d)
	}
	return out
}

func matchTaxonomy(d types.Disposition, taxonomy []types.Disposition) (types.Disposition, bool) {
	code := strings.ToLower(strings.TrimSpace(d.Code))
	for _, entry := range taxonomy {
		if code != "" && strings.ToLower(entry.Code) == code {
			return entry, true
		}
	}

	title := strings.ToLower(strings.TrimSpace(d.Title))
	if title == "" {
		return types.Disposition{}, false
	}
	best := types.Disposition{}
	bestScore := 0.0
	for _, entry := range taxonomy {
		score := matchr.JaroWinkler(title, strings.ToLower(entry.Title), false)
		if score > bestScore {
			best, bestScore = entry, score
		}
	}
	if bestScore >= fuzzyTitleThreshold {
		return best, true
	}
	return types.Disposition{}, false
}

// extractJSONObject returns the first balanced {...} block in s.
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
