package summary

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/exolabs/exobridge/internal/store"
	llmmock "github.com/exolabs/exobridge/pkg/provider/llm/mock"
	"github.com/exolabs/exobridge/pkg/types"
)

func seedTranscript(t *testing.T, st *store.Memory) {
	t.Helper()
	lines := []types.Transcript{
		{InteractionID: "call-1", Seq: 1, Text: "hi I was double charged this month", Speaker: types.SpeakerCustomer},
		{InteractionID: "call-1", Seq: 2, Text: "", Speaker: types.SpeakerAgent},
		{InteractionID: "call-1", Seq: 3, Text: "let me refund the duplicate charge", Speaker: types.SpeakerAgent},
	}
	if err := st.SaveTranscripts(context.Background(), "acme", lines); err != nil {
		t.Fatalf("SaveTranscripts: %v", err)
	}
}

func TestAssembleTranscriptSkipsEmptiesAndKeepsOrder(t *testing.T) {
	t.Parallel()

	got := AssembleTranscript([]types.Transcript{
		{Seq: 1, Text: "one", Speaker: types.SpeakerCustomer},
		{Seq: 2, Text: "   "},
		{Seq: 3, Text: "two", Speaker: types.SpeakerAgent},
	})
	want := "customer: one\nagent: two"
	if got != want {
		t.Errorf("AssembleTranscript = %q, want %q", got, want)
	}
}

func TestGenerateValidReply(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	seedTranscript(t, st)
	st.SetTaxonomy("acme", []types.Disposition{
		{ID: "t1", Code: "refund_issued", Title: "Refund issued"},
		{ID: "t2", Code: "escalated", Title: "Escalated to tier 2"},
	})

	provider := &llmmock.Provider{Replies: []string{`{
		"issue": "Duplicate charge on monthly invoice",
		"resolution": "Agent refunded the duplicate charge",
		"next_steps": "Customer to confirm refund within 5 days",
		"confidence": 0.9,
		"dispositions": [
			{"code": "refund_issued", "title": "", "score": 0.95},
			{"code": "", "title": "Escalated to tier two", "score": 0.4}
		]
	}`}}

	g := NewGenerator(provider, st)
	got, err := g.Generate(context.Background(), "acme", "call-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got.UsedFallback {
		t.Error("UsedFallback = true for a valid reply")
	}
	if got.Issue == "" || got.Resolution == "" {
		t.Errorf("summary = %+v", got)
	}
	if len(got.Dispositions) != 2 {
		t.Fatalf("dispositions = %+v", got.Dispositions)
	}
	if got.Dispositions[0].ID != "t1" {
		t.Errorf("exact code match: ID = %q, want t1", got.Dispositions[0].ID)
	}
	if got.Dispositions[0].Title != "Refund issued" {
		t.Errorf("matched title = %q", got.Dispositions[0].Title)
	}
	if got.Dispositions[1].ID != "t2" {
		t.Errorf("fuzzy title match: ID = %q, want t2", got.Dispositions[1].ID)
	}

	// The transcript fed to the model excludes the empty line.
	calls := provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	prompt := calls[0].Messages[0].Content
	if !strings.Contains(prompt, "customer: hi I was double charged") {
		t.Errorf("prompt missing transcript: %q", prompt)
	}
}

func TestGenerateFallbackOnInvalidShape(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	seedTranscript(t, st)

	provider := &llmmock.Provider{Replies: []string{"The call was about billing. All good."}}
	g := NewGenerator(provider, st)

	got, err := g.Generate(context.Background(), "acme", "call-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !got.UsedFallback {
		t.Fatal("UsedFallback = false, want true")
	}
	if !strings.Contains(got.Resolution, "The call was about billing") {
		t.Errorf("fallback Resolution = %q, want raw output preserved", got.Resolution)
	}
}

func TestGenerateErrorsWithoutTranscript(t *testing.T) {
	t.Parallel()

	g := NewGenerator(&llmmock.Provider{}, store.NewMemory())
	if _, err := g.Generate(context.Background(), "acme", "ghost"); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("Generate error = %v, want ErrNoTranscript", err)
	}
}

func TestGeneratePropagatesProviderError(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	seedTranscript(t, st)

	g := NewGenerator(&llmmock.Provider{Err: errors.New("model overloaded")}, st)
	if _, err := g.Generate(context.Background(), "acme", "call-1"); err == nil {
		t.Fatal("expected provider error to propagate")
	}
}

func TestMapToTaxonomyLeavesUnmatchedUntouched(t *testing.T) {
	t.Parallel()

	taxonomy := []types.Disposition{{ID: "t1", Code: "resolved", Title: "Issue resolved"}}
	got := MapToTaxonomy([]types.Disposition{
		{Code: "lunar_eclipse", Title: "Completely unrelated", Score: 0.5},
	}, taxonomy)

	if len(got) != 1 {
		t.Fatalf("got %d dispositions", len(got))
	}
	if got[0].ID != "" || got[0].Code != "lunar_eclipse" {
		t.Errorf("unmatched disposition mutated: %+v", got[0])
	}
}
