package store

import (
	"context"
	"testing"

	"github.com/exolabs/exobridge/pkg/types"
)

func TestMemoryTranscriptUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	line := types.Transcript{
		InteractionID: "call-1",
		Seq:           1,
		TS:            1000,
		Text:          "hello",
		Kind:          types.TranscriptFinal,
		Speaker:       types.SpeakerCustomer,
	}

	// At-least-once redelivery writes the same line twice.
	if err := m.SaveTranscript(ctx, "acme", line); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}
	if err := m.SaveTranscript(ctx, "acme", line); err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	got, err := m.ListTranscripts(ctx, "call-1")
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d lines, want 1", len(got))
	}
}

func TestMemoryListTranscriptsOrdersBySeq(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	lines := []types.Transcript{
		{InteractionID: "call-1", Seq: 3, Text: "three"},
		{InteractionID: "call-1", Seq: 1, Text: "one"},
		{InteractionID: "call-1", Seq: 2, Text: "two"},
		{InteractionID: "call-2", Seq: 1, Text: "other call"},
	}
	if err := m.SaveTranscripts(ctx, "acme", lines); err != nil {
		t.Fatalf("SaveTranscripts: %v", err)
	}

	got, err := m.ListTranscripts(ctx, "call-1")
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d lines, want 3", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Text != want {
			t.Errorf("line %d = %q, want %q", i, got[i].Text, want)
		}
	}
}

func TestMemoryDispositionsAndTaxonomy(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	m.SetTaxonomy("acme", []types.Disposition{
		{ID: "t1", Code: "resolved", Title: "Issue resolved"},
		{ID: "t2", Code: "escalated", Title: "Escalated to tier 2"},
	})

	taxonomy, err := m.DispositionTaxonomy(ctx, "acme")
	if err != nil {
		t.Fatalf("DispositionTaxonomy: %v", err)
	}
	if len(taxonomy) != 2 {
		t.Fatalf("taxonomy size = %d, want 2", len(taxonomy))
	}

	d := types.Disposition{ID: "t1", Code: "resolved", Title: "Issue resolved", Score: 0.9}
	if err := m.SaveDisposition(ctx, "call-1", d); err != nil {
		t.Fatalf("SaveDisposition: %v", err)
	}
	// Same code again overwrites rather than duplicating.
	d.Score = 0.95
	if err := m.SaveDisposition(ctx, "call-1", d); err != nil {
		t.Fatalf("SaveDisposition: %v", err)
	}

	got := m.Dispositions("call-1")
	if len(got) != 1 || got[0].Score != 0.95 {
		t.Errorf("dispositions = %+v", got)
	}
}
