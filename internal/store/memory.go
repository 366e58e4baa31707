package store

import (
	"context"
	"sort"
	"sync"

	"github.com/exolabs/exobridge/pkg/types"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and single-node runs without
// Postgres.
type Memory struct {
	mu           sync.RWMutex
	transcripts  map[string]map[int64]types.Transcript
	intents      map[string]map[int64]types.IntentVerdict
	dispositions map[string]map[string]types.Disposition
	taxonomy     map[string][]types.Disposition
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		transcripts:  make(map[string]map[int64]types.Transcript),
		intents:      make(map[string]map[int64]types.IntentVerdict),
		dispositions: make(map[string]map[string]types.Disposition),
		taxonomy:     make(map[string][]types.Disposition),
	}
}

// SaveTranscript implements Store.
func (m *Memory) SaveTranscript(_ context.Context, _ string, line types.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked(line)
	return nil
}

// SaveTranscripts implements Store.
func (m *Memory) SaveTranscripts(_ context.Context, _ string, lines []types.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range lines {
		m.saveLocked(line)
	}
	return nil
}

func (m *Memory) saveLocked(line types.Transcript) {
	byID := m.transcripts[line.InteractionID]
	if byID == nil {
		byID = make(map[int64]types.Transcript)
		m.transcripts[line.InteractionID] = byID
	}
	byID[line.Seq] = line
}

// ListTranscripts implements Store.
func (m *Memory) ListTranscripts(_ context.Context, interactionID string) ([]types.Transcript, error) {
	m.mu.RLock()
	byID := m.transcripts[interactionID]
	out := make([]types.Transcript, 0, len(byID))
	for _, line := range byID {
		out = append(out, line)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SaveIntent implements Store.
func (m *Memory) SaveIntent(_ context.Context, _ string, verdict types.IntentVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.intents[verdict.InteractionID]
	if byID == nil {
		byID = make(map[int64]types.IntentVerdict)
		m.intents[verdict.InteractionID] = byID
	}
	byID[verdict.Seq] = verdict
	return nil
}

// Intents returns all stored verdicts for an interaction, ordered by seq.
// Test helper.
func (m *Memory) Intents(interactionID string) []types.IntentVerdict {
	m.mu.RLock()
	byID := m.intents[interactionID]
	out := make([]types.IntentVerdict, 0, len(byID))
	for _, v := range byID {
		out = append(out, v)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// SaveDisposition implements Store.
func (m *Memory) SaveDisposition(_ context.Context, interactionID string, d types.Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCode := m.dispositions[interactionID]
	if byCode == nil {
		byCode = make(map[string]types.Disposition)
		m.dispositions[interactionID] = byCode
	}
	byCode[d.Code] = d
	return nil
}

// Dispositions returns all stored dispositions for an interaction. Test helper.
func (m *Memory) Dispositions(interactionID string) []types.Disposition {
	m.mu.RLock()
	byCode := m.dispositions[interactionID]
	out := make([]types.Disposition, 0, len(byCode))
	for _, d := range byCode {
		out = append(out, d)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// SetTaxonomy replaces a tenant's disposition taxonomy. Test helper.
func (m *Memory) SetTaxonomy(tenantID string, taxonomy []types.Disposition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taxonomy[tenantID] = taxonomy
}

// DispositionTaxonomy implements Store.
func (m *Memory) DispositionTaxonomy(_ context.Context, tenantID string) ([]types.Disposition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Disposition, len(m.taxonomy[tenantID]))
	copy(out, m.taxonomy[tenantID])
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
