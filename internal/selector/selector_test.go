package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalston/orchestrator-core/internal/catalog"
	"github.com/dalston/orchestrator-core/internal/domain"
)

type fakeRegistry struct {
	byID   map[string]domain.RegistryEntry
	stages map[string][]domain.RegistryEntry
}

func newFakeRegistry(entries ...domain.RegistryEntry) *fakeRegistry {
	r := &fakeRegistry{byID: map[string]domain.RegistryEntry{}, stages: map[string][]domain.RegistryEntry{}}
	for _, e := range entries {
		r.byID[e.EngineID] = e
		for _, s := range e.Capabilities.Stage {
			r.stages[s] = append(r.stages[s], e)
		}
	}
	return r
}

func (r *fakeRegistry) Get(ctx context.Context, engineID string) (domain.RegistryEntry, bool, error) {
	e, ok := r.byID[engineID]
	return e, ok, nil
}

func (r *fakeRegistry) GetEnginesForStage(ctx context.Context, stage string) ([]domain.RegistryEntry, error) {
	return r.stages[stage], nil
}

func entry(id string, caps domain.Capabilities) domain.RegistryEntry {
	caps.Stage = append([]string{}, caps.Stage...)
	return domain.RegistryEntry{EngineID: id, Capabilities: caps}
}

func TestSelectPrefersWordTimestampsOverLowerRTFGPU(t *testing.T) {
	reg := newFakeRegistry(
		entry("bare", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.1}),
		entry("wordy", domain.Capabilities{Stage: []string{"transcribe"}, SupportsWordTimestamps: true, RTFGPU: 0.5}),
	)
	sel := New(reg, nil)

	got, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{}, "")
	require.NoError(t, err)
	assert.Equal(t, "wordy", got, "native word timestamps must outrank a lower rtf_gpu")
}

func TestSelectTieBreaksOnLowerRTFGPU(t *testing.T) {
	reg := newFakeRegistry(
		entry("slow", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.9}),
		entry("fast", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.2}),
	)
	sel := New(reg, nil)

	got, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{}, "")
	require.NoError(t, err)
	assert.Equal(t, "fast", got)
}

func TestSelectTieBreaksOnEngineIDWhenFullyTied(t *testing.T) {
	reg := newFakeRegistry(
		entry("zz-engine", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.3}),
		entry("aa-engine", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.3}),
	)
	sel := New(reg, nil)

	got, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{}, "")
	require.NoError(t, err)
	assert.Equal(t, "aa-engine", got)
}

func TestSelectPrefersSpecificLanguageOverAllLanguages(t *testing.T) {
	reg := newFakeRegistry(
		entry("polyglot", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.1}),
		entry("specialist", domain.Capabilities{Stage: []string{"transcribe"}, Languages: []string{"en"}, RTFGPU: 0.4}),
	)
	sel := New(reg, nil)

	got, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{Language: "en"}, "")
	require.NoError(t, err)
	assert.Equal(t, "specialist", got, "a declared language set should beat 'all languages' even at a worse rtf_gpu")
}

func TestSelectReturnsNoCapableEngineErrorWithMismatchReasons(t *testing.T) {
	reg := newFakeRegistry(
		entry("en-only", domain.Capabilities{Stage: []string{"transcribe"}, Languages: []string{"en"}}),
	)
	sel := New(reg, nil)

	_, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{Language: "hr"}, "")
	require.Error(t, err)

	var nce *domain.NoCapableEngineError
	require.ErrorAs(t, err, &nce)
	assert.Equal(t, "no_capable_engine", nce.Category())
	assert.Equal(t, "transcribe", nce.Stage)
	require.Len(t, nce.Candidates, 1)
	assert.Equal(t, "en-only", nce.Candidates[0].EngineID)
}

func TestSelectHonorsUserPreferenceWhenLive(t *testing.T) {
	reg := newFakeRegistry(
		entry("preferred", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 9.0}),
		entry("better-ranked", domain.Capabilities{Stage: []string{"transcribe"}, RTFGPU: 0.1}),
	)
	sel := New(reg, nil)

	got, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{}, "preferred")
	require.NoError(t, err)
	assert.Equal(t, "preferred", got, "an explicit user preference overrides ranking")
}

func TestSelectRejectsUserPreferenceNotLive(t *testing.T) {
	reg := newFakeRegistry()
	sel := New(reg, nil)

	_, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{}, "ghost")
	require.Error(t, err)
	var nce *domain.NoCapableEngineError
	require.ErrorAs(t, err, &nce)
}

func TestSelectRejectsUserPreferenceMissingStage(t *testing.T) {
	reg := newFakeRegistry(entry("wrong-stage", domain.Capabilities{Stage: []string{"align"}}))
	sel := New(reg, nil)

	_, err := sel.Select(context.Background(), "transcribe", catalog.Requirements{}, "wrong-stage")
	require.Error(t, err)
}

func TestEngineCapabilitiesReadsLiveEntry(t *testing.T) {
	reg := newFakeRegistry(entry("e1", domain.Capabilities{Stage: []string{"merge"}, RTFGPU: 0.25}))
	sel := New(reg, nil)

	caps, ok, err := sel.EngineCapabilities(context.Background(), "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0.25, caps.RTFGPU)
}

func TestEngineCapabilitiesReportsMissingEngine(t *testing.T) {
	reg := newFakeRegistry()
	sel := New(reg, nil)

	_, ok, err := sel.EngineCapabilities(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}
