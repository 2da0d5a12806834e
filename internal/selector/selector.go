// Package selector implements the Capability-Driven Selector: a
// deterministic, fail-fast mapping of (stage, requirements, optional
// user preference) to a concrete engine id (spec.md §4.3). It is a pure
// function of a Registry snapshot and the static Catalog — no selector
// call mutates either, which is what makes select_engine referentially
// transparent (spec.md §8 L3).
package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/dalston/orchestrator-core/internal/catalog"
	"github.com/dalston/orchestrator-core/internal/domain"
)

// RegistrySource is the read-only view of live engines the selector
// needs. Satisfied by *registry.Registry; kept as an interface so unit
// tests can supply an in-memory fake (spec.md §10 ambient test tooling).
type RegistrySource interface {
	Get(ctx context.Context, engineID string) (domain.RegistryEntry, bool, error)
	GetEnginesForStage(ctx context.Context, stage string) ([]domain.RegistryEntry, error)
}

// Selector composes a RegistrySource and a Catalog into the selection
// algorithm of spec.md §4.3.
type Selector struct {
	registry RegistrySource
	catalog  *catalog.Catalog
}

func New(registry RegistrySource, cat *catalog.Catalog) *Selector {
	return &Selector{registry: registry, catalog: cat}
}

// EngineCapabilities re-reads a specific engine's live capabilities, used
// by the scheduler to derive a re-enqueued task's timeout without holding
// onto the original PipelineSelection (spec.md §4.5.2 step 3).
func (s *Selector) EngineCapabilities(ctx context.Context, engineID string) (domain.Capabilities, bool, error) {
	entry, ok, err := s.registry.Get(ctx, engineID)
	if err != nil {
		return domain.Capabilities{}, false, fmt.Errorf("selector: reading engine %q: %w", engineID, err)
	}
	return entry.Capabilities, ok, nil
}

// Select implements spec.md §4.3 steps 1-4 for a single stage.
func (s *Selector) Select(ctx context.Context, stage string, reqs catalog.Requirements, userPreference string) (string, error) {
	if userPreference != "" {
		entry, ok, err := s.registry.Get(ctx, userPreference)
		if err != nil {
			return "", fmt.Errorf("selector: checking preferred engine %q: %w", userPreference, err)
		}
		if !ok {
			return "", s.noCapableEngine(ctx, stage, reqs, fmt.Sprintf("preferred engine %q is not live", userPreference))
		}
		if !entry.Capabilities.HasStage(stage) {
			return "", s.noCapableEngine(ctx, stage, reqs, fmt.Sprintf("preferred engine %q does not serve stage %q", userPreference, stage))
		}
		if !reqs.Satisfies(entry.Capabilities) {
			return "", s.noCapableEngine(ctx, stage, reqs, fmt.Sprintf("preferred engine %q does not satisfy requirements", userPreference))
		}
		return entry.EngineID, nil
	}

	live, err := s.registry.GetEnginesForStage(ctx, stage)
	if err != nil {
		return "", fmt.Errorf("selector: enumerating engines for stage %q: %w", stage, err)
	}

	survivors := make([]domain.RegistryEntry, 0, len(live))
	for _, e := range live {
		if reqs.Satisfies(e.Capabilities) {
			survivors = append(survivors, e)
		}
	}

	if len(survivors) == 0 {
		return "", s.noCapableEngineFromCandidates(ctx, stage, reqs, live)
	}

	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i].Capabilities, survivors[j].Capabilities
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		return survivors[i].EngineID < survivors[j].EngineID
	})

	return survivors[0].EngineID, nil
}

// rankTuple is the total ordering of spec.md §4.3 step 3, expressed so
// that a *lower* tuple sorts first: native word timestamps and native
// diarization beat their absence; a specific language set beats "all";
// a lower rtf_gpu beats a higher one.
type rankTuple struct {
	noWordTimestamps int
	noDiarization    int
	allLanguages     int
	rtfGPU           float64
}

func tupleOf(c domain.Capabilities) rankTuple {
	t := rankTuple{rtfGPU: c.RTFGPU}
	if !c.SupportsWordTimestamps {
		t.noWordTimestamps = 1
	}
	if !c.IncludesDiarization {
		t.noDiarization = 1
	}
	if c.IsAllLanguages() {
		t.allLanguages = 1
	}
	return t
}

// less reports whether a ranks strictly ahead of b under spec.md §4.3
// step 3's total ordering.
func less(a, b domain.Capabilities) bool {
	ta, tb := tupleOf(a), tupleOf(b)
	if ta.noWordTimestamps != tb.noWordTimestamps {
		return ta.noWordTimestamps < tb.noWordTimestamps
	}
	if ta.noDiarization != tb.noDiarization {
		return ta.noDiarization < tb.noDiarization
	}
	if ta.allLanguages != tb.allLanguages {
		return ta.allLanguages < tb.allLanguages
	}
	return ta.rtfGPU < tb.rtfGPU
}

func (s *Selector) noCapableEngine(ctx context.Context, stage string, reqs catalog.Requirements, reason string) error {
	return s.noCapableEngineFromCandidates(ctx, stage, reqs, nil, reason)
}

func (s *Selector) noCapableEngineFromCandidates(ctx context.Context, stage string, reqs catalog.Requirements, live []domain.RegistryEntry, extra ...string) error {
	nce := &domain.NoCapableEngineError{
		Stage:     stage,
		Language:  reqs.Language,
		Streaming: reqs.RequireStreaming,
	}
	for _, e := range live {
		nce.Candidates = append(nce.Candidates, domain.CandidateMismatch{
			EngineID: e.EngineID,
			Reason:   mismatchReason(e.Capabilities, reqs),
		})
	}
	for _, msg := range extra {
		nce.Candidates = append(nce.Candidates, domain.CandidateMismatch{Reason: msg})
	}
	if s.catalog != nil {
		for _, alt := range s.catalog.FindEngines(stage, reqs) {
			nce.Alternatives = append(nce.Alternatives, domain.CatalogAlternative{EngineID: alt.ID, Image: alt.Image})
		}
	}
	return nce
}

func mismatchReason(c domain.Capabilities, reqs catalog.Requirements) string {
	if reqs.Language != "" && !c.SupportsLanguage(reqs.Language) {
		return fmt.Sprintf("language %q not supported (has: %v)", reqs.Language, c.Languages)
	}
	if reqs.RequireStreaming && !c.SupportsStreaming {
		return "streaming not supported"
	}
	return "does not satisfy requirements"
}
