package selector

import (
	"context"
	"fmt"
	"strings"

	"github.com/dalston/orchestrator-core/internal/catalog"
	"github.com/dalston/orchestrator-core/internal/domain"
)

// StageSelection is one stage's resolved engine plus the capabilities
// that drove the DAG-shape decisions in spec.md §4.3's last paragraph
// (whether align/diarize get added).
type StageSelection struct {
	Stage         string
	EngineID      string
	Capabilities  domain.Capabilities
	LoadedModelID string
}

// PipelineSelection is the full set of per-stage engine choices handed to
// the DAG Builder (spec.md §4.4).
type PipelineSelection struct {
	Prepare   StageSelection
	Transcribe StageSelection
	Align     *StageSelection
	Diarize   *StageSelection
	Merge     StageSelection
}

// SelectPipelineEngines composes per-stage selection and decides which
// optional stages exist, per spec.md §4.3:
//   - transcribe is always required.
//   - align is added iff word timestamps are requested and the chosen
//     transcriber lacks supports_word_timestamps.
//   - diarize is added iff speaker detection is requested (and not
//     per-channel, spec.md §9(c)) and the chosen transcriber lacks
//     includes_diarization.
//   - prepare and merge always exist.
func (s *Selector) SelectPipelineEngines(ctx context.Context, params domain.JobParameters) (PipelineSelection, error) {
	var out PipelineSelection

	prepareSel, err := s.selectStage(ctx, "prepare", catalog.Requirements{}, params.PreferredEngines["prepare"])
	if err != nil {
		return out, err
	}
	out.Prepare = prepareSel

	reqs := catalog.Requirements{Language: params.Language}
	transcribeSel, err := s.selectStage(ctx, "transcribe", reqs, params.PreferredEngines["transcribe"])
	if err != nil {
		return out, err
	}
	out.Transcribe = transcribeSel

	if params.WordTimestamps && !transcribeSel.Capabilities.SupportsWordTimestamps {
		alignSel, err := s.selectStage(ctx, "align", reqs, params.PreferredEngines["align"])
		if err != nil {
			return out, err
		}
		out.Align = &alignSel
	}

	wantsDiarize := params.SpeakerDetection == domain.SpeakerDetectionStandard
	if wantsDiarize && !transcribeSel.Capabilities.IncludesDiarization {
		diarizeSel, err := s.selectStage(ctx, "diarize", catalog.Requirements{}, params.PreferredEngines["diarize"])
		if err != nil {
			return out, err
		}
		out.Diarize = &diarizeSel
	}

	mergeSel, err := s.selectStage(ctx, "merge", catalog.Requirements{}, params.PreferredEngines["merge"])
	if err != nil {
		return out, err
	}
	out.Merge = mergeSel

	return out, nil
}

// EngineRTFGPU returns the rtf_gpu of whichever stage selection covers
// taskStage, used by the scheduler to derive a task's absolute timeout
// (spec.md §4.5.1 step 5). Per-channel task stages carry a "_chN" suffix
// (spec.md §9(a)) that doesn't appear in the single per-pipeline
// selection, so the match strips any such suffix before comparing.
func (p PipelineSelection) EngineRTFGPU(taskStage string) float64 {
	base := stripChannelSuffix(taskStage)
	for _, sel := range p.stages() {
		if sel != nil && sel.Stage == base {
			return sel.Capabilities.RTFGPU
		}
	}
	return 0
}

func (p PipelineSelection) stages() []*StageSelection {
	return []*StageSelection{&p.Prepare, &p.Transcribe, p.Align, p.Diarize, &p.Merge}
}

func stripChannelSuffix(stage string) string {
	if i := strings.LastIndex(stage, "_ch"); i != -1 {
		return stage[:i]
	}
	return stage
}

// SelectEnrichment resolves the engine for a single optional enrichment
// stage; failure here is a warning, never fatal (spec.md §9(b), §7).
func (s *Selector) SelectEnrichment(ctx context.Context, stage string, params domain.JobParameters) (StageSelection, error) {
	return s.selectStage(ctx, stage, catalog.Requirements{Language: params.Language}, params.PreferredEngines[stage])
}

func (s *Selector) selectStage(ctx context.Context, stage string, reqs catalog.Requirements, preferred string) (StageSelection, error) {
	engineID, err := s.Select(ctx, stage, reqs, preferred)
	if err != nil {
		return StageSelection{}, fmt.Errorf("selecting stage %q: %w", stage, err)
	}
	entry, ok, err := s.registry.Get(ctx, engineID)
	if err != nil {
		return StageSelection{}, fmt.Errorf("re-reading selected engine %q: %w", engineID, err)
	}
	if !ok {
		return StageSelection{}, fmt.Errorf("engine_disappeared: selected engine %q vanished between selection and read", engineID)
	}
	return StageSelection{Stage: stage, EngineID: engineID, Capabilities: entry.Capabilities, LoadedModelID: entry.LoadedModelID}, nil
}
