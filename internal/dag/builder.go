// Package dag implements the DAG Builder: given job parameters and the
// engines chosen by the selector, it produces a topologically-consistent
// list of Task records shaped to the client's request (spec.md §4.4). The
// builder never persists anything — it is a pure function from
// (parameters, pipeline selection) to []domain.Task, handed to the
// scheduler's job.created handler for a single transactional insert.
package dag

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/selector"
)

// StageConfig is the opaque per-engine task configuration the builder
// stamps onto each task (spec.md §4.4: "an opaque config blob including
// a stage-specific runtime_model_id when the selected engine is a
// multi-variant runtime").
type StageConfig map[string]any

// Build constructs the task list for jobID from params and the already
// resolved PipelineSelection, implementing the three shapes of spec.md
// §4.4: default, per-channel, and enrichment stages appended to the tail.
func Build(jobID uuid.UUID, params domain.JobParameters, sel selector.PipelineSelection) ([]domain.Task, error) {
	b := &builder{jobID: jobID, params: params, sel: sel}

	prepare := b.newTask(b.sel.Prepare, "prepare", nil, true)

	var tails []*domain.Task
	if params.IsPerChannel() {
		tails = b.buildPerChannel(prepare)
	} else {
		tails = b.buildDefault(prepare)
	}

	depIDs := make([]string, 0, len(tails))
	for _, t := range tails {
		depIDs = append(depIDs, t.ID.String())
	}
	merge := b.newTask(b.sel.Merge, "merge", depIDs, true)
	b.tasks = append(b.tasks, *merge)

	// Enrichment stages (spec.md §9(b)) are appended by the caller via
	// AppendEnrichment once each is selected, since enrichment selection
	// can fail independently per-stage without failing the whole job.
	return b.tasks, nil
}

// AppendEnrichment adds one optional enrichment task depending on the
// last required-path task (spec.md §4.4 "Optional enrichment stages...
// depend on the last core stage and are marked required=false").
func AppendEnrichment(tasks []domain.Task, jobID uuid.UUID, stage string, engineSel selector.StageSelection, dependsOn uuid.UUID) []domain.Task {
	t := domain.Task{
		ID:           uuid.New(),
		JobID:        jobID,
		Stage:        stage,
		EngineID:     engineSel.EngineID,
		Status:       domain.TaskPending,
		Dependencies: domain.Dependencies{dependsOn.String()},
		Required:     false,
		MaxRetries:   3,
	}
	return append(tasks, t)
}

// LastRequiredTask returns the id of the task every enrichment stage
// should depend on: merge, if present, else the pipeline's final task.
func LastRequiredTask(tasks []domain.Task) uuid.UUID {
	for _, t := range tasks {
		if t.Stage == "merge" {
			return t.ID
		}
	}
	if len(tasks) == 0 {
		return uuid.Nil
	}
	return tasks[len(tasks)-1].ID
}

type builder struct {
	jobID  uuid.UUID
	params domain.JobParameters
	sel    selector.PipelineSelection
	tasks  []domain.Task
}

func (b *builder) buildDefault(prepare *domain.Task) []*domain.Task {
	b.tasks = append(b.tasks, *prepare)
	prepareID := prepare.ID.String()

	transcribe := b.newTask(b.sel.Transcribe, "transcribe", []string{prepareID}, true)
	b.tasks = append(b.tasks, *transcribe)

	tail := transcribe
	if b.sel.Align != nil {
		align := b.newTask(*b.sel.Align, "align", []string{transcribe.ID.String()}, true)
		b.tasks = append(b.tasks, *align)
		tail = align
	}

	tails := []*domain.Task{tail}

	if b.sel.Diarize != nil {
		diarize := b.newTask(*b.sel.Diarize, "diarize", []string{prepareID}, true)
		b.tasks = append(b.tasks, *diarize)
		tails = append(tails, diarize)
	}

	return tails
}

func (b *builder) buildPerChannel(prepare *domain.Task) []*domain.Task {
	b.tasks = append(b.tasks, *prepare)
	prepareID := prepare.ID.String()

	var tails []*domain.Task
	for ch := 0; ch < b.params.ChannelCount; ch++ {
		suffix := fmt.Sprintf("_ch%d", ch)
		transcribe := b.newTask(b.sel.Transcribe, "transcribe"+suffix, []string{prepareID}, true)
		transcribe.Config = withChannel(transcribe.Config, ch)
		b.tasks = append(b.tasks, *transcribe)

		tail := transcribe
		if b.sel.Align != nil {
			align := b.newTask(*b.sel.Align, "align"+suffix, []string{transcribe.ID.String()}, true)
			align.Config = withChannel(align.Config, ch)
			b.tasks = append(b.tasks, *align)
			tail = align
		}
		tails = append(tails, tail)
	}

	// spec.md §9(c): never run diarize for per-channel speaker detection;
	// channel assignment already defines speaker identity. Only wire a
	// diarize tail when the caller selected one for non-per-channel
	// standard speaker detection alongside a channel split (unusual but
	// not forbidden).
	if b.sel.Diarize != nil && b.params.SpeakerDetection != domain.SpeakerDetectionPerChannel {
		diarize := b.newTask(*b.sel.Diarize, "diarize", []string{prepareID}, true)
		b.tasks = append(b.tasks, *diarize)
		tails = append(tails, diarize)
	}

	return tails
}

func (b *builder) newTask(sel selector.StageSelection, stage string, deps []string, required bool) *domain.Task {
	t := &domain.Task{
		ID:           uuid.New(),
		JobID:        b.jobID,
		Stage:        stage,
		EngineID:     sel.EngineID,
		Status:       domain.TaskPending,
		Dependencies: domain.Dependencies(deps),
		Required:     required,
		MaxRetries:   3,
	}
	if sel.LoadedModelID != "" {
		t.Config = encodeStageConfig(StageConfig{"runtime_model_id": sel.LoadedModelID})
	}
	return t
}

// encodeStageConfig marshals cfg to the task's opaque Config column,
// returning nil for an empty blob so a task with nothing to configure
// keeps its zero-value Config rather than storing "{}".
func encodeStageConfig(cfg StageConfig) datatypes.JSON {
	if len(cfg) == 0 {
		return nil
	}
	raw, _ := json.Marshal(cfg)
	return datatypes.JSON(raw)
}

func withChannel(cfg datatypes.JSON, channel int) datatypes.JSON {
	m := StageConfig{}
	if len(cfg) > 0 {
		_ = json.Unmarshal(cfg, &m)
	}
	m["channel"] = channel
	return encodeStageConfig(m)
}
