package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dalston/orchestrator-core/internal/catalog"
	"github.com/dalston/orchestrator-core/internal/dag"
	"github.com/dalston/orchestrator-core/internal/domain"
	"github.com/dalston/orchestrator-core/internal/metrics"
	"github.com/dalston/orchestrator-core/internal/store"
)

// HandleJobCreated implements spec.md §4.5.1.
func (s *Scheduler) HandleJobCreated(ctx context.Context, jobIDRaw string) error {
	jobID, err := jobIDFromString(jobIDRaw)
	if err != nil {
		return err
	}

	claimed, err := s.jobs.ClaimPendingToRunning(jobID)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	if !claimed {
		s.log.Info("job.created: job already claimed or not pending, dropping", "job_id", jobID)
		return nil
	}
	failJob := func(category, msg string) error {
		if err := s.jobs.Fail(jobID, fmt.Sprintf("%s: %s", category, msg)); err != nil {
			return fmt.Errorf("failing job %s: %w", jobID, err)
		}
		metrics.JobsTransitioned.WithLabelValues(string(domain.JobFailed)).Inc()
		return nil
	}
	metrics.JobsTransitioned.WithLabelValues(string(domain.JobRunning)).Inc()

	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s vanished after claiming", jobID)
	}

	params, err := s.loadParams(job)
	if err != nil {
		return failJob(domain.ErrCategorySchemaViolation, fmt.Sprintf("decoding job parameters: %v", err))
	}

	pipelineSel, err := s.selector.SelectPipelineEngines(ctx, params)
	if err != nil {
		var nce *domain.NoCapableEngineError
		if errors.As(err, &nce) {
			metrics.SelectorRejections.WithLabelValues(nce.Stage).Inc()
			return failJob(domain.ErrCategoryNoCapableEngine, nce.Error())
		}
		return fmt.Errorf("selecting pipeline engines for job %s: %w", jobID, err)
	}

	tasks, err := dag.Build(jobID, params, pipelineSel)
	if err != nil {
		return failJob(domain.ErrCategorySchemaViolation, fmt.Sprintf("building DAG: %v", err))
	}
	for i := range tasks {
		if tasks[i].MaxRetries == 0 {
			tasks[i].MaxRetries = s.cfg.DefaultRetryBudget
		}
	}

	lastRequired := dag.LastRequiredTask(tasks)
	for _, stage := range params.Enrichments {
		enrichSel, err := s.selector.SelectEnrichment(ctx, string(stage), params)
		if err != nil {
			// Enrichment selection failure is a warning, not a job
			// failure (spec.md §9(b)): the stage is simply omitted.
			s.log.Warn("skipping enrichment stage: no capable engine", "job_id", jobID, "stage", stage, "error", err)
			continue
		}
		tasks = dag.AppendEnrichment(tasks, jobID, string(stage), enrichSel, lastRequired)
	}

	if err := s.tasks.InsertAll(tasks); err != nil {
		var cat domain.ErrorCategory
		if errors.As(err, &cat) && cat.Category() == domain.ErrCategoryUniquenessViolation {
			// spec.md §4.5.1 step 4 / §8 L1: another controller already
			// won this job's DAG; drop the event.
			s.log.Info("job.created: duplicate DAG insert, dropping", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("persisting tasks for job %s: %w", jobID, err)
	}

	for _, t := range tasks {
		if len(t.Dependencies) > 0 {
			continue
		}
		rtfGPU := pipelineSel.EngineRTFGPU(t.Stage)
		if err := s.enqueueReady(ctx, t, rtfGPU, params.AudioDurationSecondsOrDefault()); err != nil {
			s.log.Error("failed to enqueue initial task", "job_id", jobID, "task_id", t.ID, "error", err)
		}
	}

	return nil
}

// HandleTaskCompleted implements spec.md §4.5.2: mark the task COMPLETED
// (idempotent), advance any dependents whose dependencies are now all
// satisfied into READY via the CAS in TransitionPendingToReady (only the
// winner enqueues), and complete the job once every required task is
// terminal with no failures.
func (s *Scheduler) HandleTaskCompleted(ctx context.Context, taskIDRaw string) error {
	taskID, err := taskIDFromString(taskIDRaw)
	if err != nil {
		return err
	}

	if err := s.tasks.Complete(taskID); err != nil {
		return fmt.Errorf("completing task %s: %w", taskID, err)
	}

	task, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	metrics.TasksTransitioned.WithLabelValues(task.Stage, "completed").Inc()

	siblings, err := s.tasks.GetByJob(task.JobID)
	if err != nil {
		return err
	}

	for _, candidate := range store.ReadyDependents(siblings) {
		claimed, err := s.tasks.TransitionPendingToReady(candidate.ID)
		if err != nil {
			s.log.Error("failed CAS pending->ready", "task_id", candidate.ID, "error", err)
			continue
		}
		if !claimed {
			// Another controller instance already won this transition
			// (spec.md §4.5.2 step 3): nothing left for us to do.
			continue
		}
		if err := s.enqueueNow(ctx, task.JobID, candidate); err != nil {
			s.log.Error("failed to enqueue newly-ready task", "job_id", task.JobID, "task_id", candidate.ID, "error", err)
		}
	}

	if store.AllRequiredTerminalNoFailure(siblings) {
		if err := s.jobs.Complete(task.JobID); err != nil {
			return fmt.Errorf("completing job %s: %w", task.JobID, err)
		}
		metrics.JobsTransitioned.WithLabelValues(string(domain.JobCompleted)).Inc()
	}

	return nil
}

// HandleTaskFailed implements spec.md §4.5.3: classify the failure by
// whether the task is optional, whether its retry budget remains, and
// whether the failure was an engine disappearance eligible for
// re-selection, then either skip, re-enqueue, re-select, or fail the
// task (and transitively the job when the task is required).
func (s *Scheduler) HandleTaskFailed(ctx context.Context, taskIDRaw, reason string) error {
	taskID, err := taskIDFromString(taskIDRaw)
	if err != nil {
		return err
	}

	task, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status.IsTerminal() {
		return nil
	}

	category := categoryOf(reason)

	if !task.Required && task.Retries >= task.MaxRetries {
		if err := s.tasks.Skip(taskID, reason); err != nil {
			return fmt.Errorf("skipping exhausted optional task %s: %w", taskID, err)
		}
		metrics.TasksTransitioned.WithLabelValues(task.Stage, "skipped").Inc()
		if err := s.jobs.AppendWarning(task.JobID, domain.PipelineWarning{Stage: task.Stage, Status: "failed"}); err != nil {
			s.log.Error("recording pipeline warning", "job_id", task.JobID, "stage", task.Stage, "error", err)
		}
		return s.HandleTaskCompleted(ctx, taskIDRaw)
	}

	job, err := s.jobs.Get(task.JobID)
	if err != nil {
		return err
	}
	var params domain.JobParameters
	if job != nil {
		params, err = s.loadParams(job)
		if err != nil {
			params = domain.JobParameters{}
		}
	}

	if category == domain.ErrCategoryEngineDisappeared && s.cfg.EngineDisappearedReselect && task.ReselectCount < maxReselects {
		reqs := catalog.Requirements{Language: params.Language}
		newEngineID, selErr := s.selector.Select(ctx, stageForSelect(task.Stage), reqs, "")
		if selErr != nil {
			var nce *domain.NoCapableEngineError
			if errors.As(selErr, &nce) {
				return s.failTaskAndMaybeJob(taskID, task, nce.Error(), domain.ErrCategoryNoCapableEngine)
			}
			return fmt.Errorf("re-selecting engine for task %s: %w", taskID, selErr)
		}
		if err := s.tasks.Reselect(taskID, newEngineID); err != nil {
			return fmt.Errorf("recording reselection for task %s: %w", taskID, err)
		}
		if err := s.tasks.IncrementDelivery(taskID); err != nil {
			return fmt.Errorf("incrementing delivery for task %s: %w", taskID, err)
		}
		caps, ok, err := s.selector.EngineCapabilities(ctx, newEngineID)
		rtfGPU := 0.0
		if err == nil && ok {
			rtfGPU = caps.RTFGPU
		}
		if err := s.enqueueReady(ctx, *task, rtfGPU, params.AudioDurationSecondsOrDefault()); err != nil {
			return fmt.Errorf("re-enqueueing reselected task %s: %w", taskID, err)
		}
		return nil
	}

	if task.Retries < task.MaxRetries && category != domain.ErrCategoryEngineDisappeared {
		if err := s.tasks.IncrementDelivery(taskID); err != nil {
			return fmt.Errorf("incrementing delivery for task %s: %w", taskID, err)
		}
		rtfGPU := 0.0
		if entry, ok, err := s.selector.EngineCapabilities(ctx, task.EngineID); err == nil && ok {
			rtfGPU = entry.RTFGPU
		}
		if err := s.enqueueReady(ctx, *task, rtfGPU, params.AudioDurationSecondsOrDefault()); err != nil {
			return fmt.Errorf("re-enqueueing task %s: %w", taskID, err)
		}
		return nil
	}

	return s.failTaskAndMaybeJob(taskID, task, reason, domain.ErrCategoryMaxRetriesExceeded)
}

// HandleJobCancelRequested implements spec.md §5 Cancellation: flip the
// job to CANCELLED (not gated on its current status, any non-terminal
// job may be cancelled) and sweep every non-terminal task's stage stream
// for unclaimed entries belonging to it, so an engine that hasn't yet
// picked the task up never does. The sweep lives here rather than inside
// store.JobStore.Cancel because JobStore has no Redis dependency — the
// scheduler is already the component that composes the store with
// streams for every other handler in this file.
func (s *Scheduler) HandleJobCancelRequested(ctx context.Context, jobIDRaw string) error {
	jobID, err := jobIDFromString(jobIDRaw)
	if err != nil {
		return err
	}

	if err := s.jobs.Cancel(jobID); err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	metrics.JobsTransitioned.WithLabelValues(string(domain.JobCancelled)).Inc()

	tasks, err := s.tasks.GetByJob(jobID)
	if err != nil {
		return fmt.Errorf("loading tasks for cancelled job %s: %w", jobID, err)
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if _, err := s.streamsH.DropUnclaimedForTask(ctx, t.Stage, t.ID.String()); err != nil {
			s.log.Error("sweeping unclaimed stream entries for cancelled job", "job_id", jobID, "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// failTaskAndMaybeJob fails the task and, when it is required (spec.md
// §3 job-completion invariant), fails the whole job with the given
// category — an optional task's exhaustion never fails the job.
func (s *Scheduler) failTaskAndMaybeJob(taskID uuid.UUID, task *domain.Task, reason, category string) error {
	if err := s.tasks.Fail(taskID, reason); err != nil {
		return fmt.Errorf("failing task %s: %w", taskID, err)
	}
	metrics.TasksTransitioned.WithLabelValues(task.Stage, "failed").Inc()

	if !task.Required {
		return nil
	}
	if err := s.jobs.Fail(task.JobID, fmt.Sprintf("%s: %s", category, reason)); err != nil {
		return fmt.Errorf("failing job %s: %w", task.JobID, err)
	}
	metrics.JobsTransitioned.WithLabelValues(string(domain.JobFailed)).Inc()
	return nil
}

// enqueueNow resolves the rtf_gpu for a task's currently-assigned engine
// and enqueues it, used when advancing a newly-READY dependent where no
// PipelineSelection is in scope.
func (s *Scheduler) enqueueNow(ctx context.Context, jobID uuid.UUID, task domain.Task) error {
	rtfGPU := 0.0
	if caps, ok, err := s.selector.EngineCapabilities(ctx, task.EngineID); err == nil && ok {
		rtfGPU = caps.RTFGPU
	}
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return err
	}
	audioDuration := 0.0
	if job != nil {
		if params, err := s.loadParams(job); err == nil {
			audioDuration = params.AudioDurationSecondsOrDefault()
		}
	}
	return s.enqueueReady(ctx, task, rtfGPU, audioDuration)
}

// categoryOf recovers the stable error-taxonomy tag from a task's stored
// failure reason, which handlers format as "category: message" (spec.md
// §7). Falls back to engine_error when the reason predates or doesn't
// follow that convention.
func categoryOf(reason string) string {
	for _, cat := range []string{
		domain.ErrCategoryEngineDisappeared,
		domain.ErrCategoryMaxRetriesExceeded,
		domain.ErrCategoryTaskTimeout,
		domain.ErrCategoryEngineError,
		domain.ErrCategoryCancelled,
		domain.ErrCategorySchemaViolation,
		domain.ErrCategoryUniquenessViolation,
		domain.ErrCategoryNoCapableEngine,
	} {
		if strings.HasPrefix(reason, cat+":") {
			return cat
		}
	}
	return domain.ErrCategoryEngineError
}

// stageForSelect strips a per-channel task stage's "_chN" suffix before
// asking the selector for a replacement engine, since the Registry and
// Catalog index capabilities by base stage name.
func stageForSelect(taskStage string) string {
	if i := strings.LastIndex(taskStage, "_ch"); i != -1 {
		return taskStage[:i]
	}
	return taskStage
}

// maxReselects bounds how many times a single task may have its engine
// re-chosen after an engine_disappeared failure (spec.md §9(a)).
const maxReselects = 3

