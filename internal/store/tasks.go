package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dalston/orchestrator-core/internal/domain"
)

// TaskStore is the CAS-guarded persistence boundary for Task rows.
type TaskStore struct {
	db *gorm.DB
}

func NewTaskStore(db *gorm.DB) *TaskStore { return &TaskStore{db: db} }

// InsertAll persists an entire job's task list in one transaction
// (spec.md §4.5.1 step 4). If another controller already inserted this
// job's tasks, the unique (job_id, stage) index rejects the insert; that
// is surfaced as ErrCategoryUniquenessViolation so the handler can drop
// the event instead of treating it as a real failure.
func (s *TaskStore) InsertAll(tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&tasks).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewCategorizedError(domain.ErrCategoryUniquenessViolation, "duplicate task DAG", err)
		}
		return fmt.Errorf("inserting tasks: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "23505")
}

func (s *TaskStore) GetByJob(jobID uuid.UUID) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := s.db.Where("job_id = ?", jobID).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("loading tasks for job %s: %w", jobID, err)
	}
	return tasks, nil
}

func (s *TaskStore) Get(taskID uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	if err := s.db.Where("id = ?", taskID).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return &task, nil
}

// Complete is idempotent: completing an already-terminal task is a no-op
// (spec.md §4.5.2 step 1, §8 L2).
func (s *TaskStore) Complete(taskID uuid.UUID) error {
	now := time.Now().UTC()
	return s.db.Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", taskID, terminalTaskStatuses()).
		Updates(map[string]interface{}{
			"status":     domain.TaskCompleted,
			"updated_at": now,
		}).Error
}

// TransitionPendingToReady is the second and final CAS guard of spec.md
// §4.5.2 step 3: "Only the controller that wins the update enqueues the
// task; the others observe zero rows and do nothing."
func (s *TaskStore) TransitionPendingToReady(taskID uuid.UUID) (claimed bool, err error) {
	res := s.db.Model(&domain.Task{}).
		Where("id = ? AND status = ?", taskID, domain.TaskPending).
		Updates(map[string]interface{}{
			"status":     domain.TaskReady,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("transitioning task %s to ready: %w", taskID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetOutputURI records where the engine wrote a completed task's result,
// independent of the status transition itself (the scheduler's
// task.completed handler owns marking the row COMPLETED).
func (s *TaskStore) SetOutputURI(taskID uuid.UUID, uri string) error {
	return s.db.Model(&domain.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"output_uri": uri,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkRunning records that a task is now being processed by an engine,
// set by the runner on receipt of a stream message.
func (s *TaskStore) MarkRunning(taskID uuid.UUID, engineID string) error {
	return s.db.Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", taskID, terminalTaskStatuses()).
		Updates(map[string]interface{}{
			"status":     domain.TaskRunning,
			"engine_id":  engineID,
			"updated_at": time.Now().UTC(),
		}).Error
}

// Skip marks an optional task SKIPPED after exhausted retries, which
// satisfies dependents without failing the job (spec.md §4.5.3 step 1,
// §9(b)).
func (s *TaskStore) Skip(taskID uuid.UUID, reason string) error {
	return s.db.Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", taskID, terminalTaskStatuses()).
		Updates(map[string]interface{}{
			"status":     domain.TaskSkipped,
			"error":      reason,
			"updated_at": time.Now().UTC(),
		}).Error
}

// Fail marks a required (or exhausted optional) task FAILED.
func (s *TaskStore) Fail(taskID uuid.UUID, reason string) error {
	return s.db.Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", taskID, terminalTaskStatuses()).
		Updates(map[string]interface{}{
			"status":     domain.TaskFailed,
			"error":      reason,
			"updated_at": time.Now().UTC(),
		}).Error
}

// IncrementDelivery bumps the delivery and retry counters each time the
// scheduler re-enqueues the task, independent of the stream's own
// delivery-count bookkeeping (spec.md §3 "delivery/retry counters"). The
// first enqueue and runner claims do not change them.
func (s *TaskStore) IncrementDelivery(taskID uuid.UUID) error {
	return s.db.Model(&domain.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"delivery_count": gorm.Expr("delivery_count + 1"),
			"retries":        gorm.Expr("retries + 1"),
			"updated_at":     time.Now().UTC(),
		}).Error
}

// Reselect records a new engine id after the original disappeared,
// incrementing the re-selection counter that bounds how many times this
// can happen (spec.md §4.5.3 step 3, §7 "engine_disappeared").
func (s *TaskStore) Reselect(taskID uuid.UUID, newEngineID string) error {
	return s.db.Model(&domain.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"engine_id":      newEngineID,
			"reselect_count": gorm.Expr("reselect_count + 1"),
			"updated_at":     time.Now().UTC(),
		}).Error
}

func terminalTaskStatuses() []domain.TaskStatus {
	return []domain.TaskStatus{domain.TaskCompleted, domain.TaskFailed, domain.TaskSkipped}
}

// AllRequiredTerminalNoFailure reports whether every required=true task
// in tasks is COMPLETED and none is FAILED (spec.md §3 job-completion
// invariant, §8 P4).
func AllRequiredTerminalNoFailure(tasks []domain.Task) bool {
	for _, t := range tasks {
		if !t.Required {
			continue
		}
		if t.Status == domain.TaskFailed {
			return false
		}
		if t.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// AnyRequiredFailed reports whether any required=true task has failed.
func AnyRequiredFailed(tasks []domain.Task) bool {
	for _, t := range tasks {
		if t.Required && t.Status == domain.TaskFailed {
			return true
		}
	}
	return false
}

// ReadyDependents returns every PENDING task in tasks whose dependencies
// are all satisfied (COMPLETED or SKIPPED) — the candidate set for the
// CAS loop in spec.md §4.5.2 step 3.
func ReadyDependents(tasks []domain.Task) []domain.Task {
	byID := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		byID[t.ID.String()] = t.Status
	}
	var ready []domain.Task
	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if domain.DependenciesSatisfied(t.Dependencies, byID) {
			ready = append(ready, t)
		}
	}
	return ready
}
