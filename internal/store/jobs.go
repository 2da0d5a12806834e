package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dalston/orchestrator-core/internal/domain"
)

// JobStore is the CAS-guarded persistence boundary for Job rows.
type JobStore struct {
	db *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore { return &JobStore{db: db} }

func (s *JobStore) Create(job *domain.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(jobID uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	if err := s.db.Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return &job, nil
}

// ClaimPendingToRunning is the first CAS guard of spec.md §4.5.1 step 1:
// it moves the job row PENDING->RUNNING with an UPDATE guarded on
// status = pending, and RowsAffected decides whether this caller won.
// Returns claimed=false (no error) when another controller won the race
// or the job was already cancelled.
func (s *JobStore) ClaimPendingToRunning(jobID uuid.UUID) (claimed bool, err error) {
	now := time.Now().UTC()
	res := s.db.Model(&domain.Job{}).
		Where("id = ? AND status = ?", jobID, domain.JobPending).
		Updates(map[string]interface{}{
			"status":     domain.JobRunning,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claiming job %s: %w", jobID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Complete transitions a job to COMPLETED iff it isn't already terminal
// (spec.md §4.5.2 step 4).
func (s *JobStore) Complete(jobID uuid.UUID) error {
	now := time.Now().UTC()
	return s.db.Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":       domain.JobCompleted,
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

// Fail transitions a job to FAILED with a stable error category plus
// message (spec.md §7 "the job row's error carries a stable category
// plus a human-readable message"), unless it's already terminal.
func (s *JobStore) Fail(jobID uuid.UUID, errMsg string) error {
	now := time.Now().UTC()
	return s.db.Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":       domain.JobFailed,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

// Cancel implements the external CANCELLED transition (spec.md §5
// "Cancellation"). It is the only path into CANCELLED and is not gated
// by a prior status — any non-terminal job can be cancelled.
func (s *JobStore) Cancel(jobID uuid.UUID) error {
	now := time.Now().UTC()
	return s.db.Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", jobID, terminalJobStatuses()).
		Updates(map[string]interface{}{
			"status":       domain.JobCancelled,
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

// AppendWarning appends a pipeline_warning to a job's Warnings column
// (spec.md §4.5.3 step 1, §7), used when an optional task exhausts its
// retries and is skipped rather than failed. Read-modify-write rather
// than a CAS, since warnings are additive metadata, not a state
// transition another controller could race on.
func (s *JobStore) AppendWarning(jobID uuid.UUID, warning domain.PipelineWarning) error {
	var job domain.Job
	if err := s.db.Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("loading job %s to append warning: %w", jobID, err)
	}

	var warnings []domain.PipelineWarning
	if len(job.Warnings) > 0 {
		_ = json.Unmarshal(job.Warnings, &warnings)
	}
	warnings = append(warnings, warning)

	raw, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("marshaling warnings for job %s: %w", jobID, err)
	}
	return s.db.Model(&domain.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"warnings":   string(raw),
			"updated_at": time.Now().UTC(),
		}).Error
}

func terminalJobStatuses() []domain.JobStatus {
	return []domain.JobStatus{domain.JobCompleted, domain.JobFailed, domain.JobCancelled}
}
