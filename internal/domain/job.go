package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle state of a Job, per spec.md §3.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a client transcription request and the root of a task DAG.
// A job exclusively owns its task set. The schema declares no foreign key
// from tasks.job_id to jobs.id (store.Open disables foreign-key creation
// during AutoMigrate), so deleting a job does not delete its tasks.
type Job struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Status   JobStatus `gorm:"column:status;not null;index" json:"status"`

	// AudioURI is an opaque locator for the source audio; the core never
	// reads or interprets it.
	AudioURI string `gorm:"column:audio_uri;not null" json:"audio_uri"`

	// Parameters is the opaque structured job configuration (language,
	// word_timestamps, speaker_detection, channel_split, enrichment
	// stages, preferred engines...).
	Parameters datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`

	// Error carries a stable category plus human-readable message when
	// Status == JobFailed, per spec.md §7.
	Error string `gorm:"column:error" json:"error,omitempty"`

	// Warnings accumulates non-fatal pipeline_warning entries (spec.md §7),
	// e.g. an optional enrichment/stage that exhausted its retries and was
	// skipped rather than failing the job outright.
	Warnings datatypes.JSON `gorm:"column:warnings;type:jsonb" json:"warnings,omitempty"`

	CreatedAt   time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// PipelineWarning is one non-fatal pipeline_warning entry recorded on a
// job's Warnings column (spec.md §4.5.3 step 1, §7): an optional task
// exhausted its retries and was skipped, so the job still completes but
// the client should be told a stage didn't run.
type PipelineWarning struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// IsTerminal reports whether the job has reached a status from which it
// cannot further transition.
func (j JobStatus) IsTerminal() bool {
	switch j {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
