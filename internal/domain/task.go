package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dependencies is a JSONB array of predecessor task ids. Stored as JSON
// rather than a Postgres text[] so it shares the same datatypes.JSON
// column family as Parameters/Config without pulling in a second
// Postgres-array driver dependency.
type Dependencies []string

// Scan implements sql.Scanner over the same jsonb encoding gorm.io/datatypes
// uses for Config/Parameters.
func (d *Dependencies) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		raw = nil
	}
	if len(raw) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(raw, d)
}

// Value implements driver.Valuer.
func (d Dependencies) Value() (interface{}, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal(d)
	return string(b), err
}

// GormDataType tells gorm to render this column as jsonb.
func (Dependencies) GormDataType() string { return "jsonb" }

// TaskStatus is the lifecycle state of a Task, per spec.md §3.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// IsDependencySatisfying reports whether a task in this status satisfies
// a dependent's wait (spec.md §3 invariants: "COMPLETED or SKIPPED").
func (s TaskStatus) IsDependencySatisfying() bool {
	return s == TaskCompleted || s == TaskSkipped
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// Task is one node of a job's DAG. Exactly one task row exists per
// (job_id, stage) — enforced by a unique index, with per-channel stages
// embedding the channel index into the stage name so the pair stays
// unique (spec.md §3).
type Task struct {
	ID       uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"job_id"`
	Stage    string     `gorm:"column:stage;not null;index" json:"stage"`
	EngineID string     `gorm:"column:engine_id" json:"engine_id,omitempty"`
	Status   TaskStatus `gorm:"column:status;not null;index" json:"status"`

	// Dependencies references task IDs within the same job.
	Dependencies Dependencies `gorm:"column:dependencies;type:jsonb" json:"dependencies,omitempty"`

	// Config is the opaque per-engine task configuration, including a
	// stage-specific runtime_model_id when the selected engine is a
	// multi-variant runtime (spec.md §4.4).
	Config datatypes.JSON `gorm:"column:config;type:jsonb" json:"config,omitempty"`

	InputURI  string `gorm:"column:input_uri" json:"input_uri,omitempty"`
	OutputURI string `gorm:"column:output_uri" json:"output_uri,omitempty"`

	Retries        int  `gorm:"column:retries;not null;default:0" json:"retries"`
	MaxRetries     int  `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Required       bool `gorm:"column:required;not null;default:true" json:"required"`
	DeliveryCount  int  `gorm:"column:delivery_count;not null;default:0" json:"delivery_count"`
	ReselectCount  int  `gorm:"column:reselect_count;not null;default:0" json:"reselect_count"`

	Error string `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// DependenciesSatisfied reports whether every dependency id in deps has a
// satisfying status in the provided lookup (spec.md §3 invariant: "A task
// enters READY iff all its dependencies are COMPLETED or SKIPPED").
func DependenciesSatisfied(deps []string, byID map[string]TaskStatus) bool {
	for _, id := range deps {
		st, ok := byID[id]
		if !ok || !st.IsDependencySatisfying() {
			return false
		}
	}
	return true
}

// AnyDependencyFailed reports whether any dependency id is in a failed
// state, which propagates failure to dependents rather than letting them
// become READY.
func AnyDependencyFailed(deps []string, byID map[string]TaskStatus) bool {
	for _, id := range deps {
		if byID[id] == TaskFailed {
			return true
		}
	}
	return false
}
