package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/dalston/orchestrator-core/internal/runner"
)

// echoProcessor is a placeholder Processor: real engines replace this
// with actual audio-model inference (out of scope per spec.md §1
// Non-goals). It simply re-serializes the task's config so the runner
// loop, ack/publish wiring, and object-storage write can be exercised
// end-to-end without a real model.
type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, in runner.TaskInput) (runner.TaskOutput, error) {
	payload, err := json.Marshal(map[string]any{
		"task_id": in.TaskID,
		"job_id":  in.JobID,
		"stage":   in.Stage,
		"config":  in.Config,
	})
	if err != nil {
		return runner.TaskOutput{}, fmt.Errorf("marshaling demo output: %w", err)
	}
	return runner.TaskOutput{Payload: payload}, nil
}

// localObjectStore writes task output under dir, keyed by (job_id,
// task_id) so repeated writes for the same task are idempotent (spec.md
// §5 "object-storage writes are idempotent because keys are derived
// from (job_id, task_id)").
type localObjectStore struct {
	dir string
}

func (s localObjectStore) Put(ctx context.Context, jobID, taskID uuid.UUID, payload []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating object store dir %q: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", jobID, taskID))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("writing object %q: %w", path, err)
	}
	return "file://" + path, nil
}

// staticModelLoader simulates a single-variant runtime with no actual
// model swap cost, used when the demo engine's metadata declares no
// multi-variant runtime_model_id.
type staticModelLoader struct {
	mu      sync.Mutex
	current string
}

func newStaticModelLoader() *staticModelLoader { return &staticModelLoader{current: "default"} }

func (m *staticModelLoader) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *staticModelLoader) Load(ctx context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = modelID
	return nil
}
