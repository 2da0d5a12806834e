package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/dalston/orchestrator-core/internal/domain"
)

// DecodeJobParameters is the default JobParamsLoader: it decodes a job's
// opaque Parameters JSONB column into domain.JobParameters (spec.md §3
// "Job.Parameters"). Kept outside internal/domain so domain stays free of
// JSON-decoding concerns.
func DecodeJobParameters(job *domain.Job) (domain.JobParameters, error) {
	var params domain.JobParameters
	if len(job.Parameters) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return params, fmt.Errorf("decoding job %s parameters: %w", job.ID, err)
	}
	return params, nil
}
