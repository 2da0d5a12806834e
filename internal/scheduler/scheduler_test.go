package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dalston/orchestrator-core/internal/config"
	"github.com/dalston/orchestrator-core/internal/domain"
)

func testScheduler(cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{cfg: cfg}
}

func TestDeriveTimeoutFallsBackToFloorWithoutRTFOrDuration(t *testing.T) {
	s := testScheduler(config.SchedulerConfig{AbsoluteTaskTimeout: config.Duration{Duration: 30 * time.Minute}})

	assert.Equal(t, 30*time.Minute, s.deriveTimeout(0, 120))
	assert.Equal(t, 30*time.Minute, s.deriveTimeout(0.2, 0))
}

func TestDeriveTimeoutScalesByAudioDurationAndRTFAndSafetyFactor(t *testing.T) {
	s := testScheduler(config.SchedulerConfig{
		AbsoluteTaskTimeout: config.Duration{Duration: time.Minute},
		TimeoutSafetyFactor: 3,
	})

	got := s.deriveTimeout(0.2, 600)
	assert.Equal(t, 360*time.Second, got)
}

func TestDeriveTimeoutNeverGoesBelowFloor(t *testing.T) {
	s := testScheduler(config.SchedulerConfig{
		AbsoluteTaskTimeout: config.Duration{Duration: time.Hour},
		TimeoutSafetyFactor: 3,
	})

	got := s.deriveTimeout(0.1, 10)
	assert.Equal(t, time.Hour, got, "a tiny estimate must still clamp up to the configured floor")
}

func TestCategoryOfParsesLeadingTaxonomyPrefix(t *testing.T) {
	assert.Equal(t, domain.ErrCategoryEngineDisappeared, categoryOf("engine_disappeared: engine whisper-1 vanished"))
	assert.Equal(t, domain.ErrCategoryTaskTimeout, categoryOf("task_timeout: idle beyond absolute per-task timeout"))
}

func TestCategoryOfDefaultsToEngineErrorForUnrecognizedReason(t *testing.T) {
	assert.Equal(t, domain.ErrCategoryEngineError, categoryOf("some unstructured crash message"))
}

func TestStageForSelectStripsChannelSuffix(t *testing.T) {
	assert.Equal(t, "transcribe", stageForSelect("transcribe_ch0"))
	assert.Equal(t, "merge", stageForSelect("merge"))
}
