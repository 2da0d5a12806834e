package domain

// SpeakerDetection enumerates the client's requested diarization mode
// (spec.md §9(c): per-channel speaker detection never runs diarize,
// since speaker identity is already defined by channel assignment).
type SpeakerDetection string

const (
	SpeakerDetectionNone       SpeakerDetection = "none"
	SpeakerDetectionStandard   SpeakerDetection = "standard"
	SpeakerDetectionPerChannel SpeakerDetection = "per_channel"
)

// EnrichmentStage names an optional post-processing stage. Per spec.md
// §9(b), every enrichment stage is built with Required=false.
type EnrichmentStage string

const (
	EnrichmentDetectEmotions EnrichmentStage = "detect_emotions"
	EnrichmentDetectEvents   EnrichmentStage = "detect_events"
	EnrichmentRefine         EnrichmentStage = "refine"
	EnrichmentPIIDetect      EnrichmentStage = "pii_detect"
	EnrichmentAudioRedact    EnrichmentStage = "audio_redact"
)

// JobParameters is the client-supplied, opaque-to-the-gateway
// configuration that drives DAG shape (spec.md §3 Job.Parameters, §4.4).
type JobParameters struct {
	Language         string            `json:"language"`
	WordTimestamps   bool              `json:"word_timestamps"`
	SpeakerDetection SpeakerDetection  `json:"speaker_detection"`
	ChannelCount     int               `json:"channel_count,omitempty"`
	Enrichments      []EnrichmentStage `json:"enrichments,omitempty"`

	// PreferredEngines optionally pins a stage to a specific engine id,
	// validated by the selector rather than assumed (spec.md §4.3 step 1).
	PreferredEngines map[string]string `json:"preferred_engines,omitempty"`

	// AudioDurationSeconds feeds the per-stage absolute timeout
	// derivation (duration x rtf_gpu x safety factor, spec.md §4.5.1 step 5).
	AudioDurationSeconds float64 `json:"audio_duration_seconds,omitempty"`
}

// AudioDurationSecondsOrDefault returns a minimum sane duration estimate
// when the client didn't supply one, so timeout derivation never divides
// by (or multiplies by) zero.
func (p JobParameters) AudioDurationSecondsOrDefault() float64 {
	if p.AudioDurationSeconds > 0 {
		return p.AudioDurationSeconds
	}
	return 60
}

// IsPerChannel reports whether the client requested a channel split.
func (p JobParameters) IsPerChannel() bool {
	return p.ChannelCount > 1
}
