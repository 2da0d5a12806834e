package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dalston/orchestrator-core/internal/domain"
)

// EngineMetadata is the per-engine YAML document baked into each engine's
// container (spec.md §6 "Engine metadata file"). The catalog generator
// aggregates these into the build-time JSON catalog; the Engine Runner
// publishes the same capabilities block via heartbeat.
type EngineMetadata struct {
	SchemaVersion int    `yaml:"schema_version"`
	ID            string `yaml:"id"`
	Stage         string `yaml:"stage"`
	Version       string `yaml:"version"`
	Image         string `yaml:"image"`

	Capabilities struct {
		Languages        []string `yaml:"languages"`
		MaxAudioDuration int      `yaml:"max_audio_duration"`
		Streaming        bool     `yaml:"streaming"`
		WordTimestamps   bool     `yaml:"word_timestamps"`
		IncludesDiarize  bool     `yaml:"includes_diarization"`
	} `yaml:"capabilities"`

	Hardware *struct {
		Accelerator string `yaml:"accelerator,omitempty"`
		MinVRAMGB   int    `yaml:"min_vram_gb,omitempty"`
	} `yaml:"hardware,omitempty"`

	Performance *struct {
		RTFGPU float64 `yaml:"rtf_gpu,omitempty"`
	} `yaml:"performance,omitempty"`
}

// LoadMetadataFile parses and schema-validates a single engine metadata
// YAML file (spec.md §7 "schema_violation on engine metadata").
func LoadMetadataFile(path string) (EngineMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineMetadata{}, fmt.Errorf("reading engine metadata %q: %w", path, err)
	}
	var m EngineMetadata
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return EngineMetadata{}, fmt.Errorf("schema_violation: parsing %q: %w", path, err)
	}
	if err := ValidateMetadata(m); err != nil {
		return EngineMetadata{}, fmt.Errorf("schema_violation: %q: %w", path, err)
	}
	return m, nil
}

// ValidateMetadata enforces the required-field shape described in
// spec.md §6: schema_version, id, stage and image must be set, and a
// declared performance rtf_gpu must not be negative. The capabilities
// block is not checked; a document without one is accepted.
func ValidateMetadata(m EngineMetadata) error {
	if m.SchemaVersion == 0 {
		return fmt.Errorf("missing schema_version")
	}
	if m.ID == "" {
		return fmt.Errorf("missing id")
	}
	if m.Stage == "" {
		return fmt.Errorf("missing stage")
	}
	if m.Image == "" {
		return fmt.Errorf("engine %q missing image", m.ID)
	}
	if m.Performance != nil && m.Performance.RTFGPU < 0 {
		return fmt.Errorf("engine %q has negative rtf_gpu", m.ID)
	}
	return nil
}

func (m EngineMetadata) toEntry() Entry {
	return Entry{ID: m.ID, Image: m.Image, Capabilities: m.ToCapabilities()}
}

// ToCapabilities converts the YAML-shaped capabilities/performance/
// hardware blocks into the domain.Capabilities shared by Catalog and
// Registry entries, used directly by the Engine Runner when it
// heartbeats its own metadata (spec.md §4.2, §4.6).
func (m EngineMetadata) ToCapabilities() domain.Capabilities {
	caps := domain.Capabilities{
		Stage:                  []string{m.Stage},
		Languages:              m.Capabilities.Languages,
		SupportsWordTimestamps: m.Capabilities.WordTimestamps,
		IncludesDiarization:    m.Capabilities.IncludesDiarize,
		SupportsStreaming:      m.Capabilities.Streaming,
		MaxAudioDuration:       m.Capabilities.MaxAudioDuration,
	}
	if m.Performance != nil {
		caps.RTFGPU = m.Performance.RTFGPU
	}
	if m.Hardware != nil {
		caps.Resources = map[string]string{
			"accelerator": m.Hardware.Accelerator,
		}
	}
	return caps
}

// GenerateFromDir walks dir for engine metadata YAML files (*.yaml,
// *.yml), validates each, and aggregates them into catalog Entries —
// the build-time step that produces the generated JSON catalog file
// loaded by Load (spec.md §6 "Generated catalog file").
func GenerateFromDir(dir string) ([]Entry, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking engine metadata dir %q: %w", dir, err)
	}
	sort.Strings(files)

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		m, err := LoadMetadataFile(f)
		if err != nil {
			return nil, err
		}
		entries = append(entries, m.toEntry())
	}
	return entries, nil
}
