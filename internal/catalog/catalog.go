// Package catalog loads the generated, build-time JSON document describing
// every engine that could be started, and answers "what could run?" when no
// engines are live in the Registry yet.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dalston/orchestrator-core/internal/domain"
)

// Entry is a static description of a deployable engine: its capabilities
// plus the image reference used to start it.
type Entry struct {
	ID           string              `json:"id"`
	Image        string              `json:"image"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// Catalog is immutable after Load; every query is a read of an in-memory
// slice built once at process start (spec.md §4.1).
type Catalog struct {
	entries  []Entry
	byID     map[string]Entry
	byStage  map[string][]Entry
}

// Load reads and validates the generated catalog JSON file at path,
// failing process start on a malformed document (spec.md §7
// schema_violation at the catalog loader).
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file %q: %w", path, err)
	}

	var doc struct {
		Engines []Entry `json:"engines"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog file %q: %w", path, err)
	}

	return build(doc.Engines)
}

// LoadEntries builds a Catalog directly from already-parsed entries, used
// by the catalog generator (which validates per-engine YAML metadata
// before aggregating) and by tests.
func LoadEntries(entries []Entry) (*Catalog, error) {
	return build(entries)
}

func build(entries []Entry) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[string]Entry, len(entries)),
		byStage: make(map[string][]Entry),
	}
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("schema_violation: %w", err)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("schema_violation: duplicate engine id %q", e.ID)
		}
		c.byID[e.ID] = e
		for _, stage := range e.Capabilities.Stage {
			c.byStage[stage] = append(c.byStage[stage], e)
		}
	}
	c.entries = entries
	for stage := range c.byStage {
		sort.Slice(c.byStage[stage], func(i, j int) bool {
			return c.byStage[stage][i].ID < c.byStage[stage][j].ID
		})
	}
	return c, nil
}

func validateEntry(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("engine entry missing id")
	}
	if e.Image == "" {
		return fmt.Errorf("engine %q missing image", e.ID)
	}
	if len(e.Capabilities.Stage) == 0 {
		return fmt.Errorf("engine %q declares no stages", e.ID)
	}
	return nil
}

// GetEnginesForStage returns the stage's catalog entries (spec.md §4.1
// get_engines_for_stage).
func (c *Catalog) GetEnginesForStage(stage string) []Entry {
	src := c.byStage[stage]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Get returns a single entry by engine id.
func (c *Catalog) Get(id string) (Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// FindEngines additionally filters GetEnginesForStage by hard requirements
// (language containment, streaming) — spec.md §4.1 find_engines.
func (c *Catalog) FindEngines(stage string, requirements Requirements) []Entry {
	var out []Entry
	for _, e := range c.GetEnginesForStage(stage) {
		if !requirements.Satisfies(e.Capabilities) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// All returns every catalog entry, in load order.
func (c *Catalog) All() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Requirements mirrors the hard-requirement fields used by both catalog
// lookup and the live selector, so the two stay in lockstep (spec.md §4.3).
type Requirements struct {
	Language          string
	RequireStreaming  bool
}

// Satisfies reports whether caps meets these hard requirements.
func (r Requirements) Satisfies(caps domain.Capabilities) bool {
	if !caps.SupportsLanguage(r.Language) {
		return false
	}
	if r.RequireStreaming && !caps.SupportsStreaming {
		return false
	}
	return true
}
