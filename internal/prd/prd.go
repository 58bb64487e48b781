// Package prd reads, validates, and rewrites Product Requirements Documents.
//
// A PRD is the authoritative JSON file a loop drives to completion. The file
// on disk is always the source of truth; callers re-load before every
// iteration rather than trust an in-memory copy.
package prd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Type enumerates the PRD kinds.
type Type string

const (
	TypeFeature             Type = "feature"
	TypeBugInvestigation    Type = "bug-investigation"
	TypeInvestigation       Type = "investigation"
	DecisionStatusPending         = "pending"
	DecisionStatusAnswered        = "answered"
	DecisionStatusApplied         = "applied"
)

// Phase describes one phase of an investigation-style PRD.
type Phase struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	ExpandsTo           string `json:"expandsTo,omitempty"`
	Dynamic             bool   `json:"dynamic,omitempty"`
	RequiresAllPrevious bool   `json:"requiresAllPrevious,omitempty"`
}

// DecisionConfig gates a decision-gate story on a human-edited markdown file.
type DecisionConfig struct {
	Slug                 string   `json:"slug,omitempty"`
	InputFile            string   `json:"inputFile,omitempty"`
	Status               string   `json:"status,omitempty"`
	Options              []string `json:"options,omitempty"`
	AgentRecommendation  string   `json:"agentRecommendation,omitempty"`
	RecommendationReason string   `json:"recommendationReason,omitempty"`
	ConfidenceLevel      string   `json:"confidenceLevel,omitempty"`
	UserSelection        string   `json:"userSelection,omitempty"`
	UserNotes            string   `json:"userNotes,omitempty"`
}

// SpawnConfig controls sub-story spawning for stories with canSpawnStories.
type SpawnConfig struct {
	IDPrefix   string `json:"idPrefix,omitempty"`
	TargetPhase string `json:"targetPhase,omitempty"`
}

// Criterion is an acceptance criterion. Schema v1 PRDs store these as bare
// strings; schema >=2.0 stores {description, passes} objects. Reading
// normalizes both into this struct; writing reproduces whichever shape the
// source used (wasBare), except that a bare criterion now marked passing is
// written as an object.
type Criterion struct {
	Description string
	Passes      bool
	wasBare     bool
}

// UnmarshalJSON accepts either a bare string or a {description,passes} object.
func (c *Criterion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Description = s
		c.Passes = false
		c.wasBare = true
		return nil
	}
	var obj struct {
		Description string `json:"description"`
		Passes      bool   `json:"passes"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("acceptance criterion: neither string nor object: %w", err)
	}
	c.Description = obj.Description
	c.Passes = obj.Passes
	c.wasBare = false
	return nil
}

// MarshalJSON reproduces the bare-string shape if the criterion was read that
// way and still has passes=false, otherwise emits the object form.
func (c Criterion) MarshalJSON() ([]byte, error) {
	if c.wasBare && !c.Passes {
		return json.Marshal(c.Description)
	}
	obj := struct {
		Description string `json:"description"`
		Passes      bool   `json:"passes"`
	}{c.Description, c.Passes}
	return json.Marshal(obj)
}

// UserStory is one unit of work within a PRD.
type UserStory struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Priority            int             `json:"priority"`
	Passes             bool            `json:"passes"`
	Notes              string          `json:"notes,omitempty"`
	AcceptanceCriteria []Criterion     `json:"acceptanceCriteria,omitempty"`
	Phase              string          `json:"phase,omitempty"`
	Type               string          `json:"type,omitempty"`
	BlockedBy          []string        `json:"blockedBy,omitempty"`
	Blocks             []string        `json:"blocks,omitempty"`
	CanSpawnStories    bool            `json:"canSpawnStories,omitempty"`
	SpawnConfig        *SpawnConfig    `json:"spawnConfig,omitempty"`
	DecisionConfig     *DecisionConfig `json:"decisionConfig,omitempty"`
}

// IsDecisionGate reports whether this story is a decision-gate story.
func (s *UserStory) IsDecisionGate() bool {
	return s.Type == "decision-gate"
}

// BlockerSatisfied reports whether a blocking story (looked up by the caller)
// satisfies invariant 3: its own passes flag is true, or it is a decision
// gate whose decision has been applied.
func BlockerSatisfied(blocker *UserStory) bool {
	if blocker == nil {
		return false
	}
	if blocker.Passes {
		return true
	}
	if blocker.IsDecisionGate() && blocker.DecisionConfig != nil && blocker.DecisionConfig.Status == DecisionStatusApplied {
		return true
	}
	return false
}

// PRD is the full document.
type PRD struct {
	SchemaVersion  string      `json:"schemaVersion"`
	Project        string      `json:"project,omitempty"`
	TaskDir        string      `json:"taskDir,omitempty"`
	BranchName     string      `json:"branchName,omitempty"`
	Type           Type        `json:"type,omitempty"`
	Description    string      `json:"description,omitempty"`
	MergeTarget    string      `json:"mergeTarget,omitempty"`
	AutoMerge      bool        `json:"autoMerge,omitempty"`
	Agent          string      `json:"agent,omitempty"`
	Phases         []Phase     `json:"phases,omitempty"`
	UserStories    []UserStory `json:"userStories"`
	Checkpointed   bool        `json:"checkpointed,omitempty"`
	LastIteration  int         `json:"lastIteration,omitempty"`
	CheckpointReason string    `json:"checkpointReason,omitempty"`

	path string
}

// ConfigError marks a PRD problem that should surface immediately with a
// non-zero exit and never be recorded in the registry as "failed".
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Load reads and validates the PRD at path.
func Load(path string) (*PRD, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("reading PRD %s: %v", path, err)
	}
	var p PRD
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, configErrorf("parsing PRD %s: %v", path, err)
	}
	p.path = path
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks invariant 1 (unique ids) and the cyclic-reference
// invariant from the design notes. It does not check passes consistency —
// that is recomputed, not asserted, by Recompute.
func (p *PRD) Validate() error {
	seen := make(map[string]*UserStory, len(p.UserStories))
	for i := range p.UserStories {
		s := &p.UserStories[i]
		if s.ID == "" {
			return configErrorf("user story at index %d has no id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return configErrorf("duplicate story id %q", s.ID)
		}
		seen[s.ID] = s
	}
	for id, s := range seen {
		for _, b := range s.BlockedBy {
			if _, ok := seen[b]; !ok {
				return configErrorf("story %s blockedBy unknown id %q", id, b)
			}
		}
	}
	if cyc := findCycle(seen); cyc != "" {
		return configErrorf("cyclic blockedBy reference involving %s", cyc)
	}
	return nil
}

func findCycle(byID map[string]*UserStory) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, b := range byID[id].BlockedBy {
			switch color[b] {
			case gray:
				return b
			case white:
				if c := visit(b); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range byID {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// Recompute enforces invariant 2: for schema >=2.0 a story's Passes is the
// AND of its criteria; for schema v1 Passes is left authoritative as read.
func (p *PRD) Recompute() {
	if p.schemaAtLeast(2, 0) {
		for i := range p.UserStories {
			s := &p.UserStories[i]
			if len(s.AcceptanceCriteria) == 0 {
				continue
			}
			all := true
			for _, c := range s.AcceptanceCriteria {
				if !c.Passes {
					all = false
					break
				}
			}
			s.Passes = all
		}
	}
}

func (p *PRD) schemaAtLeast(major, minor int) bool {
	var m, n int
	fmt.Sscanf(p.SchemaVersion, "%d.%d", &m, &n)
	if m != major {
		return m > major
	}
	return n >= minor
}

// AllPass reports whether every story has passes=true.
func (p *PRD) AllPass() bool {
	for _, s := range p.UserStories {
		if !s.Passes {
			return false
		}
	}
	return true
}

// CompletedCount returns (passed, total).
func (p *PRD) CompletedCount() (passed, total int) {
	for _, s := range p.UserStories {
		total++
		if s.Passes {
			passed++
		}
	}
	return
}

// StoryByID looks up a story by id.
func (p *PRD) StoryByID(id string) *UserStory {
	for i := range p.UserStories {
		if p.UserStories[i].ID == id {
			return &p.UserStories[i]
		}
	}
	return nil
}

// Eligible reports whether a story may be selected for execution: not
// passing, and every blocker satisfied (invariant 3/4).
func (p *PRD) Eligible(s *UserStory) bool {
	if s.Passes {
		return false
	}
	// Invariant 4: a decision-gate story is itself ineligible for
	// auto-completion until its decision has been applied.
	if s.IsDecisionGate() && (s.DecisionConfig == nil || s.DecisionConfig.Status != DecisionStatusApplied) {
		return false
	}
	for _, bID := range s.BlockedBy {
		if !BlockerSatisfied(p.StoryByID(bID)) {
			return false
		}
	}
	return true
}

// SelectStory returns the eligible story with the lowest priority, ties
// broken by id ascending, or nil if none are eligible.
func (p *PRD) SelectStory() *UserStory {
	var best *UserStory
	for i := range p.UserStories {
		s := &p.UserStories[i]
		if !p.Eligible(s) {
			continue
		}
		if best == nil || s.Priority < best.Priority || (s.Priority == best.Priority && s.ID < best.ID) {
			best = s
		}
	}
	return best
}

// PendingDecisionFiles lists the decision input files of pending, unapplied
// decision-gate stories that currently block at least one non-passing story.
func (p *PRD) PendingDecisionFiles() []string {
	blocking := make(map[string]bool)
	for _, s := range p.UserStories {
		if s.Passes {
			continue
		}
		for _, b := range s.BlockedBy {
			blocking[b] = true
		}
	}
	var files []string
	for _, s := range p.UserStories {
		if !s.IsDecisionGate() || s.DecisionConfig == nil {
			continue
		}
		if s.DecisionConfig.Status == DecisionStatusApplied {
			continue
		}
		if !blocking[s.ID] {
			continue
		}
		if s.DecisionConfig.InputFile != "" {
			files = append(files, s.DecisionConfig.InputFile)
		}
	}
	sort.Strings(files)
	return files
}

// SetCheckpoint records a checkpoint block at the PRD top level.
func (p *PRD) SetCheckpoint(lastIteration int, reason string) {
	p.Checkpointed = true
	p.LastIteration = lastIteration
	p.CheckpointReason = reason
}

// ClearCheckpoint removes the checkpoint block, returning the resume
// iteration (lastIteration+1) if one was present.
func (p *PRD) ClearCheckpoint() (resumeFrom int, hadCheckpoint bool) {
	if !p.Checkpointed {
		return 0, false
	}
	resumeFrom = p.LastIteration + 1
	p.Checkpointed = false
	p.LastIteration = 0
	p.CheckpointReason = ""
	return resumeFrom, true
}

// Save writes the PRD back to its source path (or to path if non-empty),
// using a write-to-temp-then-rename strategy with stable key ordering, so
// repeated Load/Save of a file Save wrote is byte-identical. A file written
// elsewhere is re-encoded on its first Save: indentation and key order follow
// the struct, and keys the struct does not model are dropped.
func (p *PRD) Save(path string) error {
	if path == "" {
		path = p.path
	}
	if path == "" {
		return fmt.Errorf("prd: no path to save to")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encoding PRD: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".prd-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp PRD file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp PRD file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp PRD file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp PRD file into place: %w", err)
	}
	p.path = path
	return nil
}

// Path returns the path the PRD was loaded from or last saved to.
func (p *PRD) Path() string { return p.path }

// TaskName derives the registry key from a task directory's leaf name.
func TaskName(taskDir string) string {
	return filepath.Base(filepath.Clean(taskDir))
}
