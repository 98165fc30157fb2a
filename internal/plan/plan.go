// Package plan models the wave plans produced by planners and reviewed by
// callers before they are applied to a tracker.
package plan

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/joescharf/conductor/internal/apperr"
	"github.com/joescharf/conductor/internal/slug"
)

// Plan is the decomposition of an objective into waves.
type Plan struct {
	Summary            string   `json:"summary" yaml:"summary"`
	Waves              []Wave   `json:"waves" yaml:"waves"`
	Assumptions        []string `json:"assumptions,omitempty" yaml:"assumptions,omitempty"`
	UnassignedIssueIDs []string `json:"unassignedIssueIds,omitempty" yaml:"unassignedIssueIds,omitempty"`
}

// Wave is a group of issues and agent roles applied as a unit.
type Wave struct {
	Index     int         `json:"waveIndex" yaml:"waveIndex"`
	Name      string      `json:"name" yaml:"name"`
	Slug      string      `json:"slug" yaml:"slug"`
	Objective string      `json:"objective" yaml:"objective"`
	Agents    []AgentSpec `json:"agents" yaml:"agents"`
	Issues    []IssueRef  `json:"issues" yaml:"issues"`
	Notes     string      `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// AgentSpec asks for Count agents playing Role.
type AgentSpec struct {
	Role      string `json:"role" yaml:"role"`
	Count     int    `json:"count" yaml:"count"`
	Specialty string `json:"specialty,omitempty" yaml:"specialty,omitempty"`
}

// IssueRef points at an existing tracker issue (ID set) or describes one to
// create (ID empty).
type IssueRef struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Title string `json:"title" yaml:"title"`
}

// DefaultRole is assigned to waves that name no agents.
const DefaultRole = "implementer"

// WaveLabelPrefix prefixes the wave-membership label on applied issues.
const WaveLabelPrefix = "orchestration:wave:"

// WaveLabel returns the membership label for a wave slug.
func WaveLabel(s string) string { return WaveLabelPrefix + s }

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Assumptions = slices.Clone(p.Assumptions)
	c.UnassignedIssueIDs = slices.Clone(p.UnassignedIssueIDs)
	c.Waves = make([]Wave, len(p.Waves))
	for i, w := range p.Waves {
		w.Agents = slices.Clone(w.Agents)
		w.Issues = slices.Clone(w.Issues)
		c.Waves[i] = w
	}
	return &c
}

// IssueCount returns the number of issue references across all waves.
func (p *Plan) IssueCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.Issues)
	}
	return n
}

// Normalize cleans a plan in place:
//   - issue refs with neither id nor title are dropped
//   - waves left without issues are dropped
//   - waves are ordered by their index and renumbered from 1
//   - missing names, objectives and agents get defaults; counts are at least 1
//   - slugs are normalized, deduplicated, and allocated where missing
//
// A plan with no waves left is rejected with INVALID_INPUT.
func Normalize(p *Plan, alloc *slug.Allocator) error {
	if p == nil {
		return apperr.New(apperr.InvalidInput, "plan is required")
	}

	waves := make([]Wave, 0, len(p.Waves))
	for _, w := range p.Waves {
		w.Issues = cleanRefs(w.Issues)
		if len(w.Issues) == 0 {
			continue
		}
		waves = append(waves, w)
	}
	if len(waves) == 0 {
		return apperr.New(apperr.InvalidInput, "plan has no waves with issues")
	}
	slices.SortStableFunc(waves, func(a, b Wave) int { return a.Index - b.Index })

	used := make(map[string]bool, len(waves))
	for i := range waves {
		w := &waves[i]
		w.Index = i + 1
		w.Name = strings.TrimSpace(w.Name)
		if w.Name == "" {
			w.Name = fmt.Sprintf("Wave %d", w.Index)
		}
		w.Objective = strings.TrimSpace(w.Objective)
		if w.Objective == "" {
			w.Objective = defaultObjective(w)
		}
		w.Agents = cleanAgents(w.Agents)
		w.Slug = alloc.Allocate(used, w.Slug)
	}

	p.Waves = waves
	p.Summary = strings.TrimSpace(p.Summary)
	return nil
}

func cleanRefs(refs []IssueRef) []IssueRef {
	out := make([]IssueRef, 0, len(refs))
	for _, r := range refs {
		r.ID = strings.TrimSpace(r.ID)
		r.Title = strings.TrimSpace(r.Title)
		if r.ID == "" && r.Title == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

func cleanAgents(agents []AgentSpec) []AgentSpec {
	out := make([]AgentSpec, 0, len(agents))
	for _, a := range agents {
		a.Role = strings.TrimSpace(a.Role)
		if a.Role == "" {
			continue
		}
		if a.Count < 1 {
			a.Count = 1
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		out = append(out, AgentSpec{Role: DefaultRole, Count: 1})
	}
	return out
}

func defaultObjective(w *Wave) string {
	if len(w.Issues) == 1 {
		return "Complete " + refLabel(w.Issues[0])
	}
	return fmt.Sprintf("Complete %d issues", len(w.Issues))
}

func refLabel(r IssueRef) string {
	if r.Title != "" {
		return r.Title
	}
	return r.ID
}

// Parse extracts a plan from planner output. The JSON object may be bare,
// inside a markdown fence, or surrounded by prose.
func Parse(text string) (*Plan, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, apperr.New(apperr.InvalidInput, "planner output contains no JSON plan")
	}
	var p Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "parse plan JSON")
	}
	return &p, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
