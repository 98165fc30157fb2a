package backend

import (
	"slices"
	"strings"
)

// Status is the compat status vocabulary every backend is mapped onto.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
)

// Issue is a unit of tracked work ("bead"). Priority 0 is highest.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Acceptance  string   `json:"acceptance,omitempty"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"`
	Type        string   `json:"type,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Due         string   `json:"due,omitempty"`
	Estimate    int      `json:"estimate,omitempty"`
}

// HasLabel reports whether the issue carries label.
func (i *Issue) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// CreateInput describes a new issue.
type CreateInput struct {
	Title       string
	Description string
	Notes       string
	Acceptance  string
	Priority    int
	Type        string
	Labels      []string
	Assignee    string
	Parent      string
	Status      Status
}

// UpdateInput is a partial update; zero fields are left untouched.
type UpdateInput struct {
	Title        string
	Description  string
	Notes        string
	Acceptance   string
	Status       Status
	Priority     *int
	Assignee     string
	Parent       string
	AddLabels    []string
	RemoveLabels []string
}

// ListFilter narrows a listing.
type ListFilter struct {
	Status        Status
	Label         string
	Parent        string
	IncludeClosed bool
}

// signature identifies a filter for cache keying.
func (f ListFilter) signature() string {
	return strings.Join([]string{
		"status=" + string(f.Status),
		"label=" + f.Label,
		"parent=" + f.Parent,
		"closed=" + boolString(f.IncludeClosed),
	}, "&")
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// uniqueLabels returns labels with duplicates and blanks removed, keeping
// first-seen order.
func uniqueLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// deriveParentID derives a parent from the dotted child-id convention:
// "bd-a1.2.3" -> "bd-a1.2", "bd-a1" -> "".
func deriveParentID(id string) string {
	i := strings.LastIndex(id, ".")
	if i <= 0 {
		return ""
	}
	return id[:i]
}
