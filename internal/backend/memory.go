package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/joescharf/conductor/internal/apperr"
)

// Memory is an in-process tracker with every capability. Issues are kept per
// repository; top-level ids are "<dir>-<n>" and children "<parent>.<n>".
type Memory struct {
	mu    sync.Mutex
	repos map[string]*memRepo
	caps  Capabilities

	// BeforeCreate, when set, runs before every create and may veto it.
	BeforeCreate func(repo string, in CreateInput) error
}

type memRepo struct {
	issues   map[string]*Issue
	order    []string
	next     int
	children map[string]int
	deps     map[string][]string
}

// NewMemory returns an empty in-process tracker.
func NewMemory() *Memory {
	return &Memory{
		repos: make(map[string]*memRepo),
		caps: Capabilities{
			Create: true, Update: true, Delete: true, Close: true,
			Search: true, Query: true, ListReady: true,
			Dependencies: true, Labels: true, Sync: true,
		},
	}
}

// WithCapabilities overrides the declared capability record.
func (m *Memory) WithCapabilities(c Capabilities) *Memory {
	m.caps = c
	return m
}

func (m *Memory) Kind() string               { return KindMemory }
func (m *Memory) Capabilities() Capabilities { return m.caps }

func (m *Memory) repo(path string) *memRepo {
	r, ok := m.repos[path]
	if !ok {
		r = &memRepo{
			issues:   make(map[string]*Issue),
			children: make(map[string]int),
			deps:     make(map[string][]string),
		}
		m.repos[path] = r
	}
	return r
}

func (m *Memory) get(repo, id string) (*Issue, error) {
	r := m.repo(repo)
	is, ok := r.issues[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "issue %s not found", id)
	}
	return is, nil
}

func clone(is *Issue) Issue {
	c := *is
	c.Labels = slices.Clone(is.Labels)
	return c
}

func (m *Memory) List(_ context.Context, repo string, f ListFilter) ([]Issue, error) {
	if err := AssertCapability(m.caps, CapQuery); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.repo(repo)
	var out []Issue
	for _, id := range r.order {
		is := r.issues[id]
		switch {
		case f.Status != "" && is.Status != f.Status:
			continue
		case f.Status == "" && !f.IncludeClosed && is.Status == StatusClosed:
			continue
		case f.Label != "" && !is.HasLabel(f.Label):
			continue
		case f.Parent != "" && is.Parent != f.Parent:
			continue
		}
		out = append(out, clone(is))
	}
	return out, nil
}

func (m *Memory) Show(_ context.Context, repo, id string) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(repo, id)
	if err != nil {
		return nil, err
	}
	c := clone(is)
	return &c, nil
}

func (m *Memory) Search(_ context.Context, repo, query string) ([]Issue, error) {
	if err := AssertCapability(m.caps, CapSearch); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(query)
	r := m.repo(repo)
	var out []Issue
	for _, id := range r.order {
		is := r.issues[id]
		if strings.Contains(strings.ToLower(is.Title), q) || strings.Contains(strings.ToLower(is.Description), q) {
			out = append(out, clone(is))
		}
	}
	return out, nil
}

// Ready lists open issues whose dependencies are all closed.
func (m *Memory) Ready(_ context.Context, repo string) ([]Issue, error) {
	if err := AssertCapability(m.caps, CapListReady); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.repo(repo)
	var out []Issue
	for _, id := range r.order {
		is := r.issues[id]
		if is.Status != StatusOpen {
			continue
		}
		blocked := false
		for _, dep := range r.deps[id] {
			if d, ok := r.issues[dep]; ok && d.Status != StatusClosed {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, clone(is))
		}
	}
	return out, nil
}

// Dependencies returns the ids id depends on.
func (m *Memory) Dependencies(repo, id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.repo(repo).deps[id])
}

func (m *Memory) Create(_ context.Context, repo string, in CreateInput) (*Issue, error) {
	if err := AssertCapability(m.caps, CapCreate); err != nil {
		return nil, err
	}
	if len(in.Labels) > 0 {
		if err := AssertCapability(m.caps, CapLabels); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.New(apperr.InvalidInput, "title is required")
	}
	if m.BeforeCreate != nil {
		if err := m.BeforeCreate(repo, in); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.repo(repo)
	var id string
	if in.Parent != "" {
		if _, ok := r.issues[in.Parent]; !ok {
			return nil, apperr.New(apperr.NotFound, "parent issue %s not found", in.Parent)
		}
		r.children[in.Parent]++
		id = fmt.Sprintf("%s.%d", in.Parent, r.children[in.Parent])
	} else {
		r.next++
		id = fmt.Sprintf("%s-%d", prefixFor(repo), r.next)
	}

	status := in.Status
	if status == "" {
		status = StatusOpen
	}
	typ := in.Type
	if typ == "" {
		typ = "task"
	}
	is := &Issue{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Notes:       in.Notes,
		Acceptance:  in.Acceptance,
		Status:      status,
		Priority:    in.Priority,
		Type:        typ,
		Labels:      uniqueLabels(in.Labels),
		Assignee:    in.Assignee,
		Parent:      in.Parent,
	}
	r.issues[id] = is
	r.order = append(r.order, id)
	c := clone(is)
	return &c, nil
}

func prefixFor(repo string) string {
	base := strings.ToLower(filepath.Base(filepath.Clean(repo)))
	if base == "" || base == "." || base == "/" {
		return "mem"
	}
	return base
}

func (m *Memory) Update(_ context.Context, repo, id string, in UpdateInput) error {
	if err := AssertCapability(m.caps, CapUpdate); err != nil {
		return err
	}
	if len(in.AddLabels)+len(in.RemoveLabels) > 0 {
		if err := AssertCapability(m.caps, CapLabels); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	is, err := m.get(repo, id)
	if err != nil {
		return err
	}
	if in.Title != "" {
		is.Title = in.Title
	}
	if in.Description != "" {
		is.Description = in.Description
	}
	if in.Notes != "" {
		is.Notes = in.Notes
	}
	if in.Acceptance != "" {
		is.Acceptance = in.Acceptance
	}
	if in.Status != "" {
		is.Status = in.Status
	}
	if in.Priority != nil {
		is.Priority = *in.Priority
	}
	if in.Assignee != "" {
		is.Assignee = in.Assignee
	}
	if in.Parent != "" {
		if in.Parent == id {
			return apperr.New(apperr.InvalidInput, "issue %s cannot be its own parent", id)
		}
		if _, ok := m.repo(repo).issues[in.Parent]; !ok {
			return apperr.New(apperr.NotFound, "parent issue %s not found", in.Parent)
		}
		is.Parent = in.Parent
	}
	is.Labels = uniqueLabels(append(is.Labels, in.AddLabels...))
	is.Labels = slices.DeleteFunc(is.Labels, func(l string) bool {
		return slices.Contains(in.RemoveLabels, l)
	})
	return nil
}

func (m *Memory) Close(_ context.Context, repo, id, _ string) error {
	if err := AssertCapability(m.caps, CapClose); err != nil {
		return err
	}
	return m.setStatus(repo, id, StatusClosed)
}

func (m *Memory) setStatus(repo, id string, s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, err := m.get(repo, id)
	if err != nil {
		return err
	}
	is.Status = s
	return nil
}

func (m *Memory) Delete(_ context.Context, repo, id string) error {
	if err := AssertCapability(m.caps, CapDelete); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.repo(repo)
	if _, ok := r.issues[id]; !ok {
		return apperr.New(apperr.NotFound, "issue %s not found", id)
	}
	delete(r.issues, id)
	delete(r.deps, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return nil
}

func (m *Memory) AddLabel(ctx context.Context, repo, id, label string) error {
	return m.Update(ctx, repo, id, UpdateInput{AddLabels: []string{label}})
}

func (m *Memory) RemoveLabel(ctx context.Context, repo, id, label string) error {
	return m.Update(ctx, repo, id, UpdateInput{RemoveLabels: []string{label}})
}

func (m *Memory) AddDependency(_ context.Context, repo, id, dependsOn string) error {
	if err := AssertCapability(m.caps, CapDependencies); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.repo(repo)
	for _, x := range []string{id, dependsOn} {
		if _, ok := r.issues[x]; !ok {
			return apperr.New(apperr.NotFound, "issue %s not found", x)
		}
	}
	if id == dependsOn {
		return apperr.New(apperr.InvalidInput, "issue %s cannot depend on itself", id)
	}
	if !slices.Contains(r.deps[id], dependsOn) {
		r.deps[id] = append(r.deps[id], dependsOn)
	}
	return nil
}

func (m *Memory) Sync(context.Context, string) error {
	return AssertCapability(m.caps, CapSync)
}

func (m *Memory) StageForVerification(ctx context.Context, repo, id string) error {
	if err := AssertCapability(m.caps, CapUpdate, CapLabels); err != nil {
		return err
	}
	return m.Update(ctx, repo, id, UpdateInput{Status: StatusInProgress, AddLabels: []string{LabelStageVerification}})
}

func (m *Memory) RetryAfterRejection(ctx context.Context, repo, id string) error {
	return m.Update(ctx, repo, id, UpdateInput{
		AddLabels:    []string{LabelStageRetry},
		RemoveLabels: []string{LabelStageVerification, LabelTransitionVerification},
	})
}

func (m *Memory) PassVerification(ctx context.Context, repo, id string) error {
	if err := AssertCapability(m.caps, CapClose, CapLabels); err != nil {
		return err
	}
	if err := m.Update(ctx, repo, id, UpdateInput{
		RemoveLabels: []string{LabelStageVerification, LabelTransitionVerification},
	}); err != nil {
		return err
	}
	return m.setStatus(repo, id, StatusClosed)
}

func (m *Memory) Claim(_ context.Context, repo, id string) error {
	if err := AssertCapability(m.caps, CapUpdate); err != nil {
		return err
	}
	return m.setStatus(repo, id, StatusInProgress)
}

func (m *Memory) SetWorkflowState(_ context.Context, repo, id string, s Status) error {
	if err := AssertCapability(m.caps, CapUpdate); err != nil {
		return err
	}
	return m.setStatus(repo, id, s)
}
