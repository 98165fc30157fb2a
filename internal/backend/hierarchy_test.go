package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.ID
	}
	return out
}

func notClosed(is Issue) bool { return is.Status != StatusClosed }

func TestVisibleWithAncestors_FullChainRetained(t *testing.T) {
	issues := []Issue{
		{ID: "a", Status: StatusOpen},
		{ID: "a.1", Parent: "a", Status: StatusOpen},
		{ID: "a.1.1", Parent: "a.1", Status: StatusOpen},
	}
	assert.Equal(t, []string{"a", "a.1", "a.1.1"}, ids(VisibleWithAncestors(issues, notClosed)))
}

func TestVisibleWithAncestors_HiddenIntermediateExcludes(t *testing.T) {
	issues := []Issue{
		{ID: "a", Status: StatusOpen},
		{ID: "a.1", Parent: "a", Status: StatusClosed},
		{ID: "a.1.1", Parent: "a.1", Status: StatusOpen},
	}
	assert.Equal(t, []string{"a"}, ids(VisibleWithAncestors(issues, notClosed)))
}

func TestVisibleWithAncestors_UnresolvedParentIsTopLevel(t *testing.T) {
	issues := []Issue{
		{ID: "x.1", Parent: "x", Status: StatusOpen},
	}
	assert.Equal(t, []string{"x.1"}, ids(VisibleWithAncestors(issues, notClosed)))
}

func TestVisibleWithAncestors_CycleTerminates(t *testing.T) {
	visits := map[string]int{}
	issues := []Issue{
		{ID: "a", Parent: "c"},
		{ID: "b", Parent: "a"},
		{ID: "c", Parent: "b"},
		{ID: "d", Parent: "a"},
		{ID: "e"},
	}
	got := VisibleWithAncestors(issues, func(is Issue) bool {
		visits[is.ID]++
		return true
	})

	assert.Equal(t, []string{"e"}, ids(got))
	for id, n := range visits {
		assert.Equal(t, 1, n, "issue %s visited %d times", id, n)
	}
}

func TestVisibleWithAncestors_SelfParent(t *testing.T) {
	issues := []Issue{{ID: "a", Parent: "a"}}
	assert.Empty(t, VisibleWithAncestors(issues, func(Issue) bool { return true }))
}

func TestBuildHierarchy(t *testing.T) {
	issues := []Issue{
		{ID: "mqv.10", Parent: "mqv"},
		{ID: "mqv"},
		{ID: "mqv.2", Parent: "mqv"},
		{ID: "mqv.2.1", Parent: "mqv.2"},
		{ID: "other.3", Parent: "other"},
	}
	roots := BuildHierarchy(issues)
	require.Len(t, roots, 2)

	assert.Equal(t, "mqv", roots[0].Issue.ID)
	assert.Equal(t, "other.3", roots[1].Issue.ID)

	kids := roots[0].Children
	require.Len(t, kids, 2)
	assert.Equal(t, "mqv.2", kids[0].Issue.ID)
	assert.Equal(t, "mqv.10", kids[1].Issue.ID)
	require.Len(t, kids[0].Children, 1)
	assert.Equal(t, "mqv.2.1", kids[0].Children[0].Issue.ID)
}

func TestBuildHierarchy_CycleMembersBecomeRoots(t *testing.T) {
	issues := []Issue{
		{ID: "a", Parent: "b"},
		{ID: "b", Parent: "a"},
		{ID: "c", Parent: "a"},
	}
	roots := BuildHierarchy(issues)
	require.Len(t, roots, 2)
	assert.Equal(t, "a", roots[0].Issue.ID)
	assert.Equal(t, "b", roots[1].Issue.ID)

	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, "c", roots[0].Children[0].Issue.ID)
	assert.Empty(t, roots[1].Children)
}

func TestBuildHierarchy_DuplicateIDsKeepFirst(t *testing.T) {
	roots := BuildHierarchy([]Issue{{ID: "a", Title: "first"}, {ID: "a", Title: "second"}})
	require.Len(t, roots, 1)
	assert.Equal(t, "first", roots[0].Issue.Title)
}
