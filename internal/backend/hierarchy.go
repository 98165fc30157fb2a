package backend

import "slices"

// Node is an issue with its nested children.
type Node struct {
	Issue    Issue   `json:"issue"`
	Children []*Node `json:"children,omitempty"`
}

// VisibleWithAncestors filters issues to the visible ones whose whole parent
// chain is visible too. A parent that does not resolve within issues ends the
// chain, so such an issue counts as top-level. Issues on a parent cycle are
// excluded. Order is preserved.
func VisibleWithAncestors(issues []Issue, visible func(Issue) bool) []Issue {
	byID := index(issues)

	const (
		unknown = iota
		visiting
		keep
		drop
	)
	state := make(map[string]int, len(byID))

	var check func(id string) bool
	check = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case keep:
			return true
		case drop:
			return false
		}
		state[id] = visiting

		is := byID[id]
		ok := visible(is)
		if ok && is.Parent != "" {
			if _, found := byID[is.Parent]; found {
				ok = check(is.Parent)
			}
		}
		if ok {
			state[id] = keep
		} else {
			state[id] = drop
		}
		return ok
	}

	out := make([]Issue, 0, len(issues))
	seen := make(map[string]bool, len(issues))
	for _, is := range issues {
		if seen[is.ID] {
			continue
		}
		seen[is.ID] = true
		if check(is.ID) {
			out = append(out, byID[is.ID])
		}
	}
	return out
}

// BuildHierarchy nests issues under their parents. Issues with an unresolved
// parent become roots, and so does every issue on a parent cycle. Roots and
// children are in natural id order.
func BuildHierarchy(issues []Issue) []*Node {
	byID := index(issues)
	onCycle := cycleMembers(byID)

	nodes := make(map[string]*Node, len(byID))
	var ids []string
	for _, is := range issues {
		if _, dup := nodes[is.ID]; dup {
			continue
		}
		nodes[is.ID] = &Node{Issue: byID[is.ID]}
		ids = append(ids, is.ID)
	}

	var roots []*Node
	for _, id := range ids {
		n := nodes[id]
		parent, ok := nodes[n.Issue.Parent]
		if !ok || onCycle[id] {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*Node) {
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		return CompareNatural(a.Issue.ID, b.Issue.ID)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// index maps ids to issues, keeping the first occurrence of a duplicate id.
func index(issues []Issue) map[string]Issue {
	m := make(map[string]Issue, len(issues))
	for _, is := range issues {
		if _, dup := m[is.ID]; !dup {
			m[is.ID] = is
		}
	}
	return m
}

// cycleMembers returns the ids lying on a parent cycle. Every issue is
// walked at most once.
func cycleMembers(byID map[string]Issue) map[string]bool {
	done := make(map[string]bool, len(byID))
	on := make(map[string]bool)

	for start := range byID {
		if done[start] {
			continue
		}
		pos := map[string]int{}
		var path []string
		id := start
		for {
			if done[id] {
				break
			}
			if i, ok := pos[id]; ok {
				for _, c := range path[i:] {
					on[c] = true
				}
				break
			}
			pos[id] = len(path)
			path = append(path, id)

			next := byID[id].Parent
			if _, ok := byID[next]; !ok {
				break
			}
			id = next
		}
		for _, p := range path {
			done[p] = true
		}
	}
	return on
}
