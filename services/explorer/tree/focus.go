// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

// IsAncestorOrSelf reports whether ancestor lies on the parent chain from
// id up to the root, inclusive of id itself.
//
// Description:
//
//	Follows Parent links from id toward the root. The tree invariant
//	guarantees termination, but the walk still defends against a
//	corrupted parent pointer by tracking visited IDs and bounding
//	iterations at the live node count. Cost is O(depth).
//
// Thread Safety: safe for concurrent use.
func (s *Store) IsAncestorOrSelf(ancestor, id string) bool {
	if ancestor == "" || id == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := len(s.nodes)
	visited := make(map[string]struct{}, 8)
	cur := id
	for i := 0; i <= limit; i++ {
		if cur == ancestor {
			return true
		}
		if _, seen := visited[cur]; seen {
			return false // parent cycle; corrupted tree
		}
		visited[cur] = struct{}{}

		n, ok := s.nodes[cur]
		if !ok || n.Parent == "" {
			return false
		}
		cur = n.Parent
	}
	return false
}

// InFocusedBranch reports whether id belongs to the branch selected by the
// focused node.
//
// Description:
//
//	A node is in the focused branch when the focused node is its
//	ancestor-or-self, or when it is an ancestor-or-self of the focused
//	node. The relation is symmetric under exchange of the two IDs. An
//	empty focused ID means no focus; everything is in branch.
func (s *Store) InFocusedBranch(focused, id string) bool {
	if focused == "" {
		return true
	}
	return s.IsAncestorOrSelf(focused, id) || s.IsAncestorOrSelf(id, focused)
}
