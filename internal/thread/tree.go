package thread

import (
	"sort"

	"persona-chat/backend/internal/models"
)

// Tree is an in-memory adjacency list of one chat
type Tree struct {
	nodes    map[string]models.Edge
	children map[string][]models.Edge
}

// NewTree indexes edges by id and by parent. Parentless messages are
// listed under RootKey. Children are ordered by (createdAt, id).
func NewTree(edges []models.Edge) *Tree {
	t := &Tree{
		nodes:    make(map[string]models.Edge, len(edges)),
		children: make(map[string][]models.Edge),
	}
	for _, e := range edges {
		t.nodes[e.ID] = e
		parent := RootKey
		if e.ParentID != nil {
			parent = *e.ParentID
		}
		t.children[parent] = append(t.children[parent], e)
	}
	for _, kids := range t.children {
		sort.SliceStable(kids, func(i, j int) bool {
			return newer(kids[j], kids[i])
		})
	}
	return t
}

// newer reports whether a sorts after b: later createdAt, then greater id.
func newer(a, b models.Edge) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Has reports whether id belongs to the tree
func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

// Children returns the children of parent in creation order.
func (t *Tree) Children(parent string) []models.Edge {
	return t.children[parent]
}

// Parents returns every key that has children, RootKey included.
func (t *Tree) Parents() map[string][]models.Edge {
	return t.children
}

// Descend follows the newest child from id until it reaches a message
// without children.
func (t *Tree) Descend(id string) string {
	cur := id
	seen := map[string]bool{cur: true}
	for {
		kids := t.children[cur]
		if len(kids) == 0 {
			return cur
		}
		next := kids[len(kids)-1].ID
		if seen[next] {
			return cur
		}
		seen[next] = true
		cur = next
	}
}
