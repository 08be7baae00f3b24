// Package tree builds a small top-down bounding volume hierarchy over a
// rank's local patches, so an incoming query volume is tested against
// O(log n) patches instead of all of them.
package tree

import (
	"sort"

	"github.com/akmonengine/plume/kdop"
	"github.com/go-gl/mathgl/mgl64"
)

// Leaf is one input patch: an opaque id, its bound and its centroid.
type Leaf struct {
	ID       int
	Bound    kdop.DOP
	Centroid mgl64.Vec3
}

type node struct {
	bound kdop.DOP
	id    int
	left  *node
	right *node
}

// Tree is an immutable hierarchy over a fixed leaf set. Rebuilt from scratch
// every phase; queries are read-only and safe to run concurrently.
type Tree struct {
	root *node
	size int
}

// Build constructs the hierarchy by recursive median split along the longest
// centroid axis.
func Build(leaves []Leaf) *Tree {
	scratch := make([]Leaf, len(leaves))
	copy(scratch, leaves)
	return &Tree{root: build(scratch), size: len(scratch)}
}

func build(leaves []Leaf) *node {
	switch len(leaves) {
	case 0:
		return nil
	case 1:
		return &node{bound: leaves[0].Bound, id: leaves[0].ID}
	}

	spread := kdop.Empty()
	for _, l := range leaves {
		spread = spread.Union(kdop.FromPoint(l.Centroid))
	}
	axis := 0
	if !spread.IsEmpty() {
		axis = spread.LongestAxis()
	}
	sort.Slice(leaves, func(a, b int) bool {
		return leaves[a].Centroid[axis] < leaves[b].Centroid[axis]
	})

	mid := len(leaves) / 2
	left := build(leaves[:mid])
	right := build(leaves[mid:])
	return &node{bound: left.bound.Union(right.bound), id: -1, left: left, right: right}
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return t.size
}

// Bound returns the bound of the whole tree, empty for an empty tree.
func (t *Tree) Bound() kdop.DOP {
	if t.root == nil {
		return kdop.Empty()
	}
	return t.root.bound
}

// Query calls fn with the id of every leaf whose bound overlaps d.
func (t *Tree) Query(d kdop.DOP, fn func(id int)) {
	t.root.query(d, fn)
}

func (n *node) query(d kdop.DOP, fn func(id int)) {
	if n == nil || !n.bound.Overlaps(d) {
		return
	}
	if n.left == nil && n.right == nil {
		fn(n.id)
		return
	}
	n.left.query(d, fn)
	n.right.query(d, fn)
}
