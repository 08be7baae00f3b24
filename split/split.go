// Package split partitions elements into contiguous groups by spatial
// locality. A strategy reorders element indices so that each group covers a
// compact region, which keeps the per-group bounding volumes tight.
package split

import (
	"fmt"
	"sort"

	"github.com/akmonengine/plume/kdop"
	"github.com/go-gl/mathgl/mgl64"
)

// Permutation is the result of a split: Indices is a permutation of the
// element indices, and Splits holds the parts-1 boundaries that cut Indices
// into contiguous groups. Group k is Indices[Splits[k-1]:Splits[k]], with
// the implicit outer boundaries 0 and len(Indices).
type Permutation struct {
	Indices []int
	Splits  []int
}

// Part returns the indices of group k as a sub-slice of Indices.
func (p Permutation) Part(k int) []int {
	lo := 0
	if k > 0 {
		lo = p.Splits[k-1]
	}
	hi := len(p.Indices)
	if k < len(p.Splits) {
		hi = p.Splits[k]
	}
	return p.Indices[lo:hi]
}

// Parts returns the number of groups.
func (p Permutation) Parts() int {
	return len(p.Splits) + 1
}

// Strategy computes a spatial partition of the given centroids into parts
// contiguous groups.
type Strategy interface {
	Split(centroids []mgl64.Vec3, parts int) Permutation
}

// Axis splits recursively at the median along the longest axis of each
// group, producing groups of near-equal size.
type Axis struct{}

// Mean splits recursively at the arithmetic mean of the centroids along the
// longest axis. Group sizes follow the density of the data, so clustered
// inputs can produce empty groups.
type Mean struct{}

func (Axis) Split(centroids []mgl64.Vec3, parts int) Permutation {
	return splitWith(centroids, parts, medianCut)
}

func (Mean) Split(centroids []mgl64.Vec3, parts int) Permutation {
	return splitWith(centroids, parts, meanCut)
}

// cutFunc picks the split position within idx, which is already sorted
// along axis. leftParts of parts groups go left of the returned position.
type cutFunc func(idx []int, centroids []mgl64.Vec3, axis, leftParts, parts int) int

func medianCut(idx []int, _ []mgl64.Vec3, _ int, leftParts, parts int) int {
	return len(idx) * leftParts / parts
}

func meanCut(idx []int, centroids []mgl64.Vec3, axis, _, _ int) int {
	if len(idx) == 0 {
		return 0
	}
	mean := 0.0
	for _, i := range idx {
		mean += centroids[i][axis]
	}
	mean /= float64(len(idx))
	return sort.Search(len(idx), func(k int) bool {
		return centroids[idx[k]][axis] > mean
	})
}

func splitWith(centroids []mgl64.Vec3, parts int, cut cutFunc) Permutation {
	if parts < 1 {
		panic(fmt.Sprintf("split: %d parts", parts))
	}
	p := Permutation{
		Indices: make([]int, len(centroids)),
		Splits:  make([]int, 0, parts-1),
	}
	for i := range p.Indices {
		p.Indices[i] = i
	}
	recurse(p.Indices, centroids, parts, 0, cut, &p.Splits)
	return p
}

func recurse(idx []int, centroids []mgl64.Vec3, parts, offset int, cut cutFunc, splits *[]int) {
	if parts == 1 {
		return
	}
	axis := longestAxis(idx, centroids)
	sort.Slice(idx, func(a, b int) bool {
		return centroids[idx[a]][axis] < centroids[idx[b]][axis]
	})
	leftParts := parts / 2
	mid := cut(idx, centroids, axis, leftParts, parts)
	recurse(idx[:mid], centroids, leftParts, offset, cut, splits)
	*splits = append(*splits, offset+mid)
	recurse(idx[mid:], centroids, parts-leftParts, offset+mid, cut, splits)
}

func longestAxis(idx []int, centroids []mgl64.Vec3) int {
	d := kdop.Empty()
	for _, i := range idx {
		d = d.Union(kdop.FromPoint(centroids[i]))
	}
	if d.IsEmpty() {
		return 0
	}
	return d.LongestAxis()
}
