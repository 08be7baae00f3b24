package kdop

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// K is the number of slab directions; a K-slab volume has 2*K facets,
// so this is the classic 26-DOP.
const K = 13

// axes holds the fixed slab directions: the 3 coordinate axes, the 6 edge
// diagonals and the 4 corner diagonals, all normalized so that projections
// behave like signed distances.
var axes = func() [K]mgl64.Vec3 {
	dirs := [K]mgl64.Vec3{
		{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
		{1, 1, 0}, {1, -1, 0}, {1, 0, 1}, {1, 0, -1}, {0, 1, 1}, {0, 1, -1},
		{1, 1, 1}, {1, -1, 1}, {1, 1, -1}, {1, -1, -1},
	}
	for i := range dirs {
		dirs[i] = dirs[i].Normalize()
	}
	return dirs
}()

// Axis returns the i-th slab direction. The first three are the world axes.
func Axis(i int) mgl64.Vec3 {
	return axes[i]
}

// DOP is a discrete oriented polytope: an interval per slab direction.
// The zero value is not meaningful, use Empty or one of the From constructors.
type DOP struct {
	Min [K]float64
	Max [K]float64
}

// Empty returns the inverted volume that contains nothing and overlaps
// nothing. Union with an empty DOP is the identity.
func Empty() DOP {
	var d DOP
	for i := 0; i < K; i++ {
		d.Min[i] = math.Inf(1)
		d.Max[i] = math.Inf(-1)
	}
	return d
}

// FromPoint returns the degenerate volume containing a single point.
func FromPoint(p mgl64.Vec3) DOP {
	var d DOP
	for i := 0; i < K; i++ {
		proj := p.Dot(axes[i])
		d.Min[i] = proj
		d.Max[i] = proj
	}
	return d
}

// FromPoints returns the smallest volume containing all the given points.
func FromPoints(points ...mgl64.Vec3) DOP {
	d := Empty()
	for _, p := range points {
		for i := 0; i < K; i++ {
			proj := p.Dot(axes[i])
			d.Min[i] = math.Min(d.Min[i], proj)
			d.Max[i] = math.Max(d.Max[i], proj)
		}
	}
	return d
}

// FromSphere returns the volume containing the sphere at center with the
// given radius.
func FromSphere(center mgl64.Vec3, radius float64) DOP {
	var d DOP
	for i := 0; i < K; i++ {
		proj := center.Dot(axes[i])
		d.Min[i] = proj - radius
		d.Max[i] = proj + radius
	}
	return d
}

// IsEmpty reports whether the volume contains nothing.
func (d DOP) IsEmpty() bool {
	for i := 0; i < K; i++ {
		if d.Min[i] > d.Max[i] {
			return true
		}
	}
	return false
}

// Union returns the smallest volume containing both operands.
func (d DOP) Union(other DOP) DOP {
	var out DOP
	for i := 0; i < K; i++ {
		out.Min[i] = math.Min(d.Min[i], other.Min[i])
		out.Max[i] = math.Max(d.Max[i], other.Max[i])
	}
	return out
}

// Overlaps checks if two volumes may intersect. Empty volumes overlap
// nothing, including themselves.
func (d DOP) Overlaps(other DOP) bool {
	// Two slab volumes overlap only if they overlap on every direction
	for i := 0; i < K; i++ {
		if d.Max[i] < other.Min[i] || d.Min[i] > other.Max[i] {
			return false
		}
	}
	return true
}

// ContainsPoint checks if a point is inside the volume.
func (d DOP) ContainsPoint(p mgl64.Vec3) bool {
	for i := 0; i < K; i++ {
		proj := p.Dot(axes[i])
		if proj < d.Min[i] || proj > d.Max[i] {
			return false
		}
	}
	return true
}

// Inflate grows the volume by a uniform margin on every slab. Useful for
// proximity queries where touching within epsilon should count as a hit.
func (d DOP) Inflate(margin float64) DOP {
	if d.IsEmpty() {
		return d
	}
	for i := 0; i < K; i++ {
		d.Min[i] -= margin
		d.Max[i] += margin
	}
	return d
}

// Centroid returns the center of the volume, from the three axial slabs.
func (d DOP) Centroid() mgl64.Vec3 {
	return mgl64.Vec3{
		(d.Min[0] + d.Max[0]) * 0.5,
		(d.Min[1] + d.Max[1]) * 0.5,
		(d.Min[2] + d.Max[2]) * 0.5,
	}
}

// LongestAxis returns the world axis (0, 1 or 2) along which the volume
// extends the most. Used by splitting and tree construction.
func (d DOP) LongestAxis() int {
	best, bestLen := 0, math.Inf(-1)
	for i := 0; i < 3; i++ {
		if l := d.Max[i] - d.Min[i]; l > bestLen {
			best, bestLen = i, l
		}
	}
	return best
}
