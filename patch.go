package plume

import (
	"github.com/akmonengine/plume/kdop"
	"github.com/go-gl/mathgl/mgl64"
)

// Patch summarizes one sub-domain for the broadphase: a globally unique id,
// the union bound of its elements, the mean centroid and the element count.
// Patches are immutable; each phase builds a fresh set.
type Patch struct {
	ID       int
	Bound    kdop.DOP
	Centroid mgl64.Vec3
	Elements int
}

// NewPatch builds the patch for one group of snapshots. An empty group yields
// the empty bound, which overlaps nothing, so the patch can never become
// broadphase-active.
func NewPatch(id int, snaps []EntitySnapshot) Patch {
	bound := kdop.Empty()
	centroid := mgl64.Vec3{}
	for _, s := range snaps {
		bound = bound.Union(s.Bound)
		centroid = centroid.Add(s.Centroid)
	}
	if len(snaps) > 0 {
		centroid = centroid.Mul(1 / float64(len(snaps)))
	}
	return Patch{ID: id, Bound: bound, Centroid: centroid, Elements: len(snaps)}
}
