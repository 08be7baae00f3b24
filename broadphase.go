package plume

import (
	"context"

	"github.com/akmonengine/plume/cluster"
	"github.com/akmonengine/plume/tree"
)

// broadPatchEntry is one slot of the broadphase patch table: the last patch
// published for a global index, with its provenance. Slots are overwritten
// every phase and never deleted.
type broadPatchEntry struct {
	patch  Patch
	origin int
	local  int
}

// publishBroadphase sends one local patch to its table slot. The slot owner
// is this rank itself, the send still goes through the mailbox so the table
// keeps a single writer.
func (o *CollisionObject) publishBroadphase(r *cluster.Rank, local int) *cluster.Pending {
	entry := broadPatchEntry{patch: o.localPatches[local], origin: r.ID(), local: local}
	o.broadTable.Send(r, o.offset()+local, func(_ *cluster.Rank, slot *broadPatchEntry) {
		*slot = entry
	})
	return nil
}

// buildTreeStep rebuilds the rank-local hierarchy from the rank's own table
// slots. Index 0 does the work; the collective gate guarantees every slot
// was published, on every rank, before anyone traverses.
func (o *CollisionObject) buildTreeStep(r *cluster.Rank, idx int) *cluster.Pending {
	if idx != 0 {
		return nil
	}
	start, end := o.broadTable.LocalRange(r)
	leaves := make([]tree.Leaf, 0, end-start)
	for g := start; g < end; g++ {
		e := o.broadTable.Local(r, g)
		leaves = append(leaves, tree.Leaf{ID: e.patch.ID, Bound: e.patch.Bound, Centroid: e.patch.Centroid})
	}
	o.tree = tree.Build(leaves)
	return nil
}

// broadphaseStep offers one local patch to the other object's holder on
// every rank. Each holder searches its own patches for overlaps; the epoch
// makes the merged stage complete only after every discovered pair has been
// recorded everywhere.
func (o *CollisionObject) broadphaseStep(r *cluster.Rank, other *CollisionObject, local int) *cluster.Pending {
	p := o.localPatches[local]
	origin := r.ID()
	initiator := o.holders
	for dest := 0; dest < r.Cluster().NumRanks(); dest++ {
		other.holders.Send(r, dest, func(rv *cluster.Rank, target *CollisionObject) {
			target.searchOverlaps(rv, p, origin, initiator)
		})
	}
	return nil
}

// searchOverlaps runs on the receiving holder: every local patch of this
// object overlapping the incoming one yields a narrowphase actor homed at
// this rank, plus active marks on both sides.
func (o *CollisionObject) searchOverlaps(r *cluster.Rank, p Patch, origin int, initiator *cluster.Group[*CollisionObject]) {
	found := 0
	visit := func(g int) {
		found++
		o.recordOverlap(r, p, origin, initiator, g)
	}
	if o.world.cfg.BuildTrees {
		o.tree.Query(p.Bound, visit)
	} else {
		// Sans arbre: force brute sur les patches locaux
		for i, lp := range o.localPatches {
			if lp.Bound.Overlaps(p.Bound) {
				visit(o.offset() + i)
			}
		}
	}
	if found > 0 {
		broadphaseCandidates.Add(context.Background(), int64(found), o.attrs)
	}
}

// recordOverlap registers one candidate pair: the actor goes into the
// initiating object's set, homed here at the discovering rank, and both
// patches are marked active so the narrowphase publish can skip everything
// else.
func (o *CollisionObject) recordOverlap(r *cluster.Rank, p Patch, origin int, initiator *cluster.Group[*CollisionObject], overlapping int) {
	pair := pairKey{a: p.ID, b: overlapping}
	initiator.Local(r).actors.Insert(r, r.ID(), pair)
	o.markActive(overlapping - o.offset())
	initiator.Send(r, origin, func(_ *cluster.Rank, obj *CollisionObject) {
		obj.markActive(pair.a - origin*obj.od)
	})
}

func (o *CollisionObject) markActive(local int) {
	o.activeLocal[local] = true
}
