package plume

import (
	"context"

	"github.com/akmonengine/plume/cluster"
)

// pairKey identifies a candidate pair by global patch index: a on the
// initiating object, b on the other. Keys are not normalized, the two sides
// index different objects.
type pairKey struct {
	a int
	b int
}

// narrowPatchEntry is one slot of the narrowphase patch table: the patch
// meta, its raw element payload and the cached ghost destinations. Each
// publish resets the cache; slots of patches that stay inactive keep stale
// destinations, so the ghost step only reads slots active this phase.
type narrowPatchEntry struct {
	meta              Patch
	data              []byte
	origin            int
	ghostDestinations map[pairKey]int
}

// ghost is one side of an actor: the patch data received from its owner.
type ghost struct {
	meta   Patch
	data   []byte
	origin int
	valid  bool
}

// narrowphaseActor holds the two ghosts of one candidate pair, homed at the
// rank that discovered the overlap. Membership is rebuilt every phase.
type narrowphaseActor struct {
	active bool
	a, b   ghost
}

// publishNarrowphase republishes one local patch's payload to its table
// slot. The handler overwrites the data and clears the destination cache.
func (o *CollisionObject) publishNarrowphase(r *cluster.Rank, local int) *cluster.Pending {
	entry := narrowPatchEntry{
		meta:   o.localPatches[local],
		data:   o.payloads[local],
		origin: r.ID(),
	}
	o.narrowTable.Send(r, o.offset()+local, func(_ *cluster.Rank, slot *narrowPatchEntry) {
		slot.meta = entry.meta
		slot.data = entry.data
		slot.origin = entry.origin
		clear(slot.ghostDestinations)
	})
	return nil
}

// publishActiveStep publishes only the payloads the broadphase marked
// active. Runs through the holder so the active flags are read on their
// owning mailbox.
func (o *CollisionObject) publishActiveStep(r *cluster.Rank, idx int) *cluster.Pending {
	if idx != 0 {
		return nil
	}
	o.holders.Send(r, r.ID(), func(rv *cluster.Rank, obj *CollisionObject) {
		for local, active := range obj.activeLocal {
			if active {
				obj.publishNarrowphase(rv, local)
			}
		}
	})
	return nil
}

// activateStep marks every actor discovered at this rank ready for
// ghosting. By the time this runs, the insertion window has closed
// everywhere, so the local membership is final.
func (o *CollisionObject) activateStep(r *cluster.Rank, idx int) *cluster.Pending {
	if idx != 0 {
		return nil
	}
	o.holders.Send(r, r.ID(), func(rv *cluster.Rank, obj *CollisionObject) {
		obj.actors.LocalEach(rv, func(_ pairKey, actor *narrowphaseActor) {
			actor.active = true
		})
	})
	return nil
}

// requestGhostsStep walks the local actors and caches each pair's home rank
// on both patches' table entries, so the ghost steps know where to send.
func (o *CollisionObject) requestGhostsStep(r *cluster.Rank, other *CollisionObject, idx int) *cluster.Pending {
	if idx != 0 {
		return nil
	}
	home := r.ID()
	o.actors.LocalEach(r, func(key pairKey, _ *narrowphaseActor) {
		o.narrowTable.Send(r, key.a, addGhostDestination(key, home))
		other.narrowTable.Send(r, key.b, addGhostDestination(key, home))
	})
	return nil
}

func addGhostDestination(key pairKey, home int) func(*cluster.Rank, *narrowPatchEntry) {
	return func(_ *cluster.Rank, e *narrowPatchEntry) {
		if e.ghostDestinations == nil {
			e.ghostDestinations = make(map[pairKey]int)
		}
		e.ghostDestinations[key] = home
	}
}

func fillSideA(actor *narrowphaseActor, g ghost) { actor.a = g }
func fillSideB(actor *narrowphaseActor, g ghost) { actor.b = g }

// ghostStep sends one table entry's payload to every destination actor the
// requests cached. fill picks which side of the actor receives it. owner is
// the object whose table holds the slot: a patch the broadphase left
// inactive was not republished this phase, so its cached destinations are
// stale and the slot must be skipped.
func (o *CollisionObject) ghostStep(r *cluster.Rank, owner *CollisionObject, local int, fill func(*narrowphaseActor, ghost)) *cluster.Pending {
	if !owner.activeLocal[local] {
		return nil
	}
	e := owner.narrowTable.Local(r, owner.offset()+local)
	if len(e.ghostDestinations) == 0 {
		return nil
	}
	payload := ghost{meta: e.meta, data: e.data, origin: e.origin, valid: true}
	for key, home := range e.ghostDestinations {
		o.actors.Send(r, home, key, func(_ *cluster.Rank, actor *narrowphaseActor) {
			fill(actor, payload)
		})
	}
	ghostBytes.Add(context.Background(), int64(len(e.ghostDestinations)*len(payload.data)), o.attrs)
	return nil
}

// candidate is one ready actor lifted out of the set for the worker pool.
type candidate struct {
	key  pairKey
	a, b ghost
}

// narrowphaseStep runs the exact tests for every actor homed at this rank.
func (o *CollisionObject) narrowphaseStep(r *cluster.Rank, other *CollisionObject, idx int) *cluster.Pending {
	if idx != 0 {
		return nil
	}
	o.holders.Send(r, r.ID(), func(rv *cluster.Rank, obj *CollisionObject) {
		obj.runNarrowphase(rv, other)
	})
	return nil
}

// runNarrowphase fans the ready pairs over the worker pool and routes the
// hits: a-side hits to this object's rank-local results, b-side hits to the
// other object's instance on this same rank.
func (o *CollisionObject) runNarrowphase(r *cluster.Rank, other *CollisionObject) {
	var pairs []candidate
	o.actors.LocalEach(r, func(key pairKey, actor *narrowphaseActor) {
		if !actor.active || !actor.a.valid || !actor.b.valid {
			return
		}
		pairs = append(pairs, candidate{key: key, a: actor.a, b: actor.b})
	})
	if len(pairs) == 0 {
		return
	}

	fn := o.world.narrowphase
	hitsA := make([][]Result, len(pairs))
	hitsB := make([][]Result, len(pairs))
	taskIndexed(o.world.workers(), pairs, func(i int, c candidate) {
		aData := PatchData{Meta: c.a.meta, Origin: c.a.origin, Data: c.a.data}
		bData := PatchData{Meta: c.b.meta, Origin: c.b.origin, Data: c.b.data}
		if fn == nil {
			hit := Result{PatchA: c.key.a, PatchB: c.key.b, ElementA: -1, ElementB: -1}
			hitsA[i], hitsB[i] = []Result{hit}, []Result{hit}
			return
		}
		ha, hb := fn(aData, bData)
		for j := range ha {
			ha[j].PatchA, ha[j].PatchB = c.key.a, c.key.b
		}
		for j := range hb {
			hb[j].PatchA, hb[j].PatchB = c.key.a, c.key.b
		}
		hitsA[i], hitsB[i] = ha, hb
	})

	total := 0
	for i := range pairs {
		o.results = append(o.results, hitsA[i]...)
		other.results = append(other.results, hitsB[i]...)
		total += len(hitsA[i]) + len(hitsB[i])
	}
	narrowphaseTests.Add(context.Background(), int64(len(pairs)), o.attrs)
	narrowphaseResults.Add(context.Background(), int64(total), o.attrs)
}

// clearStep empties the actor set for the next phase. The storage stays
// allocated, only membership is dropped.
func (o *CollisionObject) clearStep(r *cluster.Rank, idx int) *cluster.Pending {
	if idx != 0 {
		return nil
	}
	o.holders.Send(r, r.ID(), func(rv *cluster.Rank, obj *CollisionObject) {
		obj.actors.Clear(rv)
	})
	return nil
}
