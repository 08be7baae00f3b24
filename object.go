package plume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akmonengine/plume/chain"
	"github.com/akmonengine/plume/cluster"
	"github.com/akmonengine/plume/split"
	"github.com/akmonengine/plume/tree"
	"github.com/go-gl/mathgl/mgl64"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrSplitMismatch reports a split strategy whose boundary count does not
	// produce one patch per sub-domain.
	ErrSplitMismatch = errors.New("plume: split boundary count does not match overdecomposition")
	// ErrPatchCount reports a permutation that does not cover the elements
	// exactly once, or boundaries outside the element range.
	ErrPatchCount = errors.New("plume: malformed patch permutation")
)

// CollisionObject is one body of entity data, decomposed into
// overdecomposition-many patches per rank. Instances are symmetric across
// ranks (SPMD), tied together by a per-rank holder group; all cross-rank
// state is only ever touched from its owning rank's mailbox.
type CollisionObject struct {
	world *World
	rank  *cluster.Rank
	id    int
	od    int

	chains  *chain.Set
	holders *cluster.Group[*CollisionObject]

	broadTable  *cluster.Collection[broadPatchEntry]
	narrowTable *cluster.Collection[narrowPatchEntry]
	actors      *cluster.DynamicSet[pairKey, narrowphaseActor]

	snapshots    []EntitySnapshot
	splits       split.Permutation
	localPatches []Patch
	payloads     [][]byte

	tree        *tree.Tree
	activeLocal []bool
	results     []Result

	attrs metric.MeasurementOption
}

func newCollisionObject(w *World, id int) *CollisionObject {
	od := w.cfg.Overdecomposition
	o := &CollisionObject{
		world:        w,
		rank:         w.rank,
		id:           id,
		od:           od,
		localPatches: make([]Patch, od),
		payloads:     make([][]byte, od),
		activeLocal:  make([]bool, od),
	}
	for i := range o.localPatches {
		o.localPatches[i] = NewPatch(o.offset()+i, nil)
	}
	o.attrs = metric.WithAttributeSet(attribute.NewSet(
		attribute.Int("object", id),
		attribute.Int("rank", w.rank.ID()),
	))
	o.chains = chain.NewSet(w.rank, fmt.Sprintf("object%d.chains", id), od)
	o.chains.OnStep(func(step string, elapsed time.Duration) {
		stageDuration.Record(context.Background(), elapsed.Seconds(), o.attrs,
			metric.WithAttributes(attribute.String("stage", step)))
	})
	o.holders = cluster.MakeGroup(w.rank, fmt.Sprintf("object%d.holders", id), o)
	return o
}

func (o *CollisionObject) offset() int {
	return o.rank.ID() * o.od
}

// SetEntityData snapshots the elements, splits them into patches with the
// world's strategy and captures the raw payload bytes per patch. The data is
// read for the whole phase, so callers must not mutate elements between
// InitBroadphase and FinishIteration.
func SetEntityData[E Element](o *CollisionObject, elements []E) error {
	snaps := snapshotElements(elements, o.world.workers())
	centroids := make([]mgl64.Vec3, len(snaps))
	for i, s := range snaps {
		centroids[i] = s.Centroid
	}
	perm := o.world.splitter.Split(centroids, o.od)
	if got := len(perm.Splits) + 1; got != o.od {
		return fmt.Errorf("%w: strategy produced %d parts for %d sub-domains", ErrSplitMismatch, got, o.od)
	}
	if err := checkPermutation(perm, len(elements)); err != nil {
		return err
	}

	ordered := make([]EntitySnapshot, len(snaps))
	for i, e := range perm.Indices {
		ordered[i] = snaps[e]
	}
	o.snapshots = ordered
	o.splits = perm

	off := 0
	for part := 0; part < o.od; part++ {
		idx := perm.Part(part)
		o.localPatches[part] = NewPatch(o.offset()+part, ordered[off:off+len(idx)])
		o.payloads[part] = packElements(elements, idx)
		off += len(idx)
	}
	return nil
}

func checkPermutation(p split.Permutation, n int) error {
	if len(p.Indices) != n {
		return fmt.Errorf("%w: permutation covers %d of %d elements", ErrPatchCount, len(p.Indices), n)
	}
	seen := make([]bool, n)
	for _, e := range p.Indices {
		if e < 0 || e >= n || seen[e] {
			return fmt.Errorf("%w: element index %d out of range or repeated", ErrPatchCount, e)
		}
		seen[e] = true
	}
	prev := 0
	for _, b := range p.Splits {
		if b < prev || b > n {
			return fmt.Errorf("%w: split boundary %d outside [%d, %d]", ErrPatchCount, b, prev, n)
		}
		prev = b
	}
	return nil
}

// InitBroadphase opens a phase for this object: allocates the distributed
// tables on first use, resets the per-phase state and schedules the patch
// publish (and tree build, when enabled). Must be called on every rank.
func (o *CollisionObject) InitBroadphase() error {
	if o.broadTable == nil {
		bounds := o.od * o.rank.Cluster().NumRanks()
		bt, err := cluster.MakeCollection[broadPatchEntry](o.rank, fmt.Sprintf("object%d.broadphase", o.id), bounds)
		if err != nil {
			return fmt.Errorf("plume: init broadphase: %w", err)
		}
		nt, err := cluster.MakeCollection[narrowPatchEntry](o.rank, fmt.Sprintf("object%d.narrowphase", o.id), bounds)
		if err != nil {
			return fmt.Errorf("plume: init broadphase: %w", err)
		}
		o.broadTable, o.narrowTable = bt, nt
		o.actors = cluster.MakeDynamicSet[pairKey, narrowphaseActor](o.rank, fmt.Sprintf("object%d.actors", o.id))
	}

	o.results = o.results[:0]
	clear(o.activeLocal)

	o.chains.NextStep("broadphase_patch_step", o.publishBroadphase)
	if o.world.cfg.BuildTrees {
		o.chains.NextStepCollective("build_tree_step", o.buildTreeStep)
	}
	return nil
}

// Broadphase schedules the candidate search of this object against the
// other, then the narrowphase exchange for every discovered pair. The call
// only queues stages; FinishIteration (or WaitAll) drains them.
func (o *CollisionObject) Broadphase(other *CollisionObject) {
	if other == nil || other == o {
		panic("plume: Broadphase needs a distinct second object")
	}

	o.chains.NextStepCollective("start_broadphase_insertion", func(r *cluster.Rank, idx int) *cluster.Pending {
		if idx != 0 {
			return nil
		}
		o.actors.BeginModification(r)
		return nil
	})
	chain.MergeStepCollective("broadphase_step", o.chains, other.chains, func(r *cluster.Rank, idx int) *cluster.Pending {
		return o.broadphaseStep(r, other, idx)
	})
	o.chains.NextStepCollective("finalize_broadphase_insertion", func(r *cluster.Rank, idx int) *cluster.Pending {
		if idx != 0 {
			return nil
		}
		o.actors.FinishModification(r)
		return nil
	})

	if o.world.cfg.CopyAllNarrowphasePatches {
		o.setAllNarrowPatches()
		other.setAllNarrowPatches()
	} else {
		o.setActiveNarrowPatches()
		other.setActiveNarrowPatches()
	}
	o.narrowphase(other)
}

func (o *CollisionObject) setAllNarrowPatches() {
	o.chains.NextStep("narrowphase_patch_step", o.publishNarrowphase)
}

func (o *CollisionObject) setActiveNarrowPatches() {
	o.chains.NextStepCollective("set_narrowphase_patches", o.publishActiveStep)
}

func (o *CollisionObject) narrowphase(other *CollisionObject) {
	chain.MergeStepCollective("activate_narrowphase_step", o.chains, other.chains, o.activateStep)
	o.chains.NextStepCollective("request_ghosts", func(r *cluster.Rank, idx int) *cluster.Pending {
		return o.requestGhostsStep(r, other, idx)
	})
	// TODO: ghost_this pourrait être un NextStep simple, chaque index ne
	// touche que son propre slot.
	o.chains.NextStepCollective("ghost_this", func(r *cluster.Rank, idx int) *cluster.Pending {
		return o.ghostStep(r, o, idx, fillSideA)
	})
	o.chains.NextStepCollective("ghost_other", func(r *cluster.Rank, idx int) *cluster.Pending {
		return o.ghostStep(r, other, idx, fillSideB)
	})
	chain.MergeStepCollective("narrowphase", o.chains, other.chains, func(r *cluster.Rank, idx int) *cluster.Pending {
		return o.narrowphaseStep(r, other, idx)
	})
	o.chains.NextStepCollective("clear_narrowphase_step", o.clearStep)
}

// EndPhase recycles the chain bookkeeping for the next phase. Safe to call
// on an already-clean set.
func (o *CollisionObject) EndPhase() {
	o.chains.PhaseDone()
}

// WaitAll blocks until every stage queued so far on this object has
// completed on this rank.
func (o *CollisionObject) WaitAll() {
	o.chains.WaitAll()
}

// ForEachTree schedules fn against this rank's local hierarchy, ordered
// after every stage queued so far. fn is skipped while no tree was built.
func (o *CollisionObject) ForEachTree(fn func(t *tree.Tree)) {
	o.chains.NextStepCollective("for_each_step", func(r *cluster.Rank, idx int) *cluster.Pending {
		if idx != 0 {
			return nil
		}
		o.holders.Send(r, r.ID(), func(_ *cluster.Rank, obj *CollisionObject) {
			if obj.tree != nil {
				fn(obj.tree)
			}
		})
		return nil
	})
}

// ForEachResult schedules fn over this rank's results: the a-side hits of
// pairs this object initiated plus the b-side hits of pairs that targeted
// it, all homed where the narrowphase ran.
func (o *CollisionObject) ForEachResult(fn func(res Result)) {
	o.chains.NextStepCollective("result_step", func(r *cluster.Rank, idx int) *cluster.Pending {
		if idx != 0 {
			return nil
		}
		o.holders.Send(r, r.ID(), func(_ *cluster.Rank, obj *CollisionObject) {
			for _, res := range obj.results {
				fn(res)
			}
		})
		return nil
	})
}

func (o *CollisionObject) ID() int {
	return o.id
}

func (o *CollisionObject) OverdecompositionFactor() int {
	return o.od
}

// LocalPatches returns this rank's patches as of the last SetEntityData.
func (o *CollisionObject) LocalPatches() []Patch {
	return o.localPatches
}

// Snapshots returns this rank's element snapshots in patch order.
func (o *CollisionObject) Snapshots() []EntitySnapshot {
	return o.snapshots
}

func (o *CollisionObject) Splits() split.Permutation {
	return o.splits
}
