package plume

import (
	"io"
	"log/slog"
	"slices"
	"sort"
	"testing"

	"github.com/akmonengine/plume/cluster"
	"github.com/akmonengine/plume/kdop"
	"github.com/akmonengine/plume/tree"
	"github.com/go-gl/mathgl/mgl64"
)

// Test helper functions
type blob struct {
	Center mgl64.Vec3
	Radius float64
}

func (b blob) Bound() kdop.DOP      { return kdop.FromSphere(b.Center, b.Radius) }
func (b blob) Centroid() mgl64.Vec3 { return b.Center }

// blobRow places n blobs of radius 0.4 on integer x positions starting at x0.
func blobRow(n int, x0, y float64) []blob {
	blobs := make([]blob, n)
	for i := range blobs {
		blobs[i] = blob{Center: mgl64.Vec3{x0 + float64(i), y, 0}, Radius: 0.4}
	}
	return blobs
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// runWorlds spins up a cluster and runs fn as the driver of one World per
// rank. fn runs concurrently on every rank, so it must only report through
// t.Errorf, never t.Fatalf.
func runWorlds(t *testing.T, ranks int, cfg Config, fn func(w *World) error) {
	t.Helper()
	c, err := cluster.New(ranks)
	if err != nil {
		t.Fatalf("cluster.New(%d) = %v", ranks, err)
	}
	if err := c.Run(func(r *cluster.Rank) error {
		w, err := NewWorld(r, cfg)
		if err != nil {
			return err
		}
		return fn(w)
	}); err != nil {
		t.Fatalf("cluster run failed: %v", err)
	}
}

// touchingBlobs is the exact test used by the collision tests: two blobs hit
// when their spheres intersect.
func touchingBlobs(a, b PatchData) (hitsA, hitsB []Result) {
	as := ElementsOf[blob](a.Data)
	bs := ElementsOf[blob](b.Data)
	for i, ab := range as {
		for j, bb := range bs {
			d := ab.Center.Sub(bb.Center)
			rr := ab.Radius + bb.Radius
			if d.Dot(d) <= rr*rr {
				hit := Result{ElementA: i, ElementB: j}
				hitsA = append(hitsA, hit)
				hitsB = append(hitsB, hit)
			}
		}
	}
	return hitsA, hitsB
}

func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.PatchA != b.PatchA {
			return a.PatchA < b.PatchA
		}
		if a.PatchB != b.PatchB {
			return a.PatchB < b.PatchB
		}
		if a.ElementA != b.ElementA {
			return a.ElementA < b.ElementA
		}
		return a.ElementB < b.ElementB
	})
}

// crossRankScene runs one phase of a two-rank scene where each rank's probe
// blob sits above the other rank's slab: object A is a row of four blobs per
// rank along y=0, object B one blob per rank at y=0.5 over a slab the other
// rank owns. Both discovered pairs live on a different rank than the probe
// that caused them. Returns the B-side and A-side results collected per
// rank, sorted.
func crossRankScene(t *testing.T, cfg Config) (hitsB, hitsA [][]Result) {
	t.Helper()
	hitsB = make([][]Result, 2)
	hitsA = make([][]Result, 2)
	runWorlds(t, 2, cfg, func(w *World) error {
		w.SetNarrowphaseFunc(touchingBlobs)
		objA := w.CreateCollisionObject()
		objB := w.CreateCollisionObject()

		rank := w.Rank().ID()
		if err := SetEntityData(objA, blobRow(4, float64(rank*4), 0)); err != nil {
			return err
		}
		bx := 5.0
		if rank == 1 {
			bx = 2.0
		}
		probe := []blob{{Center: mgl64.Vec3{bx, 0.5, 0}, Radius: 0.4}}
		if err := SetEntityData(objB, probe); err != nil {
			return err
		}

		w.StartIteration()
		if err := objA.InitBroadphase(); err != nil {
			return err
		}
		if err := objB.InitBroadphase(); err != nil {
			return err
		}
		objB.Broadphase(objA)
		objB.ForEachResult(func(res Result) { hitsB[rank] = append(hitsB[rank], res) })
		objA.ForEachResult(func(res Result) { hitsA[rank] = append(hitsA[rank], res) })
		w.FinishIteration()

		sortResults(hitsB[rank])
		sortResults(hitsA[rank])
		return nil
	})
	return hitsB, hitsA
}

func TestBroadphaseFindsCrossRankPairs(t *testing.T) {
	cfg := quietConfig()
	cfg.Workers = 2
	hitsB, hitsA := crossRankScene(t, cfg)

	// Rank 0 discovers rank 1's probe over its own slab, and vice versa. B's
	// patch 0 and 2 stay empty, the single probe lands in the second
	// sub-domain of its rank.
	want := [][]Result{
		{{PatchA: 3, PatchB: 1, ElementA: 0, ElementB: 0}},
		{{PatchA: 1, PatchB: 2, ElementA: 0, ElementB: 1}},
	}
	for rank := range want {
		if !slices.Equal(hitsB[rank], want[rank]) {
			t.Errorf("rank %d B results = %v, want %v", rank, hitsB[rank], want[rank])
		}
		if !slices.Equal(hitsA[rank], want[rank]) {
			t.Errorf("rank %d A results = %v, want %v", rank, hitsA[rank], want[rank])
		}
	}
}

func TestBroadphasePublishesPatches(t *testing.T) {
	// After a phase every table slot owned by this rank mirrors the local
	// patch it was built from.
	runWorlds(t, 2, quietConfig(), func(w *World) error {
		obj := w.CreateCollisionObject()
		rank := w.Rank().ID()
		if err := SetEntityData(obj, blobRow(4, float64(rank*4), 0)); err != nil {
			return err
		}
		w.StartIteration()
		if err := obj.InitBroadphase(); err != nil {
			return err
		}
		w.FinishIteration()

		for local, want := range obj.LocalPatches() {
			slot := obj.broadTable.Local(w.Rank(), obj.offset()+local)
			if slot.patch != want {
				t.Errorf("rank %d slot %d: patch = %+v, want %+v", rank, obj.offset()+local, slot.patch, want)
			}
			if slot.origin != rank || slot.local != local {
				t.Errorf("rank %d slot %d: origin/local = %d/%d, want %d/%d",
					rank, obj.offset()+local, slot.origin, slot.local, rank, local)
			}
		}
		return nil
	})
}

func TestActivePatchesMatchCopyAll(t *testing.T) {
	base := quietConfig()
	ref, _ := crossRankScene(t, base)

	variants := []struct {
		name    string
		copyAll bool
		trees   bool
	}{
		{"tous les patches", true, true},
		{"actifs sans arbre", false, false},
		{"tous sans arbre", true, false},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			cfg := quietConfig()
			cfg.CopyAllNarrowphasePatches = v.copyAll
			cfg.BuildTrees = v.trees
			got, _ := crossRankScene(t, cfg)
			for rank := range ref {
				if !slices.Equal(got[rank], ref[rank]) {
					t.Errorf("rank %d results = %v, want %v", rank, got[rank], ref[rank])
				}
			}
		})
	}
}

func TestBroadphasePairLevelResults(t *testing.T) {
	// Without a narrowphase func every ready pair reports once per side,
	// with no element detail.
	runWorlds(t, 1, quietConfig(), func(w *World) error {
		objA := w.CreateCollisionObject()
		objB := w.CreateCollisionObject()
		if err := SetEntityData(objA, blobRow(2, 0, 0)); err != nil {
			return err
		}
		if err := SetEntityData(objB, blobRow(2, 0, 0.5)); err != nil {
			return err
		}

		w.StartIteration()
		if err := objA.InitBroadphase(); err != nil {
			return err
		}
		if err := objB.InitBroadphase(); err != nil {
			return err
		}
		objB.Broadphase(objA)
		var gotB, gotA []Result
		objB.ForEachResult(func(res Result) { gotB = append(gotB, res) })
		objA.ForEachResult(func(res Result) { gotA = append(gotA, res) })
		w.FinishIteration()

		want := []Result{
			{PatchA: 0, PatchB: 0, ElementA: -1, ElementB: -1},
			{PatchA: 1, PatchB: 1, ElementA: -1, ElementB: -1},
		}
		sortResults(gotB)
		sortResults(gotA)
		if !slices.Equal(gotB, want) {
			t.Errorf("B results = %v, want %v", gotB, want)
		}
		if !slices.Equal(gotA, want) {
			t.Errorf("A results = %v, want %v", gotA, want)
		}
		return nil
	})
}

func TestMultiPhaseCollisions(t *testing.T) {
	phases := []struct {
		dy   float64
		hits int
	}{
		{0.5, 2},
		{10.5, 0}, // apart, nothing may survive from the previous phase
		{0.5, 2},
	}
	modes := []struct {
		name    string
		copyAll bool
	}{
		{"actifs seulement", false},
		{"tous les patches", true},
	}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			cfg := quietConfig()
			cfg.CopyAllNarrowphasePatches = mode.copyAll
			runWorlds(t, 1, cfg, func(w *World) error {
				objA := w.CreateCollisionObject()
				objB := w.CreateCollisionObject()
				for p, phase := range phases {
					if err := SetEntityData(objA, blobRow(2, 0, 0)); err != nil {
						return err
					}
					if err := SetEntityData(objB, blobRow(2, 0, phase.dy)); err != nil {
						return err
					}
					w.StartIteration()
					if err := objA.InitBroadphase(); err != nil {
						return err
					}
					if err := objB.InitBroadphase(); err != nil {
						return err
					}
					objB.Broadphase(objA)
					count := 0
					objB.ForEachResult(func(Result) { count++ })
					w.FinishIteration()
					if count != phase.hits {
						t.Errorf("phase %d: %d results, want %d", p, count, phase.hits)
					}
					// In copy-all mode every slot was republished, so a pairless
					// phase must leave every destination cache empty.
					if mode.copyAll && phase.hits == 0 {
						for _, obj := range []*CollisionObject{objA, objB} {
							for local := 0; local < obj.od; local++ {
								e := obj.narrowTable.Local(w.Rank(), obj.offset()+local)
								if len(e.ghostDestinations) != 0 {
									t.Errorf("phase %d: slot %d keeps %d ghost destinations",
										p, obj.offset()+local, len(e.ghostDestinations))
								}
							}
						}
					}
				}
				return nil
			})
		})
	}
}

func TestEmptyObject(t *testing.T) {
	// An object without entities still participates in the protocol: all its
	// patches carry the empty bound, so it never produces candidates.
	runWorlds(t, 1, quietConfig(), func(w *World) error {
		objA := w.CreateCollisionObject()
		objB := w.CreateCollisionObject()
		if err := SetEntityData(objA, blobRow(2, 0, 0)); err != nil {
			return err
		}
		if err := SetEntityData(objB, []blob{}); err != nil {
			return err
		}

		w.StartIteration()
		if err := objA.InitBroadphase(); err != nil {
			return err
		}
		if err := objB.InitBroadphase(); err != nil {
			return err
		}
		objB.Broadphase(objA)
		count := 0
		objB.ForEachResult(func(Result) { count++ })
		w.FinishIteration()
		if count != 0 {
			t.Errorf("empty object produced %d results, want 0", count)
		}
		return nil
	})
}

func TestForEachTree(t *testing.T) {
	t.Run("avec arbres", func(t *testing.T) {
		runWorlds(t, 2, quietConfig(), func(w *World) error {
			obj := w.CreateCollisionObject()
			if err := SetEntityData(obj, blobRow(4, float64(w.Rank().ID()*4), 0)); err != nil {
				return err
			}
			w.StartIteration()
			if err := obj.InitBroadphase(); err != nil {
				return err
			}
			sizes := make(chan int, 1)
			obj.ForEachTree(func(tr *tree.Tree) { sizes <- tr.Size() })
			w.FinishIteration()
			select {
			case size := <-sizes:
				if size != obj.OverdecompositionFactor() {
					t.Errorf("tree size = %d, want %d", size, obj.OverdecompositionFactor())
				}
			default:
				t.Errorf("ForEachTree never ran")
			}
			return nil
		})
	})

	t.Run("sans arbres", func(t *testing.T) {
		cfg := quietConfig()
		cfg.BuildTrees = false
		runWorlds(t, 1, cfg, func(w *World) error {
			obj := w.CreateCollisionObject()
			if err := SetEntityData(obj, blobRow(2, 0, 0)); err != nil {
				return err
			}
			w.StartIteration()
			if err := obj.InitBroadphase(); err != nil {
				return err
			}
			ran := false
			obj.ForEachTree(func(*tree.Tree) { ran = true })
			w.FinishIteration()
			if ran {
				t.Errorf("ForEachTree ran without trees enabled")
			}
			return nil
		})
	})
}

func TestBroadphaseArgumentPanics(t *testing.T) {
	panics := func(fn func()) (panicked bool) {
		defer func() { panicked = recover() != nil }()
		fn()
		return false
	}
	runWorlds(t, 1, quietConfig(), func(w *World) error {
		obj := w.CreateCollisionObject()
		if !panics(func() { obj.Broadphase(obj) }) {
			t.Errorf("Broadphase against itself did not panic")
		}
		if !panics(func() { obj.Broadphase(nil) }) {
			t.Errorf("Broadphase(nil) did not panic")
		}
		return nil
	})
}

func TestIdleObjectLifecycle(t *testing.T) {
	// WaitAll and EndPhase must be safe on an object with no queued stages,
	// and EndPhase twice in a row is a no-op.
	runWorlds(t, 1, quietConfig(), func(w *World) error {
		obj := w.CreateCollisionObject()
		obj.WaitAll()
		obj.EndPhase()
		obj.EndPhase()
		obj.WaitAll()
		return nil
	})
}
