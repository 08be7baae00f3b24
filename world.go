package plume

import (
	"context"
	"log/slog"

	"github.com/akmonengine/plume/cluster"
	"github.com/akmonengine/plume/split"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DEFAULT_WORKERS = 1

// World drives collision phases for one rank. Every rank runs its own World
// over the same program (SPMD): object creation, phase brackets and
// broadphase calls must happen in the same order everywhere.
type World struct {
	rank        *cluster.Rank
	cfg         Config
	splitter    split.Strategy
	narrowphase NarrowphaseFunc
	objects     []*CollisionObject

	log   *slog.Logger
	runID string
	phase int
	span  trace.Span
}

// NewWorld validates the configuration and binds a world to its rank.
func NewWorld(rank *cluster.Rank, cfg Config) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initMetrics()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &World{
		rank:     rank,
		cfg:      cfg,
		splitter: split.Axis{},
		runID:    uuid.NewString(),
	}
	// L'identifiant varie par rang: chaque World est une instance distincte.
	w.log = logger.With("instance_id", w.runID, "rank", rank.ID())
	w.log.Info("collision world ready",
		"ranks", rank.Cluster().NumRanks(),
		"overdecomposition", cfg.Overdecomposition,
		"build_trees", cfg.BuildTrees)
	return w, nil
}

// CreateCollisionObject collectively creates the next collision object. The
// call blocks until every rank has created it, so the returned instances are
// symmetric.
func (w *World) CreateCollisionObject() *CollisionObject {
	o := newCollisionObject(w, len(w.objects))
	w.objects = append(w.objects, o)
	w.log.Info("collision object created", "object", o.id, "local_patches", o.od)
	return o
}

// SetNarrowphaseFunc installs the exact test run on every candidate pair.
// Without one, the narrowphase records one pair-level result per candidate.
func (w *World) SetNarrowphaseFunc(fn NarrowphaseFunc) {
	w.narrowphase = fn
}

// SetSplitStrategy replaces the default median split used by SetEntityData.
func (w *World) SetSplitStrategy(s split.Strategy) {
	w.splitter = s
}

func (w *World) Rank() *cluster.Rank {
	return w.rank
}

func (w *World) Config() Config {
	return w.cfg
}

func (w *World) workers() int {
	return max(DEFAULT_WORKERS, w.cfg.Workers)
}

// StartIteration opens the next collision phase.
func (w *World) StartIteration() {
	w.phase++
	_, w.span = tracer.Start(context.Background(), "phase",
		trace.WithAttributes(
			attribute.Int("phase", w.phase),
			attribute.Int("rank", w.rank.ID()),
			attribute.String("instance_id", w.runID),
		))
	w.log.Debug("phase started", "phase", w.phase)
}

// FinishIteration drains every object's stages on this rank, waits for the
// other ranks, then recycles the chains. After it returns, every result of
// the phase has been delivered and the objects are ready for the next
// StartIteration.
func (w *World) FinishIteration() {
	for _, o := range w.objects {
		o.WaitAll()
	}
	w.rank.Cluster().Barrier()
	for _, o := range w.objects {
		o.EndPhase()
	}
	if w.span != nil {
		w.span.End()
		w.span = nil
	}
	w.log.Debug("phase finished", "phase", w.phase)
}
