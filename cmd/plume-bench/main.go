package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/akmonengine/plume"
	"github.com/akmonengine/plume/cluster"
	"github.com/akmonengine/plume/kdop"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	ranks      int
	od         int
	entities   int
	phases     int
	workers    int
	noTrees    bool
	allPatches bool
	telemetry  bool
	verbose    bool
	configPath string

	rootCmd = &cobra.Command{
		Use:   "plume-bench",
		Short: "Benchmark the collision pipeline with two bodies flying through each other",
		Long: `plume-bench simulates a fixed number of ranks in one process and runs the
full broadphase/narrowphase pipeline on two blocks of spheres moving toward
each other. Hit counts rise as the blocks interpenetrate, then fall again.`,
		RunE: runBench,
	}
)

func init() {
	rootCmd.Flags().IntVar(&ranks, "ranks", 4, "compute ranks to simulate")
	rootCmd.Flags().IntVar(&od, "overdecomposition", 2, "sub-domains per rank")
	rootCmd.Flags().IntVar(&entities, "entities", 512, "spheres per rank per object")
	rootCmd.Flags().IntVar(&phases, "phases", 8, "collision phases to run")
	rootCmd.Flags().IntVar(&workers, "workers", 4, "worker goroutines per rank")
	rootCmd.Flags().BoolVar(&noTrees, "no-trees", false, "brute-force the broadphase instead of building trees")
	rootCmd.Flags().BoolVar(&allPatches, "all-patches", false, "publish every narrowphase patch, not only the active ones")
	rootCmd.Flags().BoolVar(&telemetry, "telemetry", false, "export metrics and traces to stdout")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "debug logging")
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (flags override it)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("plume-bench: %v", err)
	}
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg := plume.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = plume.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("overdecomposition") {
		cfg.Overdecomposition = od
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = workers
	}
	if noTrees {
		cfg.BuildTrees = false
	}
	if allPatches {
		cfg.CopyAllNarrowphasePatches = true
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if telemetry {
		shutdown, err := setupTelemetry()
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("telemetry shutdown: %v", err)
			}
		}()
	}

	c, err := cluster.New(ranks)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := c.Run(func(r *cluster.Rank) error { return runRank(r, cfg) }); err != nil {
		return err
	}
	fmt.Printf("%d ranks x %d spheres x 2 objects, %d phases: %s\n",
		ranks, entities, phases, time.Since(start).Round(time.Millisecond))
	return nil
}

// ball is the benchmark element: a sphere in free flight.
type ball struct {
	Center   mgl64.Vec3
	Radius   float64
	Velocity mgl64.Vec3
}

func (b ball) Bound() kdop.DOP      { return kdop.FromSphere(b.Center, b.Radius) }
func (b ball) Centroid() mgl64.Vec3 { return b.Center }

// sphereTest is the exact test: every touching sphere pair yields one result
// on each side.
func sphereTest(a, b plume.PatchData) (hitsA, hitsB []plume.Result) {
	ballsA := plume.ElementsOf[ball](a.Data)
	ballsB := plume.ElementsOf[ball](b.Data)
	for i, ea := range ballsA {
		for j, eb := range ballsB {
			d := ea.Center.Sub(eb.Center)
			r := ea.Radius + eb.Radius
			if d.Dot(d) <= r*r {
				hit := plume.Result{ElementA: i, ElementB: j}
				hitsA = append(hitsA, hit)
				hitsB = append(hitsB, hit)
			}
		}
	}
	return hitsA, hitsB
}

func runRank(r *cluster.Rank, cfg plume.Config) error {
	w, err := plume.NewWorld(r, cfg)
	if err != nil {
		return err
	}
	w.SetNarrowphaseFunc(sphereTest)
	objA := w.CreateCollisionObject()
	objB := w.CreateCollisionObject()

	const radius = 0.5
	const spacing = 2.0
	side := int(math.Ceil(math.Cbrt(float64(entities))))
	span := float64(side) * spacing
	// Chaque bloc traverse l'autre en une moitié des phases.
	speed := 3.0 * span / float64(phases)

	ballsA := makeBalls(r.ID(), side, radius, spacing, mgl64.Vec3{0, 0, -span}, mgl64.Vec3{0, 0, speed})
	ballsB := makeBalls(r.ID(), side, radius, spacing, mgl64.Vec3{span / 2, 0, span}, mgl64.Vec3{0, 0, -speed})

	for phase := 1; phase <= phases; phase++ {
		advance(ballsA)
		advance(ballsB)
		if err := plume.SetEntityData(objA, ballsA); err != nil {
			return err
		}
		if err := plume.SetEntityData(objB, ballsB); err != nil {
			return err
		}

		w.StartIteration()
		if err := objA.InitBroadphase(); err != nil {
			return err
		}
		if err := objB.InitBroadphase(); err != nil {
			return err
		}
		objA.Broadphase(objB)

		hits := 0
		objA.ForEachResult(func(plume.Result) { hits++ })
		w.FinishIteration()

		fmt.Printf("rank %d phase %d: %d hits\n", r.ID(), phase, hits)
	}
	return nil
}

// makeBalls lays out side^3 spheres in a grid cube. Each rank owns its own
// slab along x; the second object is offset by half a slab so pairs cross
// rank boundaries.
func makeBalls(rank, side int, radius, spacing float64, origin, vel mgl64.Vec3) []ball {
	balls := make([]ball, 0, side*side*side)
	base := origin.Add(mgl64.Vec3{float64(rank) * float64(side) * spacing, 0, 0})
	for x := 0; x < side; x++ {
		for y := 0; y < side; y++ {
			for z := 0; z < side; z++ {
				center := base.Add(mgl64.Vec3{
					float64(x) * spacing,
					float64(y) * spacing,
					float64(z) * spacing,
				})
				balls = append(balls, ball{Center: center, Radius: radius, Velocity: vel})
			}
		}
	}
	return balls
}

func advance(balls []ball) {
	for i := range balls {
		balls[i].Center = balls[i].Center.Add(balls[i].Velocity)
	}
}

func setupTelemetry() (func(context.Context) error, error) {
	res := resource.NewWithAttributes("",
		attribute.String("service.name", "plume-bench"),
	)

	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
