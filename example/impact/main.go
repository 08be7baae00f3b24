package main

import (
	"fmt"
	"log"

	"github.com/akmonengine/plume"
	"github.com/akmonengine/plume/cluster"
	"github.com/akmonengine/plume/kdop"
	"github.com/go-gl/mathgl/mgl64"
)

// Sphere is the entity type: its raw bytes travel between ranks and are
// decoded back inside the narrowphase functor.
type Sphere struct {
	Center mgl64.Vec3
	Radius float64
}

func (s Sphere) Bound() kdop.DOP      { return kdop.FromSphere(s.Center, s.Radius) }
func (s Sphere) Centroid() mgl64.Vec3 { return s.Center }

// touching reports every sphere pair in contact, once per side.
func touching(a, b plume.PatchData) (hitsA, hitsB []plume.Result) {
	sa := plume.ElementsOf[Sphere](a.Data)
	sb := plume.ElementsOf[Sphere](b.Data)
	for i, ea := range sa {
		for j, eb := range sb {
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

// wallSlab builds this rank's slice of the wall: a 4x4 plate of spheres.
func wallSlab(rank int) []Sphere {
	spheres := make([]Sphere, 0, 16)
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			spheres = append(spheres, Sphere{
				Center: mgl64.Vec3{float64(rank*4+x) + 0.5, float64(y) + 0.5, 0},
				Radius: 0.5,
			})
		}
	}
	return spheres
}

func main() {
	// Deux rangs dans le même processus, le même programme sur chacun.
	c, err := cluster.New(2)
	if err != nil {
		log.Fatal(err)
	}

	cfg := plume.DefaultConfig()
	cfg.Workers = 2

	err = c.Run(func(r *cluster.Rank) error {
		w, err := plume.NewWorld(r, cfg)
		if err != nil {
			return err
		}
		w.SetNarrowphaseFunc(touching)

		wall := w.CreateCollisionObject()
		shot := w.CreateCollisionObject()

		spheres := wallSlab(r.ID())
		bullet := []Sphere{{
			Center: mgl64.Vec3{float64(r.ID()*4) + 1.5, 1.5, 8},
			Radius: 0.75,
		}}

		for phase := 1; phase <= 4; phase++ {
			// Le projectile avance vers le mur à chaque phase.
			bullet[0].Center[2] -= 2.5

			if err := plume.SetEntityData(wall, spheres); err != nil {
				return err
			}
			if err := plume.SetEntityData(shot, bullet); err != nil {
				return err
			}

			w.StartIteration()
			if err := wall.InitBroadphase(); err != nil {
				return err
			}
			if err := shot.InitBroadphase(); err != nil {
				return err
			}
			shot.Broadphase(wall)

			shot.ForEachResult(func(res plume.Result) {
				fmt.Printf("💥 rank %d phase %d: shot patch %d sphere %d hit wall patch %d sphere %d\n",
					r.ID(), phase, res.PatchA, res.ElementA, res.PatchB, res.ElementB)
			})
			w.FinishIteration()
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
}
