package cluster

import (
	"errors"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew_InvalidRanks verifies the rank count is validated.
func TestNew_InvalidRanks(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrRanks)
}

// TestRun_DrivesEveryRank verifies one driver call per rank.
func TestRun_DrivesEveryRank(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	var visited atomic.Int64
	err = c.Run(func(r *Rank) error {
		visited.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), visited.Load())
}

// TestRun_PropagatesDriverError verifies a failing driver surfaces through
// Run without hanging the other ranks.
func TestRun_PropagatesDriverError(t *testing.T) {
	boom := errors.New("boom")
	c, err := New(3)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		if r.ID() == 1 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

// TestPending_NilIsComplete verifies the nil handle idiom.
func TestPending_NilIsComplete(t *testing.T) {
	var p *Pending
	assert.True(t, p.Resolved())
	p.Wait()
}

// TestStep_InnerPendingGates verifies a step does not complete before the
// handle its body returned has resolved.
func TestStep_InnerPendingGates(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		inner := NewPending()
		out := r.Step("held", func(*Rank) *Pending { return inner })
		assert.False(t, out.Resolved(), "step must wait for the returned handle")
		inner.Complete()
		out.Wait()
		return nil
	})
	require.NoError(t, err)
}

// TestInvoke_TracksNestedSends verifies epoch credit counting: the handle
// resolves only after messages sent from inside handlers have run too.
func TestInvoke_TracksNestedSends(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	var ran atomic.Int64
	err = c.Run(func(r *Rank) error {
		g := MakeGroup(r, "g", r.ID())
		if r.ID() != 0 {
			return nil
		}
		p := r.Invoke("ping", func(rv *Rank) {
			g.Send(rv, 1, func(r1 *Rank, _ int) {
				ran.Add(1)
				g.Send(r1, 0, func(_ *Rank, _ int) {
					ran.Add(1)
				})
			})
		})
		p.Wait()
		assert.Equal(t, int64(2), ran.Load(), "both hops must have run before the handle resolved")
		return nil
	})
	require.NoError(t, err)
}

// TestCollection_SendRoutesToOwner verifies every send lands on the owning
// rank's element exactly once.
func TestCollection_SendRoutesToOwner(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		coll, err := MakeCollection[int](r, "slots", 4)
		if err != nil {
			return err
		}
		ps := make([]*Pending, 0, 4)
		for i := 0; i < 4; i++ {
			ps = append(ps, coll.Send(r, i, func(_ *Rank, e *int) { *e++ }))
		}
		All(ps...).Wait()
		c.Barrier()

		r.Invoke("check", func(rv *Rank) {
			start, end := coll.LocalRange(rv)
			for g := start; g < end; g++ {
				assert.Equal(t, 2, *coll.Local(rv, g), "slot %d should have one increment per rank", g)
			}
		}).Wait()
		return nil
	})
	require.NoError(t, err)
}

// TestCollection_BoundsValidation verifies non-uniform block mappings are
// rejected.
func TestCollection_BoundsValidation(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		_, err := MakeCollection[int](r, "bad", 3)
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

// TestCollection_LocalRejectsForeignSlot verifies the one-writer guard.
func TestCollection_LocalRejectsForeignSlot(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		coll, err := MakeCollection[int](r, "guarded", 4)
		if err != nil {
			return err
		}
		if r.ID() == 1 {
			assert.Panics(t, func() { coll.Local(r, 0) })
		}
		return nil
	})
	require.NoError(t, err)
}

// TestCollective_WaitsForEveryRank verifies the shared handle cannot resolve
// until the last rank has registered and released.
func TestCollective_WaitsForEveryRank(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		if r.ID() == 0 {
			p, release := c.Collective("op", 1)
			release()
			assert.False(t, p.Resolved(), "rank 1 has not registered yet")
			c.Barrier()
			p.Wait()
		} else {
			c.Barrier()
			p, release := c.Collective("op", 1)
			release()
			p.Wait()
		}
		return nil
	})
	require.NoError(t, err)
}

// TestGroup_BroadcastReachesEveryRank verifies a broadcast from one rank
// runs against every rank's element before its handle resolves.
func TestGroup_BroadcastReachesEveryRank(t *testing.T) {
	c, err := New(3)
	require.NoError(t, err)

	type holder struct{ seen int }
	err = c.Run(func(r *Rank) error {
		h := &holder{}
		g := MakeGroup(r, "peers", h)
		if r.ID() == 0 {
			r.Invoke("bcast", func(rv *Rank) {
				g.Broadcast(rv, func(_ *Rank, e *holder) { e.seen++ })
			}).Wait()
		}
		c.Barrier()
		r.Invoke("check", func(*Rank) {
			assert.Equal(t, 1, h.seen)
		}).Wait()
		return nil
	})
	require.NoError(t, err)
}

// TestDynamicSet_WindowInsertAndClear walks the whole lifecycle: collective
// open, cross-rank insert, modify, collective close, then clear.
func TestDynamicSet_WindowInsertAndClear(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	err = c.Run(func(r *Rank) error {
		d := MakeDynamicSet[string, int](r, "set")
		key := "from" + strconv.Itoa(r.ID())
		home := (r.ID() + 1) % 2

		r.Invoke("open", func(rv *Rank) { d.BeginModification(rv) }).Wait()
		r.Invoke("insert", func(rv *Rank) {
			d.Insert(rv, home, key)
			d.Send(rv, home, key, func(_ *Rank, v *int) { *v = 7 })
		}).Wait()
		r.Invoke("close", func(rv *Rank) { d.FinishModification(rv) }).Wait()
		c.Barrier()

		r.Invoke("check", func(rv *Rank) {
			assert.Equal(t, 1, d.LocalLen(rv), "each rank homes the other rank's pair")
			d.LocalEach(rv, func(k string, v *int) {
				assert.Equal(t, "from"+strconv.Itoa(home), k)
				assert.Equal(t, 7, *v)
			})
			d.Clear(rv)
			assert.Equal(t, 0, d.LocalLen(rv))
		}).Wait()
		return nil
	})
	require.NoError(t, err)
}

// TestBarrier_Reusable verifies the barrier separates phases in both
// directions across several rounds.
func TestBarrier_Reusable(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	var count atomic.Int64
	err = c.Run(func(r *Rank) error {
		for phase := 0; phase < 3; phase++ {
			if r.ID() == 0 {
				count.Add(1)
			}
			c.Barrier()
			assert.Equal(t, int64(phase+1), count.Load())
			c.Barrier()
		}
		return nil
	})
	require.NoError(t, err)
}
