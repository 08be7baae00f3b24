// Package chain implements per-index ordered asynchronous stage chains: one
// chain per local sub-domain, each advancing through named stages. A stage
// for an index never starts before the previous stage of that same index has
// completed. Collective stages wait for every local index before any body
// runs and complete only once every rank has finished the stage, so they
// are the pipeline's global ordering points; merged stages additionally
// join two sets, which is how two independently paced pipelines synchronize
// exactly where they must and nowhere else.
package chain

import (
	"fmt"
	"time"

	"github.com/akmonengine/plume/cluster"
)

// StepFunc is one stage body for one index. It runs on the rank's mailbox
// and receives the executing rank view, which it must use for any messages
// it sends so they count toward the stage's completion. It may return a
// completion handle for work it started; returning nil means the stage is
// complete as soon as the body (and everything it sent) has finished. The
// designated "index 0 does the collective work, the rest return nil" pattern
// is a defined idiom, not an error.
type StepFunc func(r *cluster.Rank, idx int) *cluster.Pending

// Set is a group of per-index stage chains, all advancing through the same
// stage sequence. One Set per rank; every rank must create sets with the
// same names and schedule the same stages in the same order.
type Set struct {
	rank  *cluster.Rank
	name  string
	seq   int
	tails []*cluster.Pending
	hook  func(step string, elapsed time.Duration)
}

// NewSet creates chains for indices [0, count) executing on the given rank.
func NewSet(rank *cluster.Rank, name string, count int) *Set {
	return &Set{rank: rank, name: name, tails: make([]*cluster.Pending, count)}
}

func (s *Set) Count() int {
	return len(s.tails)
}

// OnStep installs an instrumentation hook invoked once per index per stage
// with the stage name and the time from readiness to completion. The hook
// may be called concurrently.
func (s *Set) OnStep(hook func(step string, elapsed time.Duration)) {
	s.hook = hook
}

// NextStep schedules fn for every index, each gated only on that index's
// previous stage.
func (s *Set) NextStep(name string, fn StepFunc) {
	for i := range s.tails {
		s.tails[i] = s.schedule(name, i, []*cluster.Pending{s.tails[i]}, fn, nil)
	}
}

// NextStepCollective schedules fn for every index, gated on every local
// index having completed its previous stage. The stage completes as a whole:
// anything ordered after it, on any rank, runs only once every rank has
// finished every instance of fn and the messages they sent.
func (s *Set) NextStepCollective(name string, fn StepFunc) {
	s.seq++
	shared, done := s.rank.Cluster().Collective(
		fmt.Sprintf("%s/%s#%d", s.name, name, s.seq), s.Count())
	join := make([]*cluster.Pending, len(s.tails))
	copy(join, s.tails)
	for i := range s.tails {
		s.schedule(name, i, join, fn, done)
		s.tails[i] = shared
	}
}

// MergeStepCollective schedules a joint collective stage across two sets:
// fn for an index runs only once every local index of both sets has
// completed its previous stage, and subsequent stages of either set are
// ordered after the whole stage has finished on every rank. Both sets must
// have the same index count and execute on the same rank.
func MergeStepCollective(name string, a, b *Set, fn StepFunc) {
	if a.rank != b.rank {
		panic(fmt.Sprintf("chain: merging %s and %s across ranks", a.name, b.name))
	}
	if a.Count() != b.Count() {
		panic(fmt.Sprintf("chain: merged sets have %d and %d indices", a.Count(), b.Count()))
	}
	a.seq++
	b.seq++
	shared, done := a.rank.Cluster().Collective(
		fmt.Sprintf("%s+%s/%s#%d.%d", a.name, b.name, name, a.seq, b.seq), a.Count())
	join := make([]*cluster.Pending, 0, a.Count()+b.Count())
	join = append(join, a.tails...)
	join = append(join, b.tails...)
	for i := range a.tails {
		a.schedule(name, i, join, fn, done)
		a.tails[i] = shared
		b.tails[i] = shared
	}
}

// WaitAll blocks until every scheduled stage of every index has completed.
// Driver context only; scheduling more stages concurrently is a caller bug.
func (s *Set) WaitAll() {
	for _, t := range s.tails {
		t.Wait()
	}
}

// PhaseDone recycles the bookkeeping for the next phase. The caller must
// have observed completion of all in-flight stages (WaitAll). Calling it on
// an already-clean set is a no-op.
func (s *Set) PhaseDone() {
	for i := range s.tails {
		s.tails[i] = nil
	}
}

func (s *Set) schedule(name string, idx int, deps []*cluster.Pending, fn StepFunc, done func()) *cluster.Pending {
	out := cluster.NewPending()
	go func() {
		for _, d := range deps {
			<-d.Done()
		}
		start := time.Now()
		p := s.rank.Step(name, func(rv *cluster.Rank) *cluster.Pending { return fn(rv, idx) })
		<-p.Done()
		if s.hook != nil {
			s.hook(name, time.Since(start))
		}
		if done != nil {
			done()
		}
		out.Complete()
	}()
	return out
}
