// Package cluster is an in-process stand-in for a distributed runtime: a
// fixed set of ranks, each with a single-threaded mailbox, exchanging
// messages through globally indexed collections. Message handlers and stage
// bodies always execute on the owning rank's mailbox goroutine, so state
// owned by a rank never needs locking. Completion of an operation, including
// every message transitively sent while handling it, is tracked with epoch
// credit counting and surfaced as a Pending handle.
package cluster

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrRanks = errors.New("cluster: rank count must be at least 1")

// Cluster owns the ranks of a run. Create it once, then drive every rank with
// the same SPMD function through Run.
type Cluster struct {
	ranks   []*Rank
	loops   sync.WaitGroup
	barrier barrier

	mu       sync.Mutex
	registry map[string]*regEntry
	shared   map[string]*sharedCount
}

// New creates a cluster with the given number of ranks.
func New(ranks int) (*Cluster, error) {
	if ranks < 1 {
		return nil, ErrRanks
	}
	c := &Cluster{
		registry: make(map[string]*regEntry),
		shared:   make(map[string]*sharedCount),
	}
	c.barrier.init(ranks)
	for i := 0; i < ranks; i++ {
		c.ranks = append(c.ranks, &Rank{c: c, id: i, mbox: newQueue()})
	}
	return c, nil
}

func (c *Cluster) NumRanks() int {
	return len(c.ranks)
}

func (c *Cluster) Rank(id int) *Rank {
	return c.ranks[id]
}

// Run starts one mailbox loop and one driver goroutine per rank, calls fn on
// every rank concurrently, and shuts the mailboxes down once every driver has
// returned. The drivers must issue the same sequence of collective operations
// on every rank. A cluster can be run once.
func (c *Cluster) Run(fn func(*Rank) error) error {
	for _, r := range c.ranks {
		c.loops.Add(1)
		go func(r *Rank) {
			defer c.loops.Done()
			r.loop()
		}(r)
	}

	g := new(errgroup.Group)
	for _, r := range c.ranks {
		r := r
		g.Go(func() error { return fn(r) })
	}
	err := g.Wait()

	for _, r := range c.ranks {
		r.mbox.close()
	}
	c.loops.Wait()
	return err
}

// Barrier blocks the calling driver until every rank's driver has reached it.
// Reusable across phases. Must not be called from mailbox context.
func (c *Cluster) Barrier() {
	c.barrier.await()
}

type sharedCount struct {
	e       *epoch
	waiting int
}

// Collective registers the calling rank's share of a cluster-wide operation
// and returns the shared completion handle plus a release function to call
// once per local completion. The handle resolves only after every rank has
// registered under the same name and every release everywhere has been
// called, which is what turns a stage into a global ordering point. Names
// must be unique per operation; registration never blocks.
func (c *Cluster) Collective(name string, local int) (*Pending, func()) {
	c.mu.Lock()
	s, ok := c.shared[name]
	if !ok {
		s = &sharedCount{e: newEpoch(name), waiting: len(c.ranks)}
		c.shared[name] = s
	}
	for i := 0; i < local; i++ {
		s.e.add()
	}
	s.waiting--
	last := s.waiting == 0
	if last {
		// Every rank holds its reference now, the registry entry is done.
		delete(c.shared, name)
	}
	c.mu.Unlock()
	if last {
		s.e.seal()
	}
	return s.e.p, s.e.release
}

// Rank is one compute rank: an id and a mailbox. The values handed to
// message handlers and stage bodies are per-delivery views of the rank
// carrying the epoch of what the mailbox is executing; sends made with such
// a view join that epoch. The original rank held by a driver carries no
// epoch, so driver sends get one-shot tracking.
type Rank struct {
	c    *Cluster
	id   int
	mbox *queue
	amb  *epoch
}

func (r *Rank) ID() int {
	return r.id
}

func (r *Rank) Cluster() *Cluster {
	return r.c
}

func (r *Rank) loop() {
	for {
		fn, ok := r.mbox.pop()
		if !ok {
			return
		}
		fn()
	}
}

// withEpoch derives the view of this rank that handlers executing under e
// receive. The view is immutable, so reading the ambient epoch never races.
func (r *Rank) withEpoch(e *epoch) *Rank {
	view := *r
	view.amb = e
	return &view
}

// deliver queues fn on this rank's mailbox under the given epoch. fn
// receives the executing view; the epoch credit for this message is released
// once fn has run.
func (r *Rank) deliver(e *epoch, fn func(*Rank)) {
	view := r.withEpoch(e)
	queued := r.mbox.push(func() {
		fn(view)
		e.release()
	})
	if !queued {
		// Shutdown: nothing will run, drop the credit so waiters unblock.
		e.release()
	}
}

// Post schedules fn on the rank's mailbox without completion tracking.
func (r *Rank) Post(fn func()) {
	r.mbox.push(fn)
}

// send queues fn on target under the caller's ambient epoch. From outside
// mailbox context there is no ambient epoch, so the message gets a one-shot
// epoch of its own and the returned handle tracks just this send.
func send(from, target *Rank, label string, fn func(*Rank)) *Pending {
	e := from.amb
	oneShot := e == nil
	if oneShot {
		e = newEpoch(label)
	}
	e.add()
	target.deliver(e, fn)
	if oneShot {
		e.seal()
	}
	return e.p
}

// Invoke runs fn on the rank's mailbox and returns a handle resolved once fn
// and every message it transitively sent have completed.
func (r *Rank) Invoke(name string, fn func(*Rank)) *Pending {
	return r.Step(name, func(rv *Rank) *Pending {
		fn(rv)
		return nil
	})
}

// Step runs fn on the rank's mailbox under a fresh epoch. fn receives the
// executing view, which it must use for any sends it makes. The returned
// handle resolves once fn has run, every message it transitively sent has
// been handled, and the handle fn itself returned (if any) has resolved.
func (r *Rank) Step(name string, fn func(*Rank) *Pending) *Pending {
	e := newEpoch(name)
	e.add()
	out := NewPending()
	view := r.withEpoch(e)
	queued := r.mbox.push(func() {
		inner := fn(view)
		e.seal()
		e.release()
		go func() {
			<-e.p.Done()
			<-inner.Done()
			out.Complete()
		}()
	})
	if !queued {
		e.seal()
		e.release()
		out.Complete()
	}
	return out
}

// queue is an unbounded FIFO. Mailboxes must not apply backpressure: a
// bounded channel could deadlock two ranks sending to each other.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available; ok is false once the queue is closed
// and drained.
func (q *queue) pop() (fn func(), ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	fn = q.items[0]
	q.items = q.items[1:]
	return fn, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// barrier is a reusable sense-reversing barrier over the rank drivers.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   int
}

func (b *barrier) init(n int) {
	b.n = n
	b.cond = sync.NewCond(&b.mu)
}

func (b *barrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
