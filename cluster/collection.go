package cluster

import "fmt"

// regEntry coordinates the collective construction of a named collection:
// the first rank to arrive builds it, everyone blocks until all ranks have
// arrived.
type regEntry struct {
	value     any
	remaining int
	ready     chan struct{}
}

// register, when non-nil, runs under the registry lock before the arrival is
// counted, so per-rank setup is visible to every rank released by the
// rendezvous.
func rendezvous[V any](c *Cluster, name string, build func() V, register func(V)) V {
	c.mu.Lock()
	e, ok := c.registry[name]
	if !ok {
		e = &regEntry{
			value:     build(),
			remaining: len(c.ranks),
			ready:     make(chan struct{}),
		}
		c.registry[name] = e
	}
	v := e.value.(V)
	if register != nil {
		register(v)
	}
	e.remaining--
	last := e.remaining == 0
	c.mu.Unlock()
	if last {
		close(e.ready)
	}
	<-e.ready
	return v
}

// Collection is a distributed map from a global index in [0, bounds) to one
// element, with a fixed block mapping of indices onto ranks. Each element has
// exactly one writer at a time: the handler functions delivered to its owning
// rank's mailbox.
type Collection[T any] struct {
	c      *Cluster
	name   string
	bounds int
	block  int
	slots  []T
}

// MakeCollection collectively allocates (or, on later calls from the
// remaining ranks, retrieves) the named collection. Every rank must call it
// exactly once with the same bounds; bounds must be a multiple of the rank
// count so the block mapping is uniform.
func MakeCollection[T any](r *Rank, name string, bounds int) (*Collection[T], error) {
	n := r.c.NumRanks()
	if bounds <= 0 || bounds%n != 0 {
		return nil, fmt.Errorf("cluster: collection %q bounds %d not divisible by %d ranks", name, bounds, n)
	}
	coll := rendezvous(r.c, name, func() *Collection[T] {
		return &Collection[T]{
			c:      r.c,
			name:   name,
			bounds: bounds,
			block:  bounds / n,
			slots:  make([]T, bounds),
		}
	}, nil)
	return coll, nil
}

func (cl *Collection[T]) Bounds() int {
	return cl.bounds
}

// Owner returns the rank owning the given global index.
func (cl *Collection[T]) Owner(idx int) int {
	return idx / cl.block
}

// Send delivers fn to the element's owning rank, where it runs with
// exclusive access to the element. fn receives the executing rank, so a
// handler can send further messages; those nested sends join the same epoch
// and the returned handle resolves only once all of them have completed too.
func (cl *Collection[T]) Send(from *Rank, idx int, fn func(r *Rank, elem *T)) *Pending {
	owner := cl.c.ranks[cl.Owner(idx)]
	return send(from, owner, cl.name, func(rv *Rank) { fn(rv, &cl.slots[idx]) })
}

// Local hands the owning rank direct access to one of its own elements.
// Only valid from the owner's mailbox context; anything else breaks the
// one-writer discipline, so a mismatched rank panics.
func (cl *Collection[T]) Local(r *Rank, idx int) *T {
	if cl.Owner(idx) != r.id {
		panic(fmt.Sprintf("cluster: rank %d asked for local access to %s[%d] owned by rank %d",
			r.id, cl.name, idx, cl.Owner(idx)))
	}
	return &cl.slots[idx]
}

// LocalRange returns the half-open interval of global indices owned by the
// rank.
func (cl *Collection[T]) LocalRange(r *Rank) (start, end int) {
	return r.id * cl.block, (r.id + 1) * cl.block
}

// Group holds one element per rank, the "holder" pattern: a per-rank object
// servicing requests against rank-local state.
type Group[T any] struct {
	c     *Cluster
	name  string
	slots []T
}

// MakeGroup collectively creates the named group, registering local as the
// calling rank's element. Every rank must call it exactly once.
func MakeGroup[T any](r *Rank, name string, local T) *Group[T] {
	return rendezvous(r.c, name, func() *Group[T] {
		return &Group[T]{c: r.c, name: name, slots: make([]T, r.c.NumRanks())}
	}, func(g *Group[T]) {
		g.slots[r.id] = local
	})
}

// Send delivers fn to the group element of the given rank. Same epoch rules
// as Collection.Send.
func (g *Group[T]) Send(from *Rank, rank int, fn func(r *Rank, elem T)) *Pending {
	target := g.c.ranks[rank]
	return send(from, target, g.name, func(rv *Rank) { fn(rv, g.slots[rank]) })
}

// Broadcast delivers fn to the group element of every rank, the caller's
// included.
func (g *Group[T]) Broadcast(from *Rank, fn func(r *Rank, elem T)) {
	for id := range g.slots {
		g.Send(from, id, fn)
	}
}

// Local returns the calling rank's own element.
func (g *Group[T]) Local(r *Rank) T {
	return g.slots[r.id]
}

// DynamicSet is a collection whose membership is not fixed at creation:
// elements are inserted on demand, each homed at the rank that discovered
// the need for it. Inserts are only legal inside a modification window that
// is opened and closed collectively, so no rank can observe a half-built
// set.
type DynamicSet[K comparable, T any] struct {
	c      *Cluster
	name   string
	locals []dynLocal[K, T]
}

type dynLocal[K comparable, T any] struct {
	opens int
	elems map[K]*T
}

// MakeDynamicSet collectively creates the named dynamic set, empty on every
// rank.
func MakeDynamicSet[K comparable, T any](r *Rank, name string) *DynamicSet[K, T] {
	return rendezvous(r.c, name, func() *DynamicSet[K, T] {
		d := &DynamicSet[K, T]{c: r.c, name: name, locals: make([]dynLocal[K, T], r.c.NumRanks())}
		for i := range d.locals {
			d.locals[i].elems = make(map[K]*T)
		}
		return d
	}, nil)
}

// BeginModification opens the insert window on every rank. The broadcast
// joins the caller's ambient epoch, so a stage body invoking it completes
// only once every rank has opened its window; any stage ordered after it may
// insert freely on any rank.
func (d *DynamicSet[K, T]) BeginModification(from *Rank) {
	for id, target := range d.c.ranks {
		id := id
		send(from, target, d.name, func(*Rank) { d.locals[id].opens++ })
	}
}

// FinishModification closes the window opened by the matching
// BeginModification. The opens are counted, not boolean: a rank only sends
// its closes after its own inserts have completed everywhere, so the window
// stays open wherever traffic from a slower rank can still arrive.
func (d *DynamicSet[K, T]) FinishModification(from *Rank) {
	for id, target := range d.c.ranks {
		id := id
		send(from, target, d.name, func(*Rank) { d.locals[id].opens-- })
	}
}

// Insert creates the element for key at the given home rank if it does not
// exist yet. The home rank's modification window must be open by the time
// the insert is delivered; stage ordering guarantees that, and an insert
// landing on a closed window panics.
func (d *DynamicSet[K, T]) Insert(from *Rank, home int, key K) *Pending {
	target := d.c.ranks[home]
	return send(from, target, d.name, func(*Rank) {
		l := &d.locals[home]
		if l.opens == 0 {
			panic(fmt.Sprintf("cluster: insert into %s outside modification window on rank %d", d.name, home))
		}
		if _, exists := l.elems[key]; !exists {
			l.elems[key] = new(T)
		}
	})
}

// Send delivers fn to the element for key homed at the given rank. The
// element must have been inserted earlier in the phase; addressing a key
// that was never inserted is a protocol-ordering bug.
func (d *DynamicSet[K, T]) Send(from *Rank, home int, key K, fn func(r *Rank, elem *T)) *Pending {
	target := d.c.ranks[home]
	return send(from, target, d.name, func(rv *Rank) {
		elem, ok := d.locals[home].elems[key]
		if !ok {
			panic(fmt.Sprintf("cluster: %s has no element %v on rank %d", d.name, key, home))
		}
		fn(rv, elem)
	})
}

// LocalEach visits every element homed at the calling rank. Mailbox context
// only; iteration order is unspecified.
func (d *DynamicSet[K, T]) LocalEach(r *Rank, fn func(key K, elem *T)) {
	for k, v := range d.locals[r.id].elems {
		fn(k, v)
	}
}

// LocalLen returns the number of elements homed at the calling rank.
func (d *DynamicSet[K, T]) LocalLen(r *Rank) int {
	return len(d.locals[r.id].elems)
}

// Clear removes every element homed at the calling rank. The backing map is
// kept, so repopulating the set next phase does not reallocate it.
func (d *DynamicSet[K, T]) Clear(r *Rank) {
	clear(d.locals[r.id].elems)
}
