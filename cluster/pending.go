package cluster

import (
	"sync"
	"sync/atomic"
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Pending is the completion handle of an asynchronous operation. A nil
// *Pending is valid and means "already complete", which is how stage
// functions signal a no-op.
type Pending struct {
	once sync.Once
	done chan struct{}
}

func NewPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Complete resolves the handle. Completing twice is harmless.
func (p *Pending) Complete() {
	p.once.Do(func() { close(p.done) })
}

// Done returns a channel closed once the operation has completed.
func (p *Pending) Done() <-chan struct{} {
	if p == nil {
		return closedChan
	}
	return p.done
}

// Wait blocks until completion. Must not be called from a rank's mailbox
// context when the completion depends on that same mailbox.
func (p *Pending) Wait() {
	<-p.Done()
}

// Resolved reports completion without blocking.
func (p *Pending) Resolved() bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// All returns a handle resolved once every input has resolved.
func All(pendings ...*Pending) *Pending {
	out := NewPending()
	go func() {
		for _, p := range pendings {
			<-p.Done()
		}
		out.Complete()
	}()
	return out
}

// epoch tracks the transitive completion of a rooted set of messages with
// credit counting: every send adds a credit, every handled message releases
// one, and sends made from inside a handler join the handler's epoch. The
// epoch's pending resolves once it is sealed (no further root sends) and all
// credits have been released.
type epoch struct {
	name    string
	credits atomic.Int64
	sealed  atomic.Bool
	p       *Pending
}

func newEpoch(name string) *epoch {
	return &epoch{name: name, p: NewPending()}
}

func (e *epoch) add() {
	e.credits.Add(1)
}

func (e *epoch) release() {
	if e.credits.Add(-1) == 0 && e.sealed.Load() {
		e.p.Complete()
	}
}

func (e *epoch) seal() {
	e.sealed.Store(true)
	if e.credits.Load() == 0 {
		e.p.Complete()
	}
}
