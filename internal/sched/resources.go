package sched

import (
	"cmp"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// Lock hierarchy: table guard -> resource ownership -> wait-queue lock.
// Every method that reads or changes a resource takes a *tableGuard, so the
// table mutex is provably held whenever ownership or a wait queue is touched.

type waiter struct {
	taskID    string
	priority  int
	seq       uint64
	abandoned bool
}

func waiterComparator(a, b interface{}) int {
	x, y := a.(*waiter), b.(*waiter)
	if c := cmp.Compare(y.priority, x.priority); c != 0 {
		return c
	}
	return cmp.Compare(x.seq, y.seq)
}

type resource struct {
	uri    string
	holder string

	qmu     sync.Mutex
	queue   *priorityqueue.Queue
	waiting map[string]*waiter
}

func newResource(uri string) *resource {
	return &resource{
		uri:     uri,
		queue:   priorityqueue.NewWith(waiterComparator),
		waiting: make(map[string]*waiter),
	}
}

func (r *resource) free(_ *tableGuard) bool              { return r.holder == "" }
func (r *resource) heldBy(_ *tableGuard, id string) bool { return r.holder == id }
func (r *resource) take(_ *tableGuard, id string)        { r.holder = id }
func (r *resource) drop(_ *tableGuard)                   { r.holder = "" }

// join records the task in the wait queue unless it is already waiting.
func (r *resource) join(_ *tableGuard, w *waiter) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if _, ok := r.waiting[w.taskID]; ok {
		return
	}
	r.waiting[w.taskID] = w
	r.queue.Enqueue(w)
}

// head returns the live waiter with the best rank, discarding abandoned entries.
func (r *resource) head(_ *tableGuard) string {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	for {
		v, ok := r.queue.Peek()
		if !ok {
			return ""
		}
		w := v.(*waiter)
		if !w.abandoned {
			return w.taskID
		}
		r.queue.Dequeue()
	}
}

// admit removes id from the head of the queue after a successful acquisition.
func (r *resource) admit(g *tableGuard, id string) {
	if r.head(g) != id {
		return
	}
	r.qmu.Lock()
	defer r.qmu.Unlock()
	r.queue.Dequeue()
	delete(r.waiting, id)
}

// leave marks the task's entry abandoned; it is dropped lazily by head.
func (r *resource) leave(_ *tableGuard, id string) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	if w, ok := r.waiting[id]; ok {
		w.abandoned = true
		delete(r.waiting, id)
	}
}

func (r *resource) waiters(_ *tableGuard) int {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	return len(r.waiting)
}

// ResourceInfo describes a registered resource.
type ResourceInfo struct {
	URI     string `json:"uri"`
	Holder  string `json:"holder,omitempty"`
	Waiters int    `json:"waiters"`
}

type resourceTable struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*resource
	seq     uint64

	onAcquire func(uri, taskID string, waited time.Duration)
}

type tableGuard struct {
	tbl *resourceTable
}

func newResourceTable() *resourceTable {
	rt := &resourceTable{entries: make(map[string]*resource)}
	rt.cond = sync.NewCond(&rt.mu)
	return rt
}

func (rt *resourceTable) lock() *tableGuard {
	rt.mu.Lock()
	return &tableGuard{tbl: rt}
}

func (g *tableGuard) unlock() { g.tbl.mu.Unlock() }
func (g *tableGuard) wait() { g.tbl.cond.Wait() }
func (g *tableGuard) wakeAll() { g.tbl.cond.Broadcast() }
func (g *tableGuard) next() uint64 {
	g.tbl.seq++
	return g.tbl.seq
}

func (g *tableGuard) lookup(uri string) *resource {
	return g.tbl.entries[uri]
}

// register adds resources that are not known yet. It is idempotent.
func (rt *resourceTable) register(uris []string) {
	g := rt.lock()
	defer g.unlock()
	for _, uri := range uris {
		if _, ok := rt.entries[uri]; !ok {
			rt.entries[uri] = newResource(uri)
		}
	}
}

func (rt *resourceTable) snapshot() []ResourceInfo {
	g := rt.lock()
	defer g.unlock()
	out := make([]ResourceInfo, 0, len(rt.entries))
	for _, r := range rt.entries {
		out = append(out, ResourceInfo{URI: r.uri, Holder: r.holder, Waiters: r.waiters(g)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// acquire blocks until taskID heads the wait queue of every resource in uris and
// all of them are free, then takes them together and runs action. No subset is
// ever held while waiting. A canceled ctx abandons the queue entries and returns
// the cancellation cause.
func (rt *resourceTable) acquire(ctx context.Context, taskID string, priority int, uris []string, action func() error) error {
	g := rt.lock()
	need := make([]*resource, 0, len(uris))
	for _, uri := range uris {
		r := g.lookup(uri)
		if r == nil {
			g.unlock()
			return fmt.Errorf("%w: %s is not registered", ErrResourceNotOwned, uri)
		}
		if !r.heldBy(g, taskID) {
			need = append(need, r)
		}
	}
	if len(need) == 0 {
		g.unlock()
		return action()
	}

	seq := g.next()
	for _, r := range need {
		r.join(g, &waiter{taskID: taskID, priority: priority, seq: seq})
	}
	started := time.Now()
	stop := context.AfterFunc(ctx, func() {
		rt.mu.Lock()
		rt.cond.Broadcast()
		rt.mu.Unlock()
	})
	defer stop()

	for !admissible(g, need, taskID) {
		if ctx.Err() != nil {
			for _, r := range need {
				r.leave(g, taskID)
			}
			g.wakeAll()
			g.unlock()
			return context.Cause(ctx)
		}
		g.wait()
	}
	for _, r := range need {
		r.admit(g, taskID)
		r.take(g, taskID)
	}
	// Other waiters may have become head of a queue we just left.
	g.wakeAll()
	g.unlock()

	if rt.onAcquire != nil {
		waited := time.Since(started)
		for _, r := range need {
			rt.onAcquire(r.uri, taskID, waited)
		}
	}
	defer rt.release(need, taskID)
	return action()
}

func admissible(g *tableGuard, need []*resource, taskID string) bool {
	for _, r := range need {
		if !r.free(g) || r.head(g) != taskID {
			return false
		}
	}
	return true
}

func (rt *resourceTable) release(held []*resource, taskID string) {
	g := rt.lock()
	defer g.unlock()
	for _, r := range held {
		if r.heldBy(g, taskID) {
			r.drop(g)
		}
	}
	g.wakeAll()
}
