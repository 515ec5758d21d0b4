package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// readyQueue keeps queued tasks ordered by queueKey. It is guarded by the
// scheduler mutex.
type readyQueue struct {
	tree *redblacktree.Tree
	keys map[string]queueKey
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		tree: redblacktree.NewWith(keyComparator),
		keys: make(map[string]queueKey),
	}
}

// push files t under its current fields, replacing any earlier entry.
func (q *readyQueue) push(t *Task, seq uint64) {
	q.remove(t.id)
	key := keyOf(t, seq)
	q.tree.Put(key, t)
	q.keys[t.id] = key
}

func (q *readyQueue) remove(id string) bool {
	key, ok := q.keys[id]
	if !ok {
		return false
	}
	q.tree.Remove(key)
	delete(q.keys, id)
	return true
}

// rekey refiles t keeping its enqueue sequence.
func (q *readyQueue) rekey(t *Task) {
	key, ok := q.keys[t.id]
	if !ok {
		return
	}
	q.push(t, key.seq)
}

func (q *readyQueue) contains(id string) bool {
	_, ok := q.keys[id]
	return ok
}

func (q *readyQueue) peek() *Task {
	node := q.tree.Left()
	if node == nil {
		return nil
	}
	return node.Value.(*Task)
}

func (q *readyQueue) pop() *Task {
	t := q.peek()
	if t != nil {
		q.remove(t.id)
	}
	return t
}

func (q *readyQueue) len() int { return q.tree.Size() }

// tasks returns the queued tasks in dispatch order.
func (q *readyQueue) tasks() []*Task {
	out := make([]*Task, 0, q.tree.Size())
	it := q.tree.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Task))
	}
	return out
}
