package sched

import (
	"cmp"
	"strings"
)

// statusBucket places statuses in the order RanToCompletion, Faulted, Canceled,
// WaitingToRun, WaitingForActivation, Created. Running never sits in the queue
// and sorts last when running tasks are compared for victim selection.
var statusBucket = map[Status]int{
	StatusRanToCompletion:      0,
	StatusFaulted:              1,
	StatusCanceled:             2,
	StatusWaitingToRun:         3,
	StatusWaitingForActivation: 4,
	StatusCreated:              5,
	StatusRunning:              6,
}

// queueKey is the ordering key of a queued task. seq breaks priority ties in
// enqueue order and id keeps keys unique.
type queueKey struct {
	wants    bool
	bucket   int
	priority int
	seq      uint64
	id       string
}

func keyOf(t *Task, seq uint64) queueKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return queueKey{
		wants:    t.wantsToRun,
		bucket:   statusBucket[t.status],
		priority: t.settings.Priority,
		seq:      seq,
		id:       t.id,
	}
}

// compareKeys orders a before b when a should be dispatched first.
func compareKeys(a, b queueKey) int {
	if a.wants != b.wants {
		if a.wants {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.bucket, b.bucket); c != 0 {
		return c
	}
	if c := cmp.Compare(b.priority, a.priority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.seq, b.seq); c != 0 {
		return c
	}
	return strings.Compare(a.id, b.id)
}

func keyComparator(a, b interface{}) int {
	return compareKeys(a.(queueKey), b.(queueKey))
}

// Compare orders tasks by readiness, then status bucket, then descending priority.
// It returns 0 for tasks that only differ in identity.
func Compare(a, b *Task) int {
	ka, kb := keyOf(a, 0), keyOf(b, 0)
	ka.id, kb.id = "", ""
	return compareKeys(ka, kb)
}

// CompareStatus orders two statuses by bucket.
func CompareStatus(a, b Status) int {
	return cmp.Compare(statusBucket[a], statusBucket[b])
}
