package engine

import (
	"container/heap"
	"time"

	"jobqueue/internal/task/job"
)

// timedItem caches the start a job was queued with, so heap order never
// depends on a Timing the owner might mutate while the job waits.
type timedItem struct {
	job   job.Job
	start int64 // unix nanos
	index int
}

type timedHeap []*timedItem

func (h timedHeap) Len() int { return len(h) }

func (h timedHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].job.ID() < h[j].job.ID()
}

func (h timedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timedHeap) Push(x any) {
	it := x.(*timedItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// timedSet holds jobs whose start is in the future, ordered by (start, id).
// Lookup is by id, so a job is always found regardless of its timing.
type timedSet struct {
	h    timedHeap
	byID map[uint64]*timedItem
}

func newTimedSet() timedSet {
	return timedSet{byID: map[uint64]*timedItem{}}
}

func (t *timedSet) len() int { return len(t.h) }

func (t *timedSet) push(j job.Job, start time.Time) {
	it := &timedItem{job: j, start: start.UnixNano()}
	t.byID[j.ID()] = it
	heap.Push(&t.h, it)
}

func (t *timedSet) remove(id uint64) bool {
	it, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	if it.index >= 0 {
		heap.Remove(&t.h, it.index)
	}
	return true
}

// next returns the earliest start, if any.
func (t *timedSet) next() (time.Time, bool) {
	if len(t.h) == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, t.h[0].start), true
}

// popDue removes every job with start <= now, in ascending order.
func (t *timedSet) popDue(now time.Time) []job.Job {
	limit := now.UnixNano()
	var due []job.Job
	for len(t.h) > 0 && t.h[0].start <= limit {
		it := heap.Pop(&t.h).(*timedItem)
		delete(t.byID, it.job.ID())
		due = append(due, it.job)
	}
	return due
}

// shift moves every queued start by delta. A uniform shift keeps heap order.
func (t *timedSet) shift(delta time.Duration) {
	for _, it := range t.h {
		it.start += int64(delta)
		it.job.Timing().Shift(delta)
	}
}

func (t *timedSet) each(fn func(j job.Job, start time.Time)) {
	for _, it := range t.h {
		fn(it.job, time.Unix(0, it.start))
	}
}

func (t *timedSet) clear() int {
	n := len(t.h)
	t.h = nil
	t.byID = map[uint64]*timedItem{}
	return n
}
