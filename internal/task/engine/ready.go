package engine

import (
	"container/list"
	"context"
	"sync"

	"jobqueue/internal/task/job"
)

// readyQueue is the FIFO of runnable jobs. It supports membership and
// removal by job id, and blocking pops that can be abandoned via context or
// a per-worker quit channel.
type readyQueue struct {
	mu    sync.Mutex
	items *list.List // of Next
	index map[uint64]*list.Element
	stops int

	// signal has capacity 1. A popper that finds more work re-signals, so a
	// single push never strands other waiters.
	signal chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		items:  list.New(),
		index:  map[uint64]*list.Element{},
		signal: make(chan struct{}, 1),
	}
}

func (q *readyQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *readyQueue) push(j job.Job) {
	q.mu.Lock()
	q.index[j.ID()] = q.items.PushBack(Next{job: j})
	q.mu.Unlock()
	q.notify()
}

func (q *readyQueue) pushShutdown() {
	q.mu.Lock()
	q.items.PushBack(shutdownNext)
	q.stops++
	q.mu.Unlock()
	q.notify()
}

func (q *readyQueue) contains(id uint64) bool {
	q.mu.Lock()
	_, ok := q.index[id]
	q.mu.Unlock()
	return ok
}

func (q *readyQueue) remove(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[id]
	if !ok {
		return false
	}
	q.items.Remove(e)
	delete(q.index, id)
	return true
}

// len counts jobs only, not pending shutdown sentinels.
func (q *readyQueue) len() int {
	q.mu.Lock()
	n := q.items.Len() - q.stops
	q.mu.Unlock()
	return n
}

// head returns the oldest queued job, or nil.
func (q *readyQueue) head() job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.items.Front(); e != nil; e = e.Next() {
		if n := e.Value.(Next); !n.shutdown {
			return n.job
		}
	}
	return nil
}

func (q *readyQueue) each(fn func(j job.Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.items.Front(); e != nil; e = e.Next() {
		if n := e.Value.(Next); !n.shutdown {
			fn(n.job)
		}
	}
}

// clear discards every queued job. Pending sentinels are kept.
func (q *readyQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for e := q.items.Front(); e != nil; {
		next := e.Next()
		if v := e.Value.(Next); !v.shutdown {
			q.items.Remove(e)
			n++
		}
		e = next
	}
	q.index = map[uint64]*list.Element{}
	return n
}

// pop blocks until an entry is available. It reports false when ctx is done
// or quit is closed first. A non-nil claim is called with the head job while
// the queue is locked; if it refuses, the job stays queued and pop reports
// false.
func (q *readyQueue) pop(ctx context.Context, quit <-chan struct{}, claim func(j job.Job) bool) (Next, bool) {
	for {
		q.mu.Lock()
		if e := q.items.Front(); e != nil {
			n := e.Value.(Next)
			if !n.shutdown && claim != nil && !claim(n.job) {
				q.mu.Unlock()
				q.notify()
				return Next{}, false
			}
			q.items.Remove(e)
			if n.shutdown {
				q.stops--
			} else {
				delete(q.index, n.job.ID())
			}
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return n, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Next{}, false
		case <-quit:
			return Next{}, false
		case <-q.signal:
		}
	}
}
