package engine

import (
	"context"
	"sort"
	"strconv"
)

// RunQueue grows the pool to n runners, capped at HardMaxRunners. Before
// AllowParallelOperation it only ever starts the first runner.
func (s *Scheduler) RunQueue(n int) {
	limit := min(n, s.Config().HardMaxRunners())

	// alive is read under poolMu: Shutdown counts runners under the same
	// lock, so a runner spawned here is either counted or never started.
	s.poolMu.Lock()
	if !s.alive.Load() || s.sup == nil || (len(s.workers) > 0 && !s.parallel.Load()) {
		s.poolMu.Unlock()
		return
	}
	for len(s.workers) < limit {
		s.spawnLocked()
	}
	total := len(s.workers)
	s.poolMu.Unlock()
	s.metrics.Runners(total)
}

// AllowParallelOperation ends single-runner startup and fills the pool to
// MaxRunners.
func (s *Scheduler) AllowParallelOperation() {
	s.parallel.Store(true)
	s.RunQueue(s.Config().MaxRunners)
}

func (s *Scheduler) Parallel() bool { return s.parallel.Load() }

// AddWorkers starts up to n more runners and returns how many it started.
func (s *Scheduler) AddWorkers(n int) int {
	if n <= 0 || !s.parallel.Load() {
		return 0
	}
	hard := s.Config().HardMaxRunners()

	s.poolMu.Lock()
	if !s.alive.Load() || s.sup == nil {
		s.poolMu.Unlock()
		return 0
	}
	added := 0
	for added < n && len(s.workers) < hard {
		s.spawnLocked()
		added++
	}
	total := len(s.workers)
	s.poolMu.Unlock()

	if added > 0 {
		s.metrics.Runners(total)
	}
	return added
}

// RemoveIdleWorkers stops up to n runners that are not executing a job,
// newest first, never going below MinRunners. Busy runners are left alone.
func (s *Scheduler) RemoveIdleWorkers(n int) int {
	if n <= 0 {
		return 0
	}
	floor := s.Config().MinRunners

	s.poolMu.Lock()
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	removed := 0
	for _, id := range ids {
		if removed >= n || len(s.workers) <= floor {
			break
		}
		if !s.workers[id].stopIfIdle() {
			continue
		}
		delete(s.workers, id)
		removed++
	}
	total := len(s.workers)
	s.poolMu.Unlock()

	if removed > 0 {
		s.metrics.Runners(total)
	}
	return removed
}

func (s *Scheduler) ActiveWorkers() int {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	return len(s.workers)
}

// spawnLocked starts a runner with the smallest free id. poolMu must be held.
func (s *Scheduler) spawnLocked() {
	id := 1
	for {
		if _, used := s.workers[id]; !used {
			break
		}
		id++
	}
	w := newWorker(id)
	s.workers[id] = w
	s.spawned.Add(1)
	s.sup.Go("runner."+strconv.Itoa(id), func(ctx context.Context) error {
		return s.runWorker(ctx, w)
	})
}
