package job

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// QueueItem is an entry in the in-memory priority heap
type QueueItem struct {
	Job      *models.SyncJob
	Priority int
	Index    int
}

// PriorityQueue implements heap.Interface. Higher priority pops first, ties
// broken by earlier run_at.
type PriorityQueue []*QueueItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].Job.RunAt.Before(pq[j].Job.RunAt)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*QueueItem)
	item.Index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*pq = old[:n-1]
	return item
}

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*models.SyncJob
	ready *PriorityQueue
	items map[uuid.UUID]*QueueItem
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	pq := &PriorityQueue{}
	heap.Init(pq)
	return &MemoryStore{
		jobs:  make(map[uuid.UUID]*models.SyncJob),
		ready: pq,
		items: make(map[uuid.UUID]*QueueItem),
	}
}

func clone(j *models.SyncJob) *models.SyncJob {
	c := *j
	return &c
}

// sync keeps the heap in step with a job's state; caller holds mu.
func (s *MemoryStore) sync(j *models.SyncJob) {
	item, inHeap := s.items[j.ID]
	if j.State != types.JobQueued {
		if inHeap {
			heap.Remove(s.ready, item.Index)
			delete(s.items, j.ID)
		}
		return
	}
	if inHeap {
		item.Job = j
		item.Priority = j.Priority
		heap.Fix(s.ready, item.Index)
		return
	}
	item = &QueueItem{Job: j, Priority: j.Priority, Index: -1}
	heap.Push(s.ready, item)
	s.items[j.ID] = item
}

// Insert stores a new job.
func (s *MemoryStore) Insert(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := clone(job)
	s.jobs[c.ID] = c
	s.sync(c)
	return nil
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return clone(j), nil
}

// ClaimDue pops due jobs in priority order; jobs not yet due are put back.
func (s *MemoryStore) ClaimDue(ctx context.Context, workerID string, now time.Time, limit int) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*models.SyncJob
	var notDue []*QueueItem
	for s.ready.Len() > 0 && len(claimed) < limit {
		item := heap.Pop(s.ready).(*QueueItem)
		delete(s.items, item.Job.ID)
		if item.Job.RunAt.After(now) {
			notDue = append(notDue, item)
			continue
		}
		j := item.Job
		j.State = types.JobActive
		j.Attempts++
		w := workerID
		j.LockedBy = &w
		hb := now
		j.HeartbeatAt = &hb
		j.UpdatedAt = now
		claimed = append(claimed, clone(j))
	}
	for _, item := range notDue {
		heap.Push(s.ready, item)
		s.items[item.Job.ID] = item
	}
	return claimed, nil
}

// Settle replaces the stored job while owner still holds it.
func (s *MemoryStore) Settle(ctx context.Context, job *models.SyncJob, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if !heldBy(cur, owner) {
		return ErrLostClaim
	}
	c := clone(job)
	s.jobs[c.ID] = c
	s.sync(c)
	return nil
}

func heldBy(j *models.SyncJob, owner string) bool {
	return j.State == types.JobActive && j.LockedBy != nil && *j.LockedBy == owner
}

// Heartbeat refreshes an active job's heartbeat if the worker still owns it.
func (s *MemoryStore) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !heldBy(j, workerID) {
		return ErrLostClaim
	}
	t := at
	j.HeartbeatAt = &t
	return nil
}

// ListStalled returns active jobs with an old heartbeat.
func (s *MemoryStore) ListStalled(ctx context.Context, before time.Time) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SyncJob
	for _, j := range s.jobs {
		if j.State == types.JobActive && (j.HeartbeatAt == nil || j.HeartbeatAt.Before(before)) {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

// FindOpen returns a queued or active job of kind for the tenant/platform.
func (s *MemoryStore) FindOpen(ctx context.Context, tenantID string, platform types.Platform, kind types.JobKind) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Platform == platform && j.Kind == kind &&
			(j.State == types.JobQueued || j.State == types.JobActive) {
			return clone(j), nil
		}
	}
	return nil, nil
}

// CountActive counts active non-exclusive jobs for the tenant/platform.
func (s *MemoryStore) CountActive(ctx context.Context, tenantID string, platform types.Platform) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Platform == platform && j.State == types.JobActive && !j.Exclusive {
			n++
		}
	}
	return n, nil
}

// CountByState counts jobs per state.
func (s *MemoryStore) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[types.JobState]int{}
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}
