package batch

import (
	"context"
	"sync"

	"outreach/internal/model"
)

// MemoryQueue is a process-local Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	order []string
	jobs  map[string]*model.BatchJob
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*model.BatchJob)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job model.BatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; !ok {
		q.order = append(q.order, job.ID)
	}
	job.TargetIDs = append([]string(nil), job.TargetIDs...)
	q.jobs[job.ID] = &job
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID, targetID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil
	}
	for i, id := range j.TargetIDs {
		if id == targetID {
			j.TargetIDs = append(j.TargetIDs[:i], j.TargetIDs[i+1:]...)
			break
		}
	}
	if len(j.TargetIDs) == 0 {
		delete(q.jobs, jobID)
		for i, id := range q.order {
			if id == jobID {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context) ([]model.BatchJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.BatchJob, 0, len(q.order))
	for _, id := range q.order {
		j := *q.jobs[id]
		j.TargetIDs = append([]string(nil), j.TargetIDs...)
		out = append(out, j)
	}
	return out, nil
}
