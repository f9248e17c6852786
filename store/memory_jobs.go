package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"storystudio/domain"
)

type InMemoryJobStore struct {
	mu        sync.Mutex
	jobs      map[int64]*domain.Job
	items     map[int64]*domain.JobItem
	itemsByJb map[int64][]int64
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs:      make(map[int64]*domain.Job),
		items:     make(map[int64]*domain.JobItem),
		itemsByJb: make(map[int64][]int64),
	}
}

func (s *InMemoryJobStore) CreateJob(_ context.Context, job *domain.Job, items []domain.JobItem) error {
	if job == nil || job.ID == 0 {
		return domain.Errorf(domain.CodeParamInvalid, "job/id 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.Errorf(domain.CodeDuplicate, "job 已存在: %d", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	ids := make([]int64, 0, len(items))
	for i := range items {
		it := items[i]
		s.items[it.ID] = &it
		ids = append(ids, it.ID)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	s.itemsByJb[job.ID] = ids
	return nil
}

func (s *InMemoryJobStore) DeleteJob(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.itemsByJb[jobID] {
		delete(s.items, id)
	}
	delete(s.itemsByJb, jobID)
	delete(s.jobs, jobID)
	return nil
}

func (s *InMemoryJobStore) GetJob(_ context.Context, jobID int64) (*domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false, nil
	}
	cp := *j
	return &cp, true, nil
}

func (s *InMemoryJobStore) GetItem(_ context.Context, itemID int64) (*domain.JobItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, false, nil
	}
	cp := *it
	return &cp, true, nil
}

func (s *InMemoryJobStore) ListItems(_ context.Context, jobID int64) ([]domain.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.itemsByJb[jobID]
	out := make([]domain.JobItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.items[id])
	}
	return out, nil
}

func (s *InMemoryJobStore) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	s.mu.Lock()
	matched := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if f.UserID != 0 && j.UserID != f.UserID {
			continue
		}
		if f.ProjectID != 0 && j.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.JobType != "" && j.JobType != f.JobType {
			continue
		}
		matched = append(matched, *j)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID > matched[b].ID
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})
	total := len(matched)
	offset, limit := f.Window()
	if offset >= total {
		return []domain.Job{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *InMemoryJobStore) StartItem(_ context.Context, itemID int64, now time.Time) (domain.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return domain.StartResult{}, domain.ErrJobNotFound
	}
	j := s.jobs[it.JobID]
	if j == nil {
		return domain.StartResult{}, domain.ErrJobNotFound
	}
	if it.Status.Terminal() || j.Status.Terminal() {
		return domain.StartResult{Item: *it, Job: *j}, nil
	}
	it.Status = domain.StatusRunning
	it.Attempts++
	if it.StartedAt == nil {
		t := now
		it.StartedAt = &t
	}
	if j.Status == domain.StatusPending {
		j.Status = domain.StatusRunning
		t := now
		j.StartedAt = &t
		j.UpdatedAt = now
	}
	return domain.StartResult{Started: true, Item: *it, Job: *j}, nil
}

func (s *InMemoryJobStore) CompleteItem(_ context.Context, itemID int64, o domain.ItemOutcome, now time.Time) (domain.CompleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return domain.CompleteResult{}, domain.ErrJobNotFound
	}
	j := s.jobs[it.JobID]
	if j == nil {
		return domain.CompleteResult{}, domain.ErrJobNotFound
	}
	if it.Status.Terminal() {
		return domain.CompleteResult{Item: *it, Job: *j}, nil
	}
	it.ApplyOutcome(o, now)
	finalized := j.ApplyOutcome(o, now)
	return domain.CompleteResult{Applied: true, Finalized: finalized, Item: *it, Job: *j}, nil
}

func (s *InMemoryJobStore) CancelJob(_ context.Context, jobID int64, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	switch j.Status {
	case domain.StatusCanceled:
		return nil, domain.ErrJobCanceled
	case domain.StatusSucceeded, domain.StatusFailed:
		return nil, domain.ErrJobCompleted
	}
	t := now
	j.Status = domain.StatusCanceled
	j.FinishedAt = &t
	j.UpdatedAt = now
	for _, id := range s.itemsByJb[jobID] {
		it := s.items[id]
		if it.Status.Terminal() {
			continue
		}
		it.Status = domain.StatusCanceled
		it.FinishedAt = &t
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryJobStore) ListStaleItems(_ context.Context, runningBefore, pendingBefore time.Time, limit int) ([]domain.JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JobItem, 0)
	for _, it := range s.items {
		switch it.Status {
		case domain.StatusRunning:
			if it.StartedAt != nil && it.StartedAt.Before(runningBefore) {
				out = append(out, *it)
			}
		case domain.StatusPending:
			if it.CreatedAt.Before(pendingBefore) {
				out = append(out, *it)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
