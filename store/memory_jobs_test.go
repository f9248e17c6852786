package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
)

func seedJob(t *testing.T, s *InMemoryJobStore, jobID int64, n int, now time.Time) []domain.JobItem {
	t.Helper()
	job := &domain.Job{
		ID:         jobID,
		UserID:     7,
		ProjectID:  1,
		JobType:    domain.JobGenShotImage,
		Status:     domain.StatusPending,
		TotalItems: n,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items := make([]domain.JobItem, n)
	for i := range items {
		items[i] = domain.JobItem{
			ID:         jobID*100 + int64(i+1),
			JobID:      jobID,
			TargetType: domain.TargetShot,
			TargetID:   int64(i + 1),
			Seq:        1,
			Status:     domain.StatusPending,
			CreatedAt:  now,
		}
	}
	require.NoError(t, s.CreateJob(context.Background(), job, items))
	return items
}

func TestStartItemFlipsJobRunning(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewInMemoryJobStore()
	items := seedJob(t, s, 1, 2, now)

	res, err := s.StartItem(ctx, items[0].ID, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, domain.StatusRunning, res.Item.Status)
	assert.Equal(t, 1, res.Item.Attempts)
	assert.Equal(t, domain.StatusRunning, res.Job.Status)
	require.NotNil(t, res.Job.StartedAt)

	// re-claim after a crash keeps the first startedAt
	res2, err := s.StartItem(ctx, items[0].ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res2.Started)
	assert.Equal(t, 2, res2.Item.Attempts)
	assert.Equal(t, *res.Job.StartedAt, *res2.Job.StartedAt)
}

func TestCompleteItemIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryJobStore()
	items := seedJob(t, s, 1, 3, now)

	r1, err := s.CompleteItem(ctx, items[0].ID, domain.Success(11, 10, "u1"), now)
	require.NoError(t, err)
	assert.True(t, r1.Applied)
	assert.False(t, r1.Finalized)

	r2, err := s.CompleteItem(ctx, items[0].ID, domain.Success(11, 10, "u1"), now)
	require.NoError(t, err)
	assert.False(t, r2.Applied)
	assert.Equal(t, 1, r2.Job.DoneItems)

	_, err = s.CompleteItem(ctx, items[1].ID, domain.Success(12, 10, "u2"), now)
	require.NoError(t, err)
	r3, err := s.CompleteItem(ctx, items[2].ID, domain.Failure("provider timeout"), now)
	require.NoError(t, err)
	assert.True(t, r3.Finalized)
	assert.Equal(t, domain.StatusSucceeded, r3.Job.Status)
	assert.EqualValues(t, 20, r3.Job.CostPoints)
	assert.Equal(t, 2, r3.Job.SucceededItems)
	assert.Equal(t, "1/3 个子任务失败", r3.Job.ErrorMessage)
	assert.Equal(t, "u1", r3.Job.ResultURL)

	got, ok, err := s.GetItem(ctx, items[2].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "provider timeout", got.ErrorMessage)
}

func TestConcurrentCompletionFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryJobStore()
	const n = 50
	items := seedJob(t, s, 9, n, now)

	var wg sync.WaitGroup
	var mu sync.Mutex
	finalized := 0
	for _, it := range items {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				res, err := s.CompleteItem(ctx, id, domain.Success(id, 1, ""), now)
				if err != nil {
					t.Error(err)
					return
				}
				if res.Finalized {
					mu.Lock()
					finalized++
					mu.Unlock()
				}
			}(it.ID)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, finalized)
	job, _, err := s.GetJob(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, n, job.DoneItems)
	assert.EqualValues(t, n, job.CostPoints)
	assert.Equal(t, domain.StatusSucceeded, job.Status)
	assert.NotNil(t, job.FinishedAt)
}

func TestAllFailedJob(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryJobStore()
	items := seedJob(t, s, 3, 1, now)

	res, err := s.CompleteItem(ctx, items[0].ID, domain.Failure("prompt rejected"), now)
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, domain.StatusFailed, res.Job.Status)
	assert.Equal(t, "prompt rejected", res.Job.ErrorMessage)
	assert.Zero(t, res.Job.CostPoints)
}

func TestCancelJobCascades(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryJobStore()
	items := seedJob(t, s, 4, 3, now)
	_, err := s.CompleteItem(ctx, items[0].ID, domain.Success(1, 10, ""), now)
	require.NoError(t, err)

	job, err := s.CancelJob(ctx, 4, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, job.Status)
	require.NotNil(t, job.FinishedAt)

	list, err := s.ListItems(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, list[0].Status)
	assert.Equal(t, domain.StatusCanceled, list[1].Status)
	assert.Equal(t, domain.StatusCanceled, list[2].Status)

	// a late completion for a canceled item is a no-op
	res, err := s.CompleteItem(ctx, items[1].ID, domain.Success(2, 10, ""), now)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 1, res.Job.DoneItems)

	st, err := s.StartItem(ctx, items[2].ID, now)
	require.NoError(t, err)
	assert.False(t, st.Started)

	_, err = s.CancelJob(ctx, 4, now)
	assert.ErrorIs(t, err, domain.ErrJobCanceled)
	_, err = s.CancelJob(ctx, 404, now)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCancelFinishedJob(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewInMemoryJobStore()
	items := seedJob(t, s, 5, 1, now)
	_, err := s.CompleteItem(ctx, items[0].ID, domain.Success(1, 1, ""), now)
	require.NoError(t, err)

	_, err = s.CancelJob(ctx, 5, now)
	assert.ErrorIs(t, err, domain.ErrJobCompleted)
}

func TestListJobsAndStale(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewInMemoryJobStore()
	seedJob(t, s, 1, 1, base)
	seedJob(t, s, 2, 1, base.Add(time.Minute))
	items := seedJob(t, s, 3, 2, base.Add(2*time.Minute))

	jobs, total, err := s.ListJobs(ctx, domain.JobFilter{UserID: 7, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.EqualValues(t, 3, jobs[0].ID)
	assert.EqualValues(t, 2, jobs[1].ID)

	jobs, _, err = s.ListJobs(ctx, domain.JobFilter{UserID: 7, Page: 5})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = s.StartItem(ctx, items[0].ID, base.Add(3*time.Minute))
	require.NoError(t, err)

	stale, err := s.ListStaleItems(ctx, base.Add(10*time.Minute), base.Add(90*time.Second), 0)
	require.NoError(t, err)
	ids := make([]int64, 0, len(stale))
	for _, it := range stale {
		ids = append(ids, it.ID)
	}
	// job 1 and 2 items are old PENDING, items[0] is RUNNING past the window
	assert.ElementsMatch(t, []int64{101, 201, items[0].ID}, ids)
}

func TestDeleteJob(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryJobStore()
	items := seedJob(t, s, 1, 2, time.Now())
	require.NoError(t, s.DeleteJob(ctx, 1))

	_, ok, err := s.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = s.GetItem(ctx, items[0].ID)
	assert.False(t, ok)
}
