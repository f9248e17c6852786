package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/store"
)

func newRegistry() *Registry {
	return New(store.NewInMemoryJobStore(), idgen.NewSequence(0), nil)
}

func shots(ids ...int64) []domain.Target {
	out := make([]domain.Target, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Target{Type: domain.TargetShot, ID: id})
	}
	return out
}

func TestCreateJobRejectsBadTargets(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()

	_, _, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: shots(1, 2, 1)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// same target, different copy index
	dup := []domain.Target{{Type: domain.TargetShot, ID: 1, Seq: 0}, {Type: domain.TargetShot, ID: 1, Seq: 1}}
	job, items, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: dup})
	require.NoError(t, err)
	assert.Equal(t, 2, job.TotalItems)
	assert.Len(t, items, 2)
	assert.Equal(t, domain.StatusPending, job.Status)
}

func TestPartialFailureFinalizesSucceeded(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	job, items, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: shots(1, 2, 3)})
	require.NoError(t, err)

	for _, it := range items {
		res, err := r.StartItem(ctx, it.ID)
		require.NoError(t, err)
		require.True(t, res.Started)
	}
	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	_, err = r.CompleteItem(ctx, items[0].ID, domain.Success(101, 10, "u1"))
	require.NoError(t, err)
	_, err = r.CompleteItem(ctx, items[2].ID, domain.Failure("超时"))
	require.NoError(t, err)
	res, err := r.CompleteItem(ctx, items[1].ID, domain.Success(102, 10, "u2"))
	require.NoError(t, err)
	require.True(t, res.Finalized)

	assert.Equal(t, domain.StatusSucceeded, res.Job.Status)
	assert.Equal(t, int64(20), res.Job.CostPoints)
	assert.Equal(t, 3, res.Job.DoneItems)
	assert.Equal(t, "u1", res.Job.ResultURL)
	assert.Equal(t, domain.FailedSummary(1, 3), res.Job.ErrorMessage)

	third, err := r.Item(ctx, items[2].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, third.Status)
	assert.Equal(t, "超时", third.ErrorMessage)

	// redelivered completion is a no-op
	again, err := r.CompleteItem(ctx, items[2].ID, domain.Success(9, 10, "x"))
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, 3, again.Job.DoneItems)
	assert.Equal(t, int64(20), again.Job.CostPoints)
}

func TestSingleItemFailureCarriesItemError(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	_, items, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobParseText,
		Targets: []domain.Target{{Type: domain.TargetProject, ID: 1}}})
	require.NoError(t, err)
	res, err := r.CompleteItem(ctx, items[0].ID, domain.Failure("模型拒绝"))
	require.NoError(t, err)
	require.True(t, res.Finalized)
	assert.Equal(t, domain.StatusFailed, res.Job.Status)
	assert.Equal(t, "模型拒绝", res.Job.ErrorMessage)
}

func TestCancelStopsPendingItems(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	job, items, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: shots(1, 2, 3)})
	require.NoError(t, err)
	_, err = r.StartItem(ctx, items[0].ID)
	require.NoError(t, err)
	_, err = r.CompleteItem(ctx, items[0].ID, domain.Success(1, 10, "u"))
	require.NoError(t, err)

	canceled, err := r.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)

	all, err := r.Items(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, all[0].Status)
	assert.Equal(t, domain.StatusCanceled, all[1].Status)
	assert.Equal(t, domain.StatusCanceled, all[2].Status)

	res, err := r.StartItem(ctx, items[1].ID)
	require.NoError(t, err)
	assert.False(t, res.Started)

	_, err = r.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobCanceled)
	_, err = r.Cancel(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestConcurrentCompletionFinalizesOnce(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	ids := make([]int64, 50)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	job, items, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: shots(ids...)})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		finalized int
	)
	for _, it := range items {
		for range 2 {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				res, err := r.CompleteItem(ctx, id, domain.Success(id, 1, ""))
				if err == nil && res.Finalized {
					mu.Lock()
					finalized++
					mu.Unlock()
				}
			}(it.ID)
		}
	}
	wg.Wait()
	assert.Equal(t, 1, finalized)
	got, err := r.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.DoneItems)
	assert.Equal(t, int64(50), got.CostPoints)
}

func TestStale(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	_, items, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: shots(1, 2)})
	require.NoError(t, err)
	_, err = r.StartItem(ctx, items[0].ID)
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(45 * time.Minute) }
	stale, err := r.Stale(ctx, 30*time.Minute, 2*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, items[0].ID, stale[0].ID)

	r.now = func() time.Time { return base.Add(3 * time.Hour) }
	stale, err = r.Stale(ctx, 30*time.Minute, 2*time.Hour, 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestDelete(t *testing.T) {
	r := newRegistry()
	ctx := context.Background()
	job, _, err := r.CreateJob(ctx, NewJob{UserID: 1, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: shots(1)})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, job.ID))
	_, err = r.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
