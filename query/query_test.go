package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/registry"
	"storystudio/store"
)

func TestJobViewReportsProgressAndURLs(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewInMemoryJobStore(), idgen.NewSequence(0), nil)
	f := New(reg)
	targets := []domain.Target{{Type: domain.TargetShot, ID: 1}, {Type: domain.TargetShot, ID: 2}, {Type: domain.TargetShot, ID: 3}, {Type: domain.TargetShot, ID: 4}}
	job, items, err := reg.CreateJob(ctx, registry.NewJob{UserID: 7, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: targets})
	require.NoError(t, err)

	for _, it := range items[:2] {
		_, err := reg.StartItem(ctx, it.ID)
		require.NoError(t, err)
	}
	_, err = reg.CompleteItem(ctx, items[0].ID, domain.Success(100, 10, "https://oss/a.png"))
	require.NoError(t, err)
	_, err = reg.CompleteItem(ctx, items[1].ID, domain.Failure("生成超时"))
	require.NoError(t, err)

	v, err := f.Job(ctx, 7, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, v.Status)
	assert.Equal(t, 50, v.Progress)
	assert.Equal(t, 4, v.TotalItems)
	assert.Equal(t, 2, v.DoneItems)
	assert.Equal(t, []string{"https://oss/a.png"}, v.AllImageURLs)
	require.Len(t, v.Items, 4)
	assert.Equal(t, "生成超时", v.Items[1].ErrorMessage)
	assert.GreaterOrEqual(t, v.ElapsedSeconds, int64(0))
}

func TestElapsedUsesInjectedClock(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewInMemoryJobStore(), idgen.NewSequence(0), nil)
	f := New(reg)
	job, items, err := reg.CreateJob(ctx, registry.NewJob{UserID: 7, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: []domain.Target{{Type: domain.TargetShot, ID: 1}}})
	require.NoError(t, err)
	_, err = reg.StartItem(ctx, items[0].ID)
	require.NoError(t, err)

	f.now = func() time.Time { return time.Now().Add(90 * time.Second) }
	v, err := f.Job(ctx, 7, job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 90, v.ElapsedSeconds, 2)
}

func TestOtherUsersJobsAreDenied(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewInMemoryJobStore(), idgen.NewSequence(0), nil)
	f := New(reg)
	job, _, err := reg.CreateJob(ctx, registry.NewJob{UserID: 7, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: []domain.Target{{Type: domain.TargetShot, ID: 1}}})
	require.NoError(t, err)

	_, err = f.Job(ctx, 8, job.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = f.Cancel(ctx, 8, job.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = f.Job(ctx, 7, 999)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	v, err := f.Cancel(ctx, 7, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, v.Status)
	_, err = f.Cancel(ctx, 7, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobCanceled)
}

func TestListJobsPages(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewInMemoryJobStore(), idgen.NewSequence(0), nil)
	f := New(reg)
	for i := int64(1); i <= 3; i++ {
		_, _, err := reg.CreateJob(ctx, registry.NewJob{UserID: 7, ProjectID: 1, JobType: domain.JobGenShotImage, Targets: []domain.Target{{Type: domain.TargetShot, ID: i}}})
		require.NoError(t, err)
	}
	_, _, err := reg.CreateJob(ctx, registry.NewJob{UserID: 8, ProjectID: 2, JobType: domain.JobGenShotImage, Targets: []domain.Target{{Type: domain.TargetShot, ID: 1}}})
	require.NoError(t, err)

	page, err := f.ListJobs(ctx, domain.JobFilter{UserID: 7, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.List, 2)
	assert.Equal(t, 2, page.PageSize)
	assert.Empty(t, page.List[0].Items)
}
