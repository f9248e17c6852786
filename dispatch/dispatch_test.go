package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/assets"
	"storystudio/catalog"
	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/mq"
	"storystudio/ossstore"
	"storystudio/registry"
	"storystudio/store"
)

type fixture struct {
	d      *Dispatcher
	reg    *registry.Registry
	assets *assets.Service
	broker *mq.MemoryBroker
	jobs   *store.InMemoryJobStore
}

func newFixture(t *testing.T, pub mq.Publisher) *fixture {
	t.Helper()
	cat := catalog.NewMemory()
	cat.PutProject(catalog.Project{ID: 10, UserID: 1, Name: "p", AspectRatio: "21:9"})
	cat.PutProject(catalog.Project{ID: 11, UserID: 2, Name: "other"})
	for _, id := range []int64{1, 2, 3} {
		cat.PutEntity(catalog.Entity{Type: domain.TargetShot, ID: id, ProjectID: 10, No: int(id), Description: "shot"})
	}
	cat.PutEntity(catalog.Entity{Type: domain.TargetShot, ID: 9, ProjectID: 11, No: 1})

	ids := idgen.NewSequence(1000)
	jobs := store.NewInMemoryJobStore()
	reg := registry.New(jobs, ids, nil)
	as := assets.New(store.NewInMemoryAssetStore(), ossstore.NewMemory(""), ids, "t", nil)
	broker := mq.NewMemoryBroker(mq.Options{}, nil)
	t.Cleanup(func() { _ = broker.Close() })
	if pub == nil {
		pub = broker
	}
	return &fixture{d: New(reg, cat, as, pub, nil), reg: reg, assets: as, broker: broker, jobs: jobs}
}

func TestSubmitBatchPublishesPerItem(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	job, err := f.d.SubmitBatch(ctx, domain.BatchTaskMessage{
		JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{3, 1}, CountPerItem: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, job.TotalItems)
	assert.Equal(t, "21:9", job.Meta.AspectRatio)
	assert.Equal(t, domain.ModeAll, job.Meta.Mode)
	assert.Equal(t, 4, f.broker.Len(mq.RouteShotImage.Queue))

	items, err := f.reg.Items(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, int64(1), items[0].TargetID)
	assert.Equal(t, 0, items[0].Seq)
	assert.Equal(t, 1, items[1].Seq)
}

func TestSubmitBatchMissingSkipsReadyTargets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key, _ := assets.KeyFor(10, domain.JobGenShotImage, domain.TargetShot, 2)
	a, err := f.assets.EnsureAsset(ctx, key)
	require.NoError(t, err)
	_, err = f.assets.AppendVersion(ctx, a.ID, domain.NewVersion{Source: domain.SourceAI, URL: "u", MakeCurrent: true})
	require.NoError(t, err)

	job, err := f.d.SubmitBatch(ctx, domain.BatchTaskMessage{
		JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1, 2, 3}, Mode: domain.ModeMissing,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, job.TotalItems)
	items, err := f.reg.Items(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), items[0].TargetID)
	assert.Equal(t, int64(3), items[1].TargetID)

	_, err = f.d.SubmitBatch(ctx, domain.BatchTaskMessage{
		JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{2}, Mode: domain.ModeMissing,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmitBatchValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cases := []struct {
		name string
		msg  domain.BatchTaskMessage
		code domain.Code
	}{
		{"empty targets", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10}, domain.CodeParamInvalid},
		{"duplicate targets", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1, 1}}, domain.CodeParamInvalid},
		{"bad mode", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1}, Mode: "SOME"}, domain.CodeParamInvalid},
		{"not a batch type", domain.BatchTaskMessage{JobType: domain.JobParseText, UserID: 1, ProjectID: 10, TargetIDs: []int64{1}}, domain.CodeParamInvalid},
		{"count too large", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1}, CountPerItem: 5}, domain.CodeParamInvalid},
		{"foreign project", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 11, TargetIDs: []int64{9}}, domain.CodeAccessDenied},
		{"unknown project", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 99, TargetIDs: []int64{1}}, domain.CodeProjectNotFound},
		{"shot from another project", domain.BatchTaskMessage{JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1, 9}}, domain.CodeShotNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.d.SubmitBatch(ctx, tc.msg)
			require.Error(t, err)
			assert.Equal(t, tc.code, domain.CodeOf(err))
		})
	}
	_, total, err := f.jobs.ListJobs(ctx, domain.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

type failingPublisher struct {
	okBefore int
	calls    int
}

func (p *failingPublisher) Publish(context.Context, string, []byte) error {
	p.calls++
	if p.calls > p.okBefore {
		return errors.New("broker down")
	}
	return nil
}

func TestPublishFailureRollsBackJob(t *testing.T) {
	pub := &failingPublisher{okBefore: 0}
	f := newFixture(t, pub)
	ctx := context.Background()
	_, err := f.d.SubmitBatch(ctx, domain.BatchTaskMessage{
		JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1, 2, 3},
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeSystem, domain.CodeOf(err))
	_, total, err := f.jobs.ListJobs(ctx, domain.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPartialPublishFailsUnsentItems(t *testing.T) {
	pub := &failingPublisher{okBefore: 1}
	f := newFixture(t, pub)
	ctx := context.Background()
	job, err := f.d.SubmitBatch(ctx, domain.BatchTaskMessage{
		JobType: domain.JobGenShotImage, UserID: 1, ProjectID: 10, TargetIDs: []int64{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, job.DoneItems)

	items, err := f.reg.Items(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	byTarget := make(map[int64]domain.JobItem, len(items))
	for _, it := range items {
		byTarget[it.TargetID] = it
	}
	assert.Equal(t, domain.StatusPending, byTarget[1].Status)
	for _, id := range []int64{2, 3} {
		assert.Equal(t, domain.StatusFailed, byTarget[id].Status)
		assert.Equal(t, "任务投递失败", byTarget[id].ErrorMessage)
	}
}

func TestSubmitParseTextAndExport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	job, err := f.d.SubmitParseText(ctx, domain.TextParsingMessage{UserID: 1, ProjectID: 10, RawText: "从前有座山"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobParseText, job.JobType)
	assert.Equal(t, 1, job.TotalItems)
	assert.Equal(t, 1, f.broker.Len(mq.RouteTextParsing.Queue))

	_, err = f.d.SubmitParseText(ctx, domain.TextParsingMessage{UserID: 1, ProjectID: 10, RawText: "   "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.d.SubmitExport(ctx, domain.ExportMessage{UserID: 1, ProjectID: 10, Mode: "CURRENT"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	job, err = f.d.SubmitExport(ctx, domain.ExportMessage{UserID: 1, ProjectID: 10, Mode: "ALL", ExportShotImages: true})
	require.NoError(t, err)
	items, err := f.reg.Items(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var in domain.ExportMessage
	require.NoError(t, json.Unmarshal(items[0].Input, &in))
	assert.True(t, in.ExportShotImages)
	assert.Equal(t, 1, f.broker.Len(mq.RouteExport.Queue))
}
