package toolbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/assets"
	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/ledger"
	"storystudio/ossstore"
	"storystudio/provider"
	"storystudio/registry"
	"storystudio/store"
)

type fixture struct {
	svc    *Service
	reg    *registry.Registry
	ledger *ledger.Ledger
	oss    *ossstore.Memory
	mock   *provider.Mock
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	return newFixtureWith(t, balance, store.NewInMemoryJobStore(), store.NewInMemoryWalletStore())
}

func newFixtureWith(t *testing.T, balance int64, jobs store.JobStore, wallets store.WalletStore) *fixture {
	t.Helper()
	ids := idgen.NewSequence(0)
	reg := registry.New(jobs, ids, nil)
	led := ledger.New(wallets, store.NewInMemoryPricingStore(), ids, nil)
	oss := ossstore.NewMemory("")
	as := assets.New(store.NewInMemoryAssetStore(), oss, ids, "t", nil)
	mock := &provider.Mock{}
	if balance > 0 {
		_, err := led.Recharge(context.Background(), 1, balance, domain.BizPayOrder, "seed")
		require.NoError(t, err)
	}
	return &fixture{svc: New(reg, led, as, mock, mock, 0, nil), reg: reg, ledger: led, oss: oss, mock: mock}
}

func (f *fixture) balance(t *testing.T) int64 {
	w, err := f.ledger.Wallet(context.Background(), 1)
	require.NoError(t, err)
	return w.Balance
}

func TestGenerateTextChargesAndRecordsJob(t *testing.T) {
	f := newFixture(t, 10)
	f.mock.TextFn = func(ctx context.Context, req provider.TextRequest) (string, error) { return "在2157年……", nil }

	res, err := f.svc.GenerateText(context.Background(), TextRequest{UserID: 1, Prompt: "写一个开头"})
	require.NoError(t, err)
	assert.Equal(t, "在2157年……", res.Text)
	assert.Equal(t, int64(2), res.CostPoints)
	assert.Equal(t, int64(8), f.balance(t))

	job, err := f.reg.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, job.Status)
	assert.Equal(t, domain.JobToolboxText, job.JobType)
	assert.Equal(t, int64(2), job.CostPoints)
}

func TestGenerateImageStoresResult(t *testing.T) {
	f := newFixture(t, 10)
	res, err := f.svc.GenerateImage(context.Background(), ImageRequest{UserID: 1, ProjectID: 5, Prompt: "雨夜街道", AspectRatio: "16:9"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ResultURL)
	assert.Len(t, f.oss.Keys(), 1)
	assert.Equal(t, int64(0), f.balance(t))
}

func TestInsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.GenerateImage(context.Background(), ImageRequest{UserID: 1, Prompt: "雨夜街道"})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, f.mock.ImageCalls())

	_, total, err := f.reg.List(context.Background(), domain.JobFilter{UserID: 1})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Equal(t, int64(1), f.balance(t))
}

func TestProviderFailureRefunds(t *testing.T) {
	f := newFixture(t, 10)
	f.mock.TextFn = func(ctx context.Context, req provider.TextRequest) (string, error) {
		return "", errors.New("upstream 502")
	}
	_, err := f.svc.GenerateText(context.Background(), TextRequest{UserID: 1, Prompt: "写一个开头"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeJobGenerationFailed, domain.CodeOf(err))
	assert.Equal(t, int64(10), f.balance(t))

	jobs, _, err := f.reg.List(context.Background(), domain.JobFilter{UserID: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusFailed, jobs[0].Status)

	txs, _, err := f.ledger.Transactions(context.Background(), 1, domain.TxFilter{Type: domain.TxRefund})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStorageFailureRefunds(t *testing.T) {
	f := newFixture(t, 10)
	f.oss.FailPut = true
	_, err := f.svc.GenerateImage(context.Background(), ImageRequest{UserID: 1, Prompt: "雨夜街道"})
	assert.Equal(t, domain.CodeAssetUploadFailed, domain.CodeOf(err))
	assert.Equal(t, int64(10), f.balance(t))
}

func TestRejectsEmptyPrompt(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.svc.GenerateText(context.Background(), TextRequest{UserID: 1, Prompt: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.GenerateText(context.Background(), TextRequest{Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

// ctxJobs and ctxWallets fail on a done context the way a database pool does.
type ctxJobs struct {
	*store.InMemoryJobStore
}

func (s ctxJobs) CompleteItem(ctx context.Context, itemID int64, o domain.ItemOutcome, now time.Time) (domain.CompleteResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.CompleteResult{}, err
	}
	return s.InMemoryJobStore.CompleteItem(ctx, itemID, o, now)
}

type ctxWallets struct {
	*store.InMemoryWalletStore
}

func (s ctxWallets) Apply(ctx context.Context, m domain.Mutation, txID int64, now time.Time) (domain.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.MutationResult{}, err
	}
	return s.InMemoryWalletStore.Apply(ctx, m, txID, now)
}

func (s ctxWallets) FindTransaction(ctx context.Context, userID int64, typ domain.TxType, bizType, bizID string) (*domain.WalletTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.InMemoryWalletStore.FindTransaction(ctx, userID, typ, bizType, bizID)
}

func TestClientDisconnectStillRefunds(t *testing.T) {
	f := newFixtureWith(t, 10, ctxJobs{store.NewInMemoryJobStore()}, ctxWallets{store.NewInMemoryWalletStore()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.mock.TextFn = func(pctx context.Context, req provider.TextRequest) (string, error) {
		cancel()
		return "", pctx.Err()
	}

	_, err := f.svc.GenerateText(ctx, TextRequest{UserID: 1, Prompt: "写一个开头"})
	require.Error(t, err)
	assert.Equal(t, int64(10), f.balance(t))

	jobs, _, err := f.reg.List(context.Background(), domain.JobFilter{UserID: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusFailed, jobs[0].Status)
}

func TestCanceledWhileRunningRefunds(t *testing.T) {
	f := newFixture(t, 10)
	f.mock.TextFn = func(ctx context.Context, req provider.TextRequest) (string, error) {
		jobs, _, err := f.reg.List(context.Background(), domain.JobFilter{UserID: 1})
		if err != nil || len(jobs) != 1 {
			return "", errors.New("job not recorded")
		}
		if _, err := f.reg.Cancel(context.Background(), jobs[0].ID); err != nil {
			return "", err
		}
		return "来不及了", nil
	}

	res, err := f.svc.GenerateText(context.Background(), TextRequest{UserID: 1, Prompt: "写一个开头"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, domain.ErrJobCanceled)
	assert.Equal(t, int64(10), f.balance(t))

	jobs, _, err := f.reg.List(context.Background(), domain.JobFilter{UserID: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.StatusCanceled, jobs[0].Status)
	assert.Zero(t, jobs[0].CostPoints)
}
