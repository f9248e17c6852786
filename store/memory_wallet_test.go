package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
)

func TestWalletApplyDedupAndFloor(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryWalletStore()

	w, err := s.GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, w.Balance)

	r, err := s.Apply(ctx, domain.Mutation{UserID: 1, Type: domain.TxRecharge, Amount: 30, BizType: domain.BizPayOrder, BizID: "o1"}, 1, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 30, r.Tx.BalanceAfter)

	r, err = s.Apply(ctx, domain.Mutation{UserID: 1, Type: domain.TxRecharge, Amount: 30, BizType: domain.BizPayOrder, BizID: "o1"}, 2, time.Now())
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.EqualValues(t, 1, r.Tx.ID)

	_, err = s.Apply(ctx, domain.Mutation{UserID: 1, Type: domain.TxConsume, Amount: -31, BizType: domain.BizJobItem, BizID: "9"}, 3, time.Now())
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	w, _ = s.GetWallet(ctx, 1)
	assert.EqualValues(t, 30, w.Balance)
}

func TestWalletConcurrentSpendNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryWalletStore()
	_, err := s.Apply(ctx, domain.Mutation{UserID: 2, Type: domain.TxRecharge, Amount: 100, BizType: domain.BizManual, BizID: "seed"}, 1, time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Apply(ctx, domain.Mutation{UserID: 2, Type: domain.TxConsume, Amount: -10, BizType: domain.BizJobItem, BizID: fmt.Sprint(i)}, int64(100+i), time.Now())
			if err != nil {
				rejected.Add(1)
				return
			}
			ok.Add(1)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 10, ok.Load())
	assert.EqualValues(t, 20, rejected.Load())
	w, _ := s.GetWallet(ctx, 2)
	assert.Zero(t, w.Balance)

	txs, err := s.AllTransactions(ctx, 2)
	require.NoError(t, err)
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
		assert.Equal(t, sum, tx.BalanceAfter)
	}
	assert.Equal(t, w.Balance, sum)
}

func TestListTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryWalletStore()
	for i := 1; i <= 5; i++ {
		_, err := s.Apply(ctx, domain.Mutation{UserID: 3, Type: domain.TxRecharge, Amount: 1, BizType: domain.BizManual, BizID: fmt.Sprint(i)}, int64(i), time.Now())
		require.NoError(t, err)
	}
	_, err := s.Apply(ctx, domain.Mutation{UserID: 3, Type: domain.TxConsume, Amount: -1, BizType: domain.BizJobItem, BizID: "x"}, 6, time.Now())
	require.NoError(t, err)

	txs, total, err := s.ListTransactions(ctx, 3, domain.TxFilter{Type: domain.TxRecharge, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, txs, 2)
	assert.EqualValues(t, 5, txs[0].ID)
	assert.EqualValues(t, 4, txs[1].ID)

	found, ok, err := s.FindTransaction(ctx, 3, domain.TxConsume, domain.BizJobItem, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 6, found.ID)
}

func TestPricingStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryPricingStore()
	r, ok, err := s.PricingRule(ctx, string(domain.JobGenVideo), domain.DefaultModel)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 50, r.Price)

	require.NoError(t, s.UpsertPricingRule(ctx, domain.PricingRule{BizType: string(domain.JobGenVideo), ModelCode: "sora-2-all", Unit: "VIDEO", Price: 80, Enabled: true}))
	r, ok, _ = s.PricingRule(ctx, string(domain.JobGenVideo), "sora-2-all")
	require.True(t, ok)
	assert.EqualValues(t, 80, r.Price)

	assert.Error(t, s.UpsertPricingRule(ctx, domain.PricingRule{BizType: "X", ModelCode: "m", Price: -1}))
}

func TestPaymentStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryPaymentStore()
	require.NoError(t, s.CreateOrder(ctx, &domain.PayOrder{OrderNo: "P1", UserID: 1, Status: domain.OrderCreated, Points: 10}))
	assert.Error(t, s.CreateOrder(ctx, &domain.PayOrder{OrderNo: "P1"}))

	_, ok, err := s.UpdateOrder(ctx, "P1", func(o *domain.PayOrder) error {
		o.Status = domain.OrderSucceeded
		return domain.ErrOrderPaid
	})
	assert.True(t, ok)
	assert.ErrorIs(t, err, domain.ErrOrderPaid)
	got, _, _ := s.GetOrder(ctx, "P1")
	assert.Equal(t, domain.OrderCreated, got.Status, "failed update is discarded")

	first, err := s.RecordEvent(ctx, domain.PayEvent{Provider: "wechat", EventID: "T1"})
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.RecordEvent(ctx, domain.PayEvent{Provider: "wechat", EventID: "T1"})
	require.NoError(t, err)
	assert.False(t, again)
}
