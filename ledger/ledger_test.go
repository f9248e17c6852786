package ledger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/xuri/excelize/v2"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/store"
)

type LedgerSuite struct {
	suite.Suite
	ctx     context.Context
	wallets *store.InMemoryWalletStore
	l       *Ledger
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.wallets = store.NewInMemoryWalletStore()
	s.l = New(s.wallets, store.NewInMemoryPricingStore(), idgen.NewSequence(0), nil)
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) TestChargeInsufficient() {
	_, err := s.l.Recharge(s.ctx, 1, 15, domain.BizPayOrder, "o1")
	s.Require().NoError(err)

	tx, err := s.l.Charge(s.ctx, 1, 10, domain.BizJobItem, "100")
	s.Require().NoError(err)
	s.EqualValues(-10, tx.Amount)
	s.EqualValues(5, tx.BalanceAfter)

	_, err = s.l.Charge(s.ctx, 1, 10, domain.BizJobItem, "101")
	s.ErrorIs(err, domain.ErrInsufficientBalance)

	w, _ := s.l.Wallet(s.ctx, 1)
	s.EqualValues(5, w.Balance)
}

func (s *LedgerSuite) TestChargeIdempotentPerBizKey() {
	_, _ = s.l.Recharge(s.ctx, 1, 100, domain.BizPayOrder, "o1")
	first, err := s.l.Charge(s.ctx, 1, 10, domain.BizJobItem, "7")
	s.Require().NoError(err)
	again, err := s.l.Charge(s.ctx, 1, 10, domain.BizJobItem, "7")
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID)

	w, _ := s.l.Wallet(s.ctx, 1)
	s.EqualValues(90, w.Balance)
}

func (s *LedgerSuite) TestFreeChargeWritesNothing() {
	tx, err := s.l.Charge(s.ctx, 1, 0, domain.BizJobItem, "1")
	s.Require().NoError(err)
	s.Zero(tx.ID)
	txs, _ := s.wallets.AllTransactions(s.ctx, 1)
	s.Empty(txs)
}

func (s *LedgerSuite) TestRefundBoundedByCharge() {
	_, _ = s.l.Recharge(s.ctx, 1, 50, domain.BizPayOrder, "o1")
	_, err := s.l.Charge(s.ctx, 1, 20, domain.BizToolbox, "j1")
	s.Require().NoError(err)

	tx, ok, err := s.l.Refund(s.ctx, 1, 999, domain.BizToolbox, "j1", "生成失败退款")
	s.Require().NoError(err)
	s.True(ok)
	s.EqualValues(20, tx.Amount)

	// second refund is deduped, unknown key is a no-op
	_, ok, err = s.l.Refund(s.ctx, 1, 20, domain.BizToolbox, "j1", "")
	s.Require().NoError(err)
	s.True(ok)
	_, ok, err = s.l.Refund(s.ctx, 1, 20, domain.BizToolbox, "nope", "")
	s.Require().NoError(err)
	s.False(ok)

	w, _ := s.l.Wallet(s.ctx, 1)
	s.EqualValues(50, w.Balance)
}

func (s *LedgerSuite) TestAdjustCannotGoNegative() {
	_, err := s.l.Adjust(s.ctx, 1, -1, "误操作")
	s.ErrorIs(err, domain.ErrInsufficientBalance)
	_, err = s.l.Adjust(s.ctx, 1, 30, "补偿")
	s.Require().NoError(err)
	_, err = s.l.Adjust(s.ctx, 1, -30, "回收")
	s.Require().NoError(err)
	_, err = s.l.Adjust(s.ctx, 1, 0, "")
	s.Error(err)
}

func (s *LedgerSuite) TestVerifyReplays() {
	_, _ = s.l.Recharge(s.ctx, 2, 100, domain.BizPayOrder, "o1")
	_, _ = s.l.Charge(s.ctx, 2, 30, domain.BizJobItem, "1")
	_, _, _ = s.l.Refund(s.ctx, 2, 30, domain.BizJobItem, "1", "")
	_, _ = s.l.Charge(s.ctx, 2, 40, domain.BizJobItem, "2")

	rep, err := s.l.Verify(s.ctx, 2)
	s.Require().NoError(err)
	s.True(rep.OK)
	s.EqualValues(60, rep.Balance)
	s.EqualValues(60, rep.Replayed)
	s.Equal(4, rep.Transactions)
}

func (s *LedgerSuite) TestPriceFallback() {
	p, err := s.l.Price(s.ctx, string(domain.JobGenShotImage), "unknown-model", 3)
	s.Require().NoError(err)
	s.EqualValues(30, p)

	_, err = s.l.Price(s.ctx, "NOPE", "", 1)
	s.Equal(domain.CodeParamInvalid, domain.CodeOf(err))
}

func TestExportXLSX(t *testing.T) {
	ctx := context.Background()
	l := New(store.NewInMemoryWalletStore(), store.NewInMemoryPricingStore(), idgen.NewSequence(0), nil)
	_, err := l.Recharge(ctx, 1, 10, domain.BizPayOrder, "o1")
	require.NoError(t, err)
	_, err = l.Charge(ctx, 1, 4, domain.BizJobItem, "5")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.ExportXLSX(ctx, 1, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("积分流水")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "流水号", rows[0][0])
	assert.Equal(t, "充值", rows[1][1])
	assert.Equal(t, "消费", rows[2][1])
	assert.Equal(t, "-4", rows[2][2])
	assert.Equal(t, "6", rows[2][3])
}
