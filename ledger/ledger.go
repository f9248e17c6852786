// Package ledger is the point wallet: balance changes happen only through
// Apply on the wallet store, one append-only transaction per change.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/obs"
	"storystudio/store"
)

type Ledger struct {
	wallets store.WalletStore
	pricing store.PricingStore
	ids     idgen.Generator
	log     *slog.Logger
	now     func() time.Time
}

func New(wallets store.WalletStore, pricing store.PricingStore, ids idgen.Generator, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{wallets: wallets, pricing: pricing, ids: ids, log: logger.With("component", "ledger"), now: time.Now}
}

// Charge takes points from the wallet. It fails with ErrInsufficientBalance
// instead of going negative. A repeated charge for the same business key
// returns the earlier transaction.
func (l *Ledger) Charge(ctx context.Context, userID, points int64, bizType, bizID string) (domain.WalletTransaction, error) {
	if points < 0 {
		return domain.WalletTransaction{}, domain.Errorf(domain.CodeParamInvalid, "扣费积分不能为负")
	}
	if points == 0 {
		return domain.WalletTransaction{}, nil
	}
	return l.apply(ctx, domain.Mutation{
		UserID: userID, Type: domain.TxConsume, Amount: -points, BizType: bizType, BizID: bizID,
	})
}

// Refund returns points taken by an earlier Charge on the same business key.
// It never refunds more than was charged and is a no-op when nothing was charged.
func (l *Ledger) Refund(ctx context.Context, userID, points int64, bizType, bizID, remark string) (domain.WalletTransaction, bool, error) {
	charged, ok, err := l.wallets.FindTransaction(ctx, userID, domain.TxConsume, bizType, bizID)
	if err != nil {
		return domain.WalletTransaction{}, false, err
	}
	if !ok {
		return domain.WalletTransaction{}, false, nil
	}
	if points <= 0 || points > -charged.Amount {
		points = -charged.Amount
	}
	tx, err := l.apply(ctx, domain.Mutation{
		UserID: userID, Type: domain.TxRefund, Amount: points, BizType: bizType, BizID: bizID, Remark: remark,
	})
	if err != nil {
		return domain.WalletTransaction{}, false, err
	}
	return tx, true, nil
}

func (l *Ledger) Recharge(ctx context.Context, userID, points int64, bizType, bizID string) (domain.WalletTransaction, error) {
	if points <= 0 {
		return domain.WalletTransaction{}, domain.Errorf(domain.CodeParamInvalid, "充值积分必须为正")
	}
	return l.apply(ctx, domain.Mutation{
		UserID: userID, Type: domain.TxRecharge, Amount: points, BizType: bizType, BizID: bizID,
	})
}

// Adjust is an operator correction. It cannot drive the balance negative.
func (l *Ledger) Adjust(ctx context.Context, userID, points int64, remark string) (domain.WalletTransaction, error) {
	if points == 0 {
		return domain.WalletTransaction{}, domain.Errorf(domain.CodeParamInvalid, "调整积分不能为 0")
	}
	return l.apply(ctx, domain.Mutation{
		UserID: userID, Type: domain.TxAdjust, Amount: points, BizType: domain.BizManual,
		BizID: strconv.FormatInt(l.ids.Next(), 10), Remark: remark,
	})
}

func (l *Ledger) apply(ctx context.Context, m domain.Mutation) (domain.WalletTransaction, error) {
	if m.UserID <= 0 {
		return domain.WalletTransaction{}, domain.Errorf(domain.CodeParamInvalid, "userId 无效")
	}
	res, err := l.wallets.Apply(ctx, m, l.ids.Next(), l.now())
	obs.RecordWalletMutation(string(m.Type), err)
	if err != nil {
		l.log.Warn("wallet mutation rejected", "userId", m.UserID, "type", m.Type, "amount", m.Amount, "bizType", m.BizType, "bizId", m.BizID, "err", err)
		return domain.WalletTransaction{}, err
	}
	if res.Duplicate {
		l.log.Info("wallet mutation deduplicated", "userId", m.UserID, "type", m.Type, "bizType", m.BizType, "bizId", m.BizID, "txId", res.Tx.ID)
		return res.Tx, nil
	}
	l.log.Info("wallet mutation applied", "userId", m.UserID, "type", m.Type, "amount", m.Amount, "balanceAfter", res.Tx.BalanceAfter, "bizType", m.BizType, "bizId", m.BizID)
	return res.Tx, nil
}

func (l *Ledger) Wallet(ctx context.Context, userID int64) (domain.Wallet, error) {
	return l.wallets.GetWallet(ctx, userID)
}

func (l *Ledger) Transactions(ctx context.Context, userID int64, f domain.TxFilter) ([]domain.WalletTransaction, int, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, domain.Errorf(domain.CodeParamInvalid, "未知流水类型: %s", f.Type)
	}
	return l.wallets.ListTransactions(ctx, userID, f)
}

// Price looks up the rule for (bizType, model), falling back to the default
// model, and returns price*quantity. Disabled or missing rules are an error.
func (l *Ledger) Price(ctx context.Context, bizType, model string, quantity int) (int64, error) {
	if quantity <= 0 {
		quantity = 1
	}
	if model == "" {
		model = domain.DefaultModel
	}
	rule, ok, err := l.pricing.PricingRule(ctx, bizType, model)
	if err != nil {
		return 0, err
	}
	if !ok && model != domain.DefaultModel {
		rule, ok, err = l.pricing.PricingRule(ctx, bizType, domain.DefaultModel)
		if err != nil {
			return 0, err
		}
	}
	if !ok || !rule.Enabled {
		return 0, domain.Errorf(domain.CodeParamInvalid, "未配置计费规则: %s/%s", bizType, model)
	}
	return rule.Price * int64(quantity), nil
}

// VerifyReport is the result of replaying a wallet's transactions.
type VerifyReport struct {
	UserID       int64 `json:"userId,string"`
	Balance      int64 `json:"balance"`
	Replayed     int64 `json:"replayed"`
	Transactions int   `json:"transactions"`
	OK           bool  `json:"ok"`
	// MismatchTxID is the first transaction whose balanceAfter disagrees with the replay.
	MismatchTxID int64 `json:"mismatchTxId,string,omitempty"`
}

func (l *Ledger) Verify(ctx context.Context, userID int64) (VerifyReport, error) {
	w, err := l.wallets.GetWallet(ctx, userID)
	if err != nil {
		return VerifyReport{}, err
	}
	txs, err := l.wallets.AllTransactions(ctx, userID)
	if err != nil {
		return VerifyReport{}, err
	}
	rep := VerifyReport{UserID: userID, Balance: w.Balance, Transactions: len(txs), OK: true}
	for _, tx := range txs {
		rep.Replayed += tx.Amount
		if rep.OK && (tx.BalanceAfter != rep.Replayed || rep.Replayed < 0) {
			rep.OK = false
			rep.MismatchTxID = tx.ID
		}
	}
	if rep.Replayed != rep.Balance {
		rep.OK = false
	}
	if !rep.OK {
		l.log.Error("wallet replay mismatch", "userId", userID, "balance", rep.Balance, "replayed", rep.Replayed, "txId", rep.MismatchTxID)
	}
	return rep, nil
}

func describeTx(t domain.TxType) string {
	switch t {
	case domain.TxRecharge:
		return "充值"
	case domain.TxConsume:
		return "消费"
	case domain.TxRefund:
		return "退款"
	case domain.TxAdjust:
		return "调整"
	}
	return fmt.Sprint(t)
}
