package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"storystudio/domain"
	"storystudio/store"
)

const (
	txColumns = `id, user_id, type, amount, balance_after, biz_type, biz_id, remark, created_at`

	openWalletQuery = `
        INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, 0, $2)
        ON CONFLICT (user_id) DO NOTHING`
	findTxQuery = `
        SELECT ` + txColumns + ` FROM wallet_transactions
        WHERE user_id = $1 AND type = $2 AND biz_type = $3 AND biz_id = $4`
	insertTxQuery = `
        INSERT INTO wallet_transactions (` + txColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	upsertPricingQuery = `
        INSERT INTO pricing_rules (biz_type, model_code, unit, price, enabled)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (biz_type, model_code) DO UPDATE SET
            unit = EXCLUDED.unit, price = EXCLUDED.price, enabled = EXCLUDED.enabled`
	seedPricingQuery = `
        INSERT INTO pricing_rules (biz_type, model_code, unit, price, enabled)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (biz_type, model_code) DO NOTHING`
)

func (s *Store) GetWallet(ctx context.Context, userID int64) (domain.Wallet, error) {
	w := domain.Wallet{UserID: userID}
	err := s.pool.QueryRow(ctx, `SELECT balance, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.Balance, &w.UpdatedAt)
	if err != nil && !noRows(err) {
		return domain.Wallet{}, fmt.Errorf("get wallet %d: %w", userID, err)
	}
	return w, nil
}

// Apply locks the wallet row first, so the duplicate check and the balance
// change are serialized per user.
func (s *Store) Apply(ctx context.Context, m domain.Mutation, txID int64, now time.Time) (domain.MutationResult, error) {
	var res domain.MutationResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, openWalletQuery, m.UserID, now); err != nil {
			return fmt.Errorf("open wallet %d: %w", m.UserID, err)
		}
		var balance int64
		if err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, m.UserID).Scan(&balance); err != nil {
			return fmt.Errorf("lock wallet %d: %w", m.UserID, err)
		}
		if prev, ok, err := findTx(ctx, tx, m.UserID, m.Type, m.BizType, m.BizID); err != nil {
			return err
		} else if ok {
			res = domain.MutationResult{Tx: *prev, Duplicate: true}
			return nil
		}
		if balance+m.Amount < 0 {
			return domain.ErrInsufficientBalance
		}
		balance += m.Amount
		if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = $3 WHERE user_id = $1`, m.UserID, balance, now); err != nil {
			return fmt.Errorf("update wallet %d: %w", m.UserID, err)
		}
		t := domain.WalletTransaction{
			ID:           txID,
			UserID:       m.UserID,
			Type:         m.Type,
			Amount:       m.Amount,
			BalanceAfter: balance,
			BizType:      m.BizType,
			BizID:        m.BizID,
			Remark:       m.Remark,
			CreatedAt:    now,
		}
		_, err := tx.Exec(ctx, insertTxQuery, t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter,
			t.BizType, t.BizID, t.Remark, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert wallet transaction: %w", err)
		}
		res = domain.MutationResult{Tx: t}
		return nil
	})
	return res, err
}

func findTx(ctx context.Context, db DBTX, userID int64, typ domain.TxType, bizType, bizID string) (*domain.WalletTransaction, bool, error) {
	var t domain.WalletTransaction
	if err := pgxscan.Get(ctx, db, &t, findTxQuery, userID, typ, bizType, bizID); err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find wallet transaction: %w", err)
	}
	return &t, true, nil
}

func (s *Store) FindTransaction(ctx context.Context, userID int64, typ domain.TxType, bizType, bizID string) (*domain.WalletTransaction, bool, error) {
	return findTx(ctx, s.pool, userID, typ, bizType, bizID)
}

func (s *Store) ListTransactions(ctx context.Context, userID int64, f domain.TxFilter) ([]domain.WalletTransaction, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.BizType != "" {
		args = append(args, f.BizType)
		where = append(where, fmt.Sprintf("biz_type = $%d", len(args)))
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count wallet transactions: %w", err)
	}
	offset, limit := f.Window()
	q := fmt.Sprintf(`SELECT %s FROM wallet_transactions%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		txColumns, clause, limit, offset)
	out := make([]domain.WalletTransaction, 0)
	if err := pgxscan.Select(ctx, s.pool, &out, q, args...); err != nil {
		return nil, 0, fmt.Errorf("list wallet transactions: %w", err)
	}
	return out, total, nil
}

func (s *Store) AllTransactions(ctx context.Context, userID int64) ([]domain.WalletTransaction, error) {
	q := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at, id`
	out := make([]domain.WalletTransaction, 0)
	if err := pgxscan.Select(ctx, s.pool, &out, q, userID); err != nil {
		return nil, fmt.Errorf("all wallet transactions: %w", err)
	}
	return out, nil
}

func (s *Store) PricingRule(ctx context.Context, bizType, modelCode string) (*domain.PricingRule, bool, error) {
	var r domain.PricingRule
	err := pgxscan.Get(ctx, s.pool, &r,
		`SELECT biz_type, model_code, unit, price, enabled FROM pricing_rules WHERE biz_type = $1 AND model_code = $2`,
		bizType, modelCode)
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get pricing rule %s/%s: %w", bizType, modelCode, err)
	}
	return &r, true, nil
}

func (s *Store) UpsertPricingRule(ctx context.Context, r domain.PricingRule) error {
	if r.BizType == "" || r.ModelCode == "" {
		return domain.Errorf(domain.CodeParamInvalid, "bizType/modelCode 为空")
	}
	if r.Price < 0 {
		return domain.Errorf(domain.CodeParamInvalid, "price 不能为负")
	}
	if _, err := s.pool.Exec(ctx, upsertPricingQuery, r.BizType, r.ModelCode, r.Unit, r.Price, r.Enabled); err != nil {
		return fmt.Errorf("upsert pricing rule: %w", err)
	}
	return nil
}

// SeedPricing inserts store.DefaultPricing without touching rules that already exist.
func (s *Store) SeedPricing(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, r := range store.DefaultPricing {
		batch.Queue(seedPricingQuery, r.BizType, r.ModelCode, r.Unit, r.Price, r.Enabled)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed pricing: %w", err)
	}
	return nil
}
