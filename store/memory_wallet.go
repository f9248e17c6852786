package store

import (
	"context"
	"sync"
	"time"

	"storystudio/domain"
)

type txKey struct {
	userID  int64
	typ     domain.TxType
	bizType string
	bizID   string
}

// InMemoryWalletStore serializes every mutation behind one mutex, which is
// stricter than the per-user serialization the ledger needs.
type InMemoryWalletStore struct {
	mu      sync.Mutex
	wallets map[int64]*domain.Wallet
	txs     map[int64][]domain.WalletTransaction
	byBiz   map[txKey]domain.WalletTransaction
}

func NewInMemoryWalletStore() *InMemoryWalletStore {
	return &InMemoryWalletStore{
		wallets: make(map[int64]*domain.Wallet),
		txs:     make(map[int64][]domain.WalletTransaction),
		byBiz:   make(map[txKey]domain.WalletTransaction),
	}
}

func (s *InMemoryWalletStore) GetWallet(_ context.Context, userID int64) (domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[userID]; ok {
		return *w, nil
	}
	return domain.Wallet{UserID: userID}, nil
}

func (s *InMemoryWalletStore) Apply(_ context.Context, m domain.Mutation, txID int64, now time.Time) (domain.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := txKey{userID: m.UserID, typ: m.Type, bizType: m.BizType, bizID: m.BizID}
	if prev, ok := s.byBiz[k]; ok {
		return domain.MutationResult{Tx: prev, Duplicate: true}, nil
	}
	w, ok := s.wallets[m.UserID]
	if !ok {
		w = &domain.Wallet{UserID: m.UserID}
		s.wallets[m.UserID] = w
	}
	if w.Balance+m.Amount < 0 {
		return domain.MutationResult{}, domain.ErrInsufficientBalance
	}
	w.Balance += m.Amount
	w.UpdatedAt = now
	tx := domain.WalletTransaction{
		ID:           txID,
		UserID:       m.UserID,
		Type:         m.Type,
		Amount:       m.Amount,
		BalanceAfter: w.Balance,
		BizType:      m.BizType,
		BizID:        m.BizID,
		Remark:       m.Remark,
		CreatedAt:    now,
	}
	s.txs[m.UserID] = append(s.txs[m.UserID], tx)
	s.byBiz[k] = tx
	return domain.MutationResult{Tx: tx}, nil
}

func (s *InMemoryWalletStore) FindTransaction(_ context.Context, userID int64, typ domain.TxType, bizType, bizID string) (*domain.WalletTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byBiz[txKey{userID: userID, typ: typ, bizType: bizType, bizID: bizID}]
	if !ok {
		return nil, false, nil
	}
	return &tx, true, nil
}

func (s *InMemoryWalletStore) ListTransactions(_ context.Context, userID int64, f domain.TxFilter) ([]domain.WalletTransaction, int, error) {
	s.mu.Lock()
	all := s.txs[userID]
	matched := make([]domain.WalletTransaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		tx := all[i]
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if f.BizType != "" && tx.BizType != f.BizType {
			continue
		}
		matched = append(matched, tx)
	}
	s.mu.Unlock()

	total := len(matched)
	offset, limit := f.Window()
	if offset >= total {
		return []domain.WalletTransaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *InMemoryWalletStore) AllTransactions(_ context.Context, userID int64) ([]domain.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WalletTransaction, len(s.txs[userID]))
	copy(out, s.txs[userID])
	return out, nil
}

type ruleKey struct{ bizType, model string }

type InMemoryPricingStore struct {
	mu    sync.RWMutex
	rules map[ruleKey]domain.PricingRule
}

// NewInMemoryPricingStore is seeded with DefaultPricing.
func NewInMemoryPricingStore() *InMemoryPricingStore {
	s := &InMemoryPricingStore{rules: make(map[ruleKey]domain.PricingRule)}
	for _, r := range DefaultPricing {
		s.rules[ruleKey{r.BizType, r.ModelCode}] = r
	}
	return s
}

func (s *InMemoryPricingStore) PricingRule(_ context.Context, bizType, modelCode string) (*domain.PricingRule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleKey{bizType, modelCode}]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (s *InMemoryPricingStore) UpsertPricingRule(_ context.Context, r domain.PricingRule) error {
	if r.BizType == "" || r.ModelCode == "" {
		return domain.Errorf(domain.CodeParamInvalid, "bizType/modelCode 为空")
	}
	if r.Price < 0 {
		return domain.Errorf(domain.CodeParamInvalid, "price 不能为负")
	}
	s.mu.Lock()
	s.rules[ruleKey{r.BizType, r.ModelCode}] = r
	s.mu.Unlock()
	return nil
}
