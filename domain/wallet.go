package domain

import "time"

type TxType string

const (
	TxRecharge TxType = "RECHARGE"
	TxConsume  TxType = "CONSUME"
	TxRefund   TxType = "REFUND"
	TxAdjust   TxType = "ADJUST"
)

func (t TxType) Valid() bool {
	switch t {
	case TxRecharge, TxConsume, TxRefund, TxAdjust:
		return true
	}
	return false
}

// Business types recorded on wallet transactions.
const (
	BizJobItem  = "JOB_ITEM"
	BizToolbox  = "TOOLBOX"
	BizPayOrder = "PAY_ORDER"
	BizManual   = "MANUAL"
)

type Wallet struct {
	UserID    int64     `json:"userId,string"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WalletTransaction is append-only.
type WalletTransaction struct {
	ID           int64     `json:"id,string"`
	UserID       int64     `json:"userId,string"`
	Type         TxType    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	BizType      string    `json:"bizType"`
	BizID        string    `json:"bizId"`
	Remark       string    `json:"remark,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Mutation is one requested balance change. Amount is signed.
type Mutation struct {
	UserID  int64
	Type    TxType
	Amount  int64
	BizType string
	BizID   string
	Remark  string
}

// MutationResult reports whether a new transaction was written or an earlier one matched the same business key.
type MutationResult struct {
	Tx        WalletTransaction
	Duplicate bool
}

type TxFilter struct {
	Type     TxType
	BizType  string
	Page     int
	PageSize int
}

func (f TxFilter) Window() (offset, limit int) {
	return pageWindow(f.Page, f.PageSize)
}

type PricingRule struct {
	BizType   string `json:"bizType"`
	ModelCode string `json:"modelCode"`
	Unit      string `json:"unit"`
	Price     int64  `json:"price"`
	Enabled   bool   `json:"enabled"`
}

// DefaultModel is the modelCode fallback for a bizType.
const DefaultModel = "default"
