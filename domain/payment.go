package domain

import "time"

type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderSucceeded OrderStatus = "SUCCEEDED"
	OrderClosed    OrderStatus = "CLOSED"
)

// PayOrder is a points recharge order.
type PayOrder struct {
	ID              int64       `json:"id,string"`
	OrderNo         string      `json:"orderNo"`
	UserID          int64       `json:"userId,string"`
	Provider        string      `json:"provider"`
	Status          OrderStatus `json:"status"`
	Points          int64       `json:"points"`
	AmountFen       int64       `json:"amountFen"`
	CodeURL         string      `json:"codeUrl,omitempty"`
	ProviderTradeNo string      `json:"providerTradeNo,omitempty"`
	ExpireAt        time.Time   `json:"expireAt"`
	PaidAt          *time.Time  `json:"paidAt,omitempty"`
	ClosedAt        *time.Time  `json:"closedAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// PayEvent dedups gateway callbacks by the gateway's own event identity.
type PayEvent struct {
	Provider  string    `json:"provider"`
	EventID   string    `json:"eventId"`
	OrderNo   string    `json:"orderNo"`
	CreatedAt time.Time `json:"createdAt"`
}
