// Package payment sells points through recharge orders paid at a gateway.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/ledger"
	"storystudio/store"
	"storystudio/wechat"
)

// Gateway is the part of a payment provider the service needs.
type Gateway interface {
	CreateNative(ctx context.Context, orderNo string, totalFen int64, expireAt time.Time) (string, error)
	Close(ctx context.Context, orderNo string) error
}

type Config struct {
	Provider    string
	FenPerPoint int64
	OrderTTL    time.Duration
	MinPoints   int64
	MaxPoints   int64
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = "WECHAT"
	}
	if c.FenPerPoint <= 0 {
		c.FenPerPoint = 10
	}
	if c.OrderTTL <= 0 {
		c.OrderTTL = 30 * time.Minute
	}
	if c.MinPoints <= 0 {
		c.MinPoints = 1
	}
	if c.MaxPoints <= 0 {
		c.MaxPoints = 1_000_000
	}
	return c
}

type Service struct {
	st     store.PaymentStore
	ledger *ledger.Ledger
	gw     Gateway
	ids    idgen.Generator
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

func New(st store.PaymentStore, l *ledger.Ledger, gw Gateway, ids idgen.Generator, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{st: st, ledger: l, gw: gw, ids: ids, cfg: cfg.withDefaults(), log: logger.With("component", "payment"), now: time.Now}
}

// NewOrderNo is a 32-char out_trade_no.
func NewOrderNo() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

// CreateOrder records a CREATED order and asks the gateway for a pay code.
func (s *Service) CreateOrder(ctx context.Context, userID, points int64) (*domain.PayOrder, error) {
	if userID <= 0 {
		return nil, domain.NewError(domain.CodeUnauthorized)
	}
	if points < s.cfg.MinPoints || points > s.cfg.MaxPoints {
		return nil, domain.Errorf(domain.CodeParamInvalid, "充值积分需在 %d 到 %d 之间", s.cfg.MinPoints, s.cfg.MaxPoints)
	}
	now := s.now()
	o := &domain.PayOrder{
		ID:        s.ids.Next(),
		OrderNo:   NewOrderNo(),
		UserID:    userID,
		Provider:  s.cfg.Provider,
		Status:    domain.OrderCreated,
		Points:    points,
		AmountFen: points * s.cfg.FenPerPoint,
		ExpireAt:  now.Add(s.cfg.OrderTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.st.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	codeURL, err := s.gw.CreateNative(ctx, o.OrderNo, o.AmountFen, o.ExpireAt)
	if err != nil {
		s.log.Error("gateway create order failed", "orderNo", o.OrderNo, "userId", userID, "err", err)
		_, _, _ = s.st.UpdateOrder(ctx, o.OrderNo, func(po *domain.PayOrder) error {
			t := s.now()
			po.Status = domain.OrderClosed
			po.ClosedAt = &t
			po.UpdatedAt = t
			return nil
		})
		return nil, domain.Wrap(domain.CodePaymentFailed, err)
	}
	updated, _, err := s.st.UpdateOrder(ctx, o.OrderNo, func(po *domain.PayOrder) error {
		po.CodeURL = codeURL
		po.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("pay order created", "orderNo", o.OrderNo, "userId", userID, "points", points, "amountFen", o.AmountFen)
	return updated, nil
}

// Order returns an order owned by userID.
func (s *Service) Order(ctx context.Context, userID int64, orderNo string) (*domain.PayOrder, error) {
	o, ok, err := s.st.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, domain.ErrAccessDenied
	}
	return o, nil
}

// Confirm applies a gateway payment. Repeated callbacks for the same trade are
// no-ops; the recharge itself is keyed by the order number.
func (s *Service) Confirm(ctx context.Context, orderNo, tradeNo string, paidFen int64) (*domain.PayOrder, error) {
	o, ok, err := s.st.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if paidFen != o.AmountFen {
		return nil, fmt.Errorf("%w: order %s expects %d fen, paid %d", wechat.ErrAmountMismatch, orderNo, o.AmountFen, paidFen)
	}
	fresh, err := s.st.RecordEvent(ctx, domain.PayEvent{Provider: s.cfg.Provider, EventID: tradeNo, OrderNo: orderNo, CreatedAt: s.now()})
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.log.Info("duplicate payment notify", "orderNo", orderNo, "tradeNo", tradeNo)
	}

	o, _, err = s.st.UpdateOrder(ctx, orderNo, func(po *domain.PayOrder) error {
		if po.Status == domain.OrderSucceeded {
			return nil
		}
		// 关单后仍可能到账，以实际支付为准
		t := s.now()
		po.Status = domain.OrderSucceeded
		po.ProviderTradeNo = tradeNo
		po.PaidAt = &t
		po.UpdatedAt = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Recharge(ctx, o.UserID, o.Points, domain.BizPayOrder, o.OrderNo); err != nil {
		return nil, fmt.Errorf("recharge order %s: %w", orderNo, err)
	}
	if fresh {
		s.log.Info("pay order succeeded", "orderNo", orderNo, "userId", o.UserID, "points", o.Points, "tradeNo", tradeNo)
	}
	return o, nil
}

// ConfirmPayment adapts Confirm to wechat.Confirmer.
func (s *Service) ConfirmPayment(ctx context.Context, p wechat.Payment) error {
	_, err := s.Confirm(ctx, p.OutTradeNo, p.TransactionID, p.TotalFen)
	if errors.Is(err, domain.ErrOrderNotFound) {
		// unknown orders are acknowledged so the gateway stops retrying
		s.log.Warn("payment notify for unknown order", "orderNo", p.OutTradeNo)
		return nil
	}
	return err
}

// Close closes an unpaid order at the gateway and locally.
func (s *Service) Close(ctx context.Context, userID int64, orderNo string) (*domain.PayOrder, error) {
	o, err := s.Order(ctx, userID, orderNo)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case domain.OrderSucceeded:
		return nil, domain.ErrOrderPaid
	case domain.OrderClosed:
		return o, nil
	}
	if err := s.gw.Close(ctx, orderNo); err != nil {
		return nil, domain.Wrap(domain.CodePaymentFailed, err)
	}
	o, _, err = s.st.UpdateOrder(ctx, orderNo, func(po *domain.PayOrder) error {
		if po.Status == domain.OrderSucceeded {
			return domain.ErrOrderPaid
		}
		t := s.now()
		po.Status = domain.OrderClosed
		po.ClosedAt = &t
		po.UpdatedAt = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("pay order closed", "orderNo", orderNo, "userId", userID)
	return o, nil
}
