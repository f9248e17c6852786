package store

import (
	"context"
	"strings"
	"sync"

	"storystudio/domain"
)

type InMemoryPaymentStore struct {
	mu     sync.Mutex
	orders map[string]*domain.PayOrder
	events map[string]domain.PayEvent
}

func NewInMemoryPaymentStore() *InMemoryPaymentStore {
	return &InMemoryPaymentStore{
		orders: make(map[string]*domain.PayOrder),
		events: make(map[string]domain.PayEvent),
	}
}

func (s *InMemoryPaymentStore) CreateOrder(_ context.Context, o *domain.PayOrder) error {
	if o == nil || strings.TrimSpace(o.OrderNo) == "" {
		return domain.Errorf(domain.CodeParamInvalid, "order/orderNo 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.OrderNo]; ok {
		return domain.Errorf(domain.CodeDuplicate, "订单已存在: %s", o.OrderNo)
	}
	cp := *o
	s.orders[o.OrderNo] = &cp
	return nil
}

func (s *InMemoryPaymentStore) GetOrder(_ context.Context, orderNo string) (*domain.PayOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[strings.TrimSpace(orderNo)]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}

// UpdateOrder applies fn to a copy and keeps it only when fn returns nil.
func (s *InMemoryPaymentStore) UpdateOrder(_ context.Context, orderNo string, fn func(o *domain.PayOrder) error) (*domain.PayOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[strings.TrimSpace(orderNo)]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	if err := fn(&cp); err != nil {
		return nil, true, err
	}
	*o = cp
	out := cp
	return &out, true, nil
}

func (s *InMemoryPaymentStore) RecordEvent(_ context.Context, ev domain.PayEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ev.Provider + ":" + ev.EventID
	if _, ok := s.events[k]; ok {
		return false, nil
	}
	s.events[k] = ev
	return true, nil
}
