package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"storystudio/domain"
)

// RedisPaymentStore keeps orders as JSON values and updates them with
// WATCH/MULTI so concurrent confirmations serialize on the order key.
type RedisPaymentStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisPaymentStore(rdb *redis.Client, ttl time.Duration) *RedisPaymentStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisPaymentStore{rdb: rdb, keyPrefix: "story:payorder:", ttl: ttl}
}

func (s *RedisPaymentStore) key(orderNo string) string {
	return s.keyPrefix + strings.TrimSpace(orderNo)
}

func (s *RedisPaymentStore) eventKey(ev domain.PayEvent) string {
	return "story:payevent:" + ev.Provider + ":" + ev.EventID
}

func (s *RedisPaymentStore) CreateOrder(ctx context.Context, o *domain.PayOrder) error {
	if o == nil || strings.TrimSpace(o.OrderNo) == "" {
		return domain.Errorf(domain.CodeParamInvalid, "order/orderNo 为空")
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.key(o.OrderNo), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis create order: %w", err)
	}
	if !ok {
		return domain.Errorf(domain.CodeDuplicate, "订单已存在: %s", o.OrderNo)
	}
	return nil
}

func (s *RedisPaymentStore) GetOrder(ctx context.Context, orderNo string) (*domain.PayOrder, bool, error) {
	if strings.TrimSpace(orderNo) == "" {
		return nil, false, nil
	}
	val, err := s.rdb.Get(ctx, s.key(orderNo)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var o domain.PayOrder
	if err := json.Unmarshal([]byte(val), &o); err != nil {
		return nil, false, err
	}
	return &o, true, nil
}

func (s *RedisPaymentStore) UpdateOrder(ctx context.Context, orderNo string, fn func(o *domain.PayOrder) error) (*domain.PayOrder, bool, error) {
	if strings.TrimSpace(orderNo) == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}
	key := s.key(orderNo)

	var out *domain.PayOrder
	var ok bool
	var fnErr error

	for i := 0; i < 8; i++ {
		fnErr = nil
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				ok, out = false, nil
				return nil
			}
			if err != nil {
				return err
			}
			var o domain.PayOrder
			if err := json.Unmarshal([]byte(val), &o); err != nil {
				return err
			}
			ok = true
			if fnErr = fn(&o); fnErr != nil {
				out = nil
				return nil
			}
			out = &o

			nb, err := json.Marshal(&o)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisPaymentStore) RecordEvent(ctx context.Context, ev domain.PayEvent) (bool, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, s.eventKey(ev), b, s.ttl).Result()
}
