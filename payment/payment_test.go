package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/ledger"
	"storystudio/store"
	"storystudio/wechat"
)

type fakeGateway struct {
	createErr error
	closed    []string
}

func (g *fakeGateway) CreateNative(_ context.Context, orderNo string, _ int64, _ time.Time) (string, error) {
	if g.createErr != nil {
		return "", g.createErr
	}
	return "weixin://wxpay/bizpayurl?pr=" + orderNo, nil
}

func (g *fakeGateway) Close(_ context.Context, orderNo string) error {
	g.closed = append(g.closed, orderNo)
	return nil
}

func newService(t *testing.T, gw Gateway) (*Service, *ledger.Ledger) {
	t.Helper()
	ids := idgen.NewSequence(0)
	led := ledger.New(store.NewInMemoryWalletStore(), store.NewInMemoryPricingStore(), ids, nil)
	return New(store.NewInMemoryPaymentStore(), led, gw, ids, Config{FenPerPoint: 10, MinPoints: 10}, nil), led
}

func balance(t *testing.T, l *ledger.Ledger, userID int64) int64 {
	w, err := l.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestCreateAndConfirmOrder(t *testing.T) {
	gw, err := wechat.New(wechat.Config{Mock: true}, nil)
	require.NoError(t, err)
	svc, led := newService(t, gw)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, 1, 100)
	require.NoError(t, err)
	assert.Len(t, o.OrderNo, 32)
	assert.Equal(t, int64(1000), o.AmountFen)
	assert.Equal(t, domain.OrderCreated, o.Status)
	assert.Contains(t, o.CodeURL, o.OrderNo)

	paid, err := svc.Confirm(ctx, o.OrderNo, "4200001", 1000)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSucceeded, paid.Status)
	assert.Equal(t, "4200001", paid.ProviderTradeNo)
	assert.Equal(t, int64(100), balance(t, led, 1))

	// redelivered callback
	_, err = svc.Confirm(ctx, o.OrderNo, "4200001", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance(t, led, 1))
}

func TestConcurrentConfirmRechargesOnce(t *testing.T) {
	svc, led := newService(t, &fakeGateway{})
	ctx := context.Background()
	o, err := svc.CreateOrder(ctx, 1, 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Confirm(ctx, o.OrderNo, "T1", o.AmountFen)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), balance(t, led, 1))
}

func TestConfirmRejectsWrongAmount(t *testing.T) {
	svc, led := newService(t, &fakeGateway{})
	ctx := context.Background()
	o, err := svc.CreateOrder(ctx, 1, 50)
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, o.OrderNo, "T1", 1)
	assert.ErrorIs(t, err, wechat.ErrAmountMismatch)
	assert.Zero(t, balance(t, led, 1))

	_, err = svc.Confirm(ctx, "nope", "T2", 1)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.NoError(t, svc.ConfirmPayment(ctx, wechat.Payment{OutTradeNo: "nope", TransactionID: "T2", TotalFen: 1}))
}

func TestCreateOrderValidatesAndHandlesGatewayFailure(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newService(t, gw)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, 1, 5)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.CreateOrder(ctx, 0, 50)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	gw.createErr = errors.New("gateway down")
	_, err = svc.CreateOrder(ctx, 1, 50)
	assert.Equal(t, domain.CodePaymentFailed, domain.CodeOf(err))
}

func TestCloseOrder(t *testing.T) {
	gw := &fakeGateway{}
	svc, led := newService(t, gw)
	ctx := context.Background()

	o, err := svc.CreateOrder(ctx, 1, 20)
	require.NoError(t, err)
	_, err = svc.Close(ctx, 2, o.OrderNo)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	closed, err := svc.Close(ctx, 1, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderClosed, closed.Status)
	assert.Equal(t, []string{o.OrderNo}, gw.closed)

	// a payment that lands after close still credits the user
	_, err = svc.Confirm(ctx, o.OrderNo, "T9", o.AmountFen)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance(t, led, 1))
	_, err = svc.Close(ctx, 1, o.OrderNo)
	assert.ErrorIs(t, err, domain.ErrOrderPaid)
}
