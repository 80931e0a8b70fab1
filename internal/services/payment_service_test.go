package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/courtside/internal/models"
	"github.com/example/courtside/internal/newebpay"
)

type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func newFakeStore() *fakeStore {
	return &fakeStore{payments: make(map[string]*models.Payment)}
}

func (s *fakeStore) Create(_ context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *payment
	s.payments[payment.MerchantOrderNo] = &cp
	return nil
}

func (s *fakeStore) GetByOrderNo(_ context.Context, orderNo string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderNo]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) Transition(_ context.Context, orderNo string, from, to models.PaymentStatus, set map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderNo]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	for k, v := range set {
		switch k {
		case "trade_no":
			p.TradeNo = v.(string)
		case "payment_type":
			p.PaymentType = v.(string)
		case "pay_time":
			p.PayTime = v.(*time.Time)
		}
	}
	return true, nil
}

type fakeGateway struct {
	verifyFields map[string]string
	verifyErr    error

	lastCheckout newebpay.CheckoutForm
	lastRefund   *newebpay.RefundParams
	lastCancel   *newebpay.CancelAuthParams
	lastClose    *newebpay.CloseParams
	lastQueryNo  string
	lastQueryAmt int

	resp *newebpay.ProviderResponse
}

func (g *fakeGateway) providerResp() *newebpay.ProviderResponse {
	if g.resp != nil {
		return g.resp
	}
	return &newebpay.ProviderResponse{JSON: map[string]any{"Status": "SUCCESS"}}
}

func (g *fakeGateway) BuildCheckout(form newebpay.CheckoutForm) (*newebpay.CheckoutRequest, error) {
	if form.Amount <= 0 {
		return nil, newebpay.ErrInvalidAmount
	}
	g.lastCheckout = form
	var fields newebpay.Values
	fields.Add("MerchantID", "MS357423624")
	fields.Add("TradeInfo", "deadbeef")
	fields.Add("TradeSha", "TAG")
	fields.Add("Version", "2.3")
	return &newebpay.CheckoutRequest{ActionURL: "https://ccore.newebpay.com/MPG/mpg_gateway", Fields: fields}, nil
}

func (g *fakeGateway) VerifyNotify(newebpay.Notification) (map[string]string, error) {
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return g.verifyFields, nil
}

func (g *fakeGateway) Query(_ context.Context, orderNo string, amount int) (*newebpay.ProviderResponse, error) {
	g.lastQueryNo = orderNo
	g.lastQueryAmt = amount
	return g.providerResp(), nil
}

func (g *fakeGateway) CancelAuth(_ context.Context, p newebpay.CancelAuthParams) (*newebpay.ProviderResponse, error) {
	g.lastCancel = &p
	return g.providerResp(), nil
}

func (g *fakeGateway) Close(_ context.Context, p newebpay.CloseParams) (*newebpay.ProviderResponse, error) {
	g.lastClose = &p
	return g.providerResp(), nil
}

func (g *fakeGateway) RefundEWallet(_ context.Context, p newebpay.RefundParams) (*newebpay.ProviderResponse, error) {
	g.lastRefund = &p
	return g.providerResp(), nil
}

func newTestService(store PaymentStore, gateway Gateway) *PaymentService {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewPaymentService(store, gateway, log)
}

func seedPayment(store *fakeStore, orderNo string, status models.PaymentStatus) {
	store.payments[orderNo] = &models.Payment{
		MerchantOrderNo: orderNo,
		ReservationID:   "42",
		Amount:          500,
		Provider:        models.PaymentProviderNewebpay,
		Status:          status,
		PaymentType:     "LINEPAY",
	}
}

func TestNewMerchantOrderNo(t *testing.T) {
	now := time.Unix(1700000000, 0)

	a := NewMerchantOrderNo("42", now)
	b := NewMerchantOrderNo("42", now)

	assert.True(t, strings.HasPrefix(a, "RES421700000000"))
	assert.LessOrEqual(t, len(a), 30)
	// Random suffix keeps same-second creations apart for short ids.
	assert.NotEqual(t, a, b)
}

func TestNewMerchantOrderNoTruncation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	longID := strings.Repeat("7", 40)

	got := NewMerchantOrderNo(longID, now)
	assert.Len(t, got, 30)
	assert.Equal(t, "RES"+longID[:27], got)

	// Truncation eats the disambiguating suffix: ids this long may collide
	// within the same second. Documented limitation, not a guarantee.
	assert.Equal(t, got, NewMerchantOrderNo(longID, now))
}

func TestCreatePayment(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway)

	result, err := svc.CreatePayment(context.Background(), CreatePaymentCommand{
		ReservationID: "42",
		Payer:         PayerInfo{Name: "Lin", Email: "lin@example.com", Phone: "0912345678"},
		Amount:        500,
		ItemDesc:      "court rental",
		NotifyURL:     "https://example.com/api/newebpay/notify",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Checkout)

	// The pending row is durable before the envelope goes out.
	stored, err := store.GetByOrderNo(context.Background(), result.MerchantOrderNo)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
	assert.Equal(t, 500, stored.Amount)
	assert.Equal(t, "Lin", stored.PayerName)
	assert.Equal(t, models.PaymentProviderNewebpay, stored.Provider)

	assert.Equal(t, result.MerchantOrderNo, gateway.lastCheckout.MerchantOrderNo)
	assert.Equal(t, 500, gateway.lastCheckout.Amount)
}

func TestCreatePaymentInvalidAmount(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeGateway{})

	_, err := svc.CreatePayment(context.Background(), CreatePaymentCommand{ReservationID: "42", Amount: 0})
	assert.ErrorIs(t, err, newebpay.ErrInvalidAmount)
}

func successNotification() newebpay.Notification {
	return newebpay.Notification{Status: "SUCCESS", MerchantID: "MS357423624", Version: "2.3"}
}

func TestHandleNotifySuccessIdempotent(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	gateway := &fakeGateway{verifyFields: map[string]string{
		"MerchantOrderNo": "RES42",
		"TradeNo":         "23092714215923657",
		"PaymentType":     "CREDIT",
		"PayTime":         "2023-09-27+14:21:59",
	}}
	svc := newTestService(store, gateway)

	first, err := svc.HandleNotify(context.Background(), successNotification())
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, models.PaymentStatusPaid, first.Status)

	afterFirst, _ := store.GetByOrderNo(context.Background(), "RES42")
	require.NotNil(t, afterFirst.PayTime)
	assert.Equal(t, time.Date(2023, 9, 27, 14, 21, 59, 0, time.UTC), afterFirst.PayTime.UTC())
	assert.Equal(t, "23092714215923657", afterFirst.TradeNo)
	assert.Equal(t, "CREDIT", afterFirst.PaymentType)

	// Redelivery is a no-op: same outcome, no field churn.
	second, err := svc.HandleNotify(context.Background(), successNotification())
	require.NoError(t, err)
	assert.True(t, second.Applied)
	assert.Equal(t, models.PaymentStatusPaid, second.Status)

	afterSecond, _ := store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, afterFirst, afterSecond)
}

func TestHandleNotifyMalformedPayTime(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	gateway := &fakeGateway{verifyFields: map[string]string{
		"MerchantOrderNo": "RES42",
		"TradeNo":         "T1",
		"PaymentType":     "CREDIT",
		"PayTime":         "garbage",
	}}
	svc := newTestService(store, gateway)

	result, err := svc.HandleNotify(context.Background(), successNotification())
	require.NoError(t, err)
	assert.True(t, result.Applied)

	// A bad timestamp degrades to unset; it must not block the payment.
	stored, _ := store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, models.PaymentStatusPaid, stored.Status)
	assert.Nil(t, stored.PayTime)
	assert.Equal(t, "T1", stored.TradeNo)
}

func TestHandleNotifyFailure(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	gateway := &fakeGateway{verifyFields: map[string]string{"MerchantOrderNo": "RES42"}}
	svc := newTestService(store, gateway)

	n := successNotification()
	n.Status = "MPG03009"

	result, err := svc.HandleNotify(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, models.PaymentStatusFailed, result.Status)
}

func TestHandleNotifyUnknownOrder(t *testing.T) {
	gateway := &fakeGateway{verifyFields: map[string]string{"MerchantOrderNo": "RES404"}}
	svc := newTestService(newFakeStore(), gateway)

	result, err := svc.HandleNotify(context.Background(), successNotification())
	assert.ErrorIs(t, err, ErrUnknownOrder)
	require.NotNil(t, result)
	assert.False(t, result.Applied)
	assert.Equal(t, "RES404", result.MerchantOrderNo)
}

func TestHandleNotifySignatureMismatch(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	gateway := &fakeGateway{verifyErr: newebpay.ErrSignatureMismatch}
	svc := newTestService(store, gateway)

	_, err := svc.HandleNotify(context.Background(), successNotification())
	assert.ErrorIs(t, err, newebpay.ErrSignatureMismatch)

	// No state mutated on an integrity failure.
	stored, _ := store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
}

func TestHandleNotifySuccessAfterFailed(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusFailed)
	gateway := &fakeGateway{verifyFields: map[string]string{"MerchantOrderNo": "RES42"}}
	svc := newTestService(store, gateway)

	result, err := svc.HandleNotify(context.Background(), successNotification())
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, models.PaymentStatusFailed, result.Status)
}

func TestRefundFlow(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPaid)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway)

	_, err := svc.Refund(context.Background(), "RES42")
	require.NoError(t, err)

	require.NotNil(t, gateway.lastRefund)
	assert.Equal(t, "RES42", gateway.lastRefund.MerchantOrderNo)
	assert.Equal(t, 500, gateway.lastRefund.Amount)
	assert.Equal(t, "LINEPAY", gateway.lastRefund.PaymentType)

	stored, _ := store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, models.PaymentStatusRefundPending, stored.Status)

	require.NoError(t, svc.ConfirmRefund(context.Background(), "RES42"))
	stored, _ = store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, models.PaymentStatusRefunded, stored.Status)
}

func TestRefundRequiresPaid(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	svc := newTestService(store, &fakeGateway{})

	_, err := svc.Refund(context.Background(), "RES42")
	assert.Error(t, err)

	_, err = svc.Refund(context.Background(), "RES404")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestCancelPending(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	svc := newTestService(store, &fakeGateway{})

	require.NoError(t, svc.CancelPending(context.Background(), "RES42"))
	stored, _ := store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, models.PaymentStatusCanceled, stored.Status)

	// Already canceled: the compare-and-set no longer matches.
	assert.Error(t, svc.CancelPending(context.Background(), "RES42"))
}

func TestCancelAuth(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPaid)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway)

	_, err := svc.CancelAuth(context.Background(), "RES42")
	require.NoError(t, err)

	require.NotNil(t, gateway.lastCancel)
	assert.Equal(t, newebpay.IndexByOrderNo, gateway.lastCancel.IndexType)
	assert.Equal(t, "RES42", gateway.lastCancel.MerchantOrderNo)
	assert.Equal(t, 500, gateway.lastCancel.Amount)

	stored, _ := store.GetByOrderNo(context.Background(), "RES42")
	assert.Equal(t, models.PaymentStatusCanceled, stored.Status)
}

func TestCaptureRequiresPaid(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPaid)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway)

	_, err := svc.Capture(context.Background(), "RES42")
	require.NoError(t, err)
	require.NotNil(t, gateway.lastClose)
	assert.Equal(t, newebpay.CloseTypeCapture, gateway.lastClose.CloseType)

	seedPayment(store, "RES43", models.PaymentStatusPending)
	_, err = svc.Capture(context.Background(), "RES43")
	assert.Error(t, err)
}

func TestQueryUsesStoredAmount(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "RES42", models.PaymentStatusPending)
	gateway := &fakeGateway{}
	svc := newTestService(store, gateway)

	_, err := svc.Query(context.Background(), "RES42")
	require.NoError(t, err)
	assert.Equal(t, "RES42", gateway.lastQueryNo)
	assert.Equal(t, 500, gateway.lastQueryAmt)
}

func TestParsePayTime(t *testing.T) {
	got := parsePayTime("2023-09-27+14:21:59")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2023, 9, 27, 14, 21, 59, 0, time.UTC), got.UTC())

	assert.Nil(t, parsePayTime(""))
	assert.Nil(t, parsePayTime("not a time"))
}
