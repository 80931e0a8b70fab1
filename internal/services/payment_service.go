package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/courtside/internal/models"
	"github.com/example/courtside/internal/newebpay"
)

// ErrUnknownOrder marks a notification or operation for an order no record
// knows about. The notify endpoint still acknowledges the provider; this is
// surfaced for operator visibility only.
var ErrUnknownOrder = errors.New("payment: unknown merchant order no")

// merchantOrderNoMaxLen is the provider's MerchantOrderNo length limit.
const merchantOrderNoMaxLen = 30

const payTimeLayout = "2006-01-02 15:04:05"

// notifyStatusSuccess is the envelope Status for a successful payment.
const notifyStatusSuccess = "SUCCESS"

// PaymentStore is the record-store port. The GORM implementation lives in
// internal/database; tests use an in-memory double.
type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByOrderNo(ctx context.Context, orderNo string) (*models.Payment, error)
	// Transition applies a compare-and-set status move and reports whether a
	// row actually changed.
	Transition(ctx context.Context, orderNo string, from, to models.PaymentStatus, set map[string]any) (bool, error)
}

// Gateway is the payment-provider port, implemented by newebpay.Client.
type Gateway interface {
	BuildCheckout(form newebpay.CheckoutForm) (*newebpay.CheckoutRequest, error)
	VerifyNotify(n newebpay.Notification) (map[string]string, error)
	Query(ctx context.Context, merchantOrderNo string, amount int) (*newebpay.ProviderResponse, error)
	CancelAuth(ctx context.Context, p newebpay.CancelAuthParams) (*newebpay.ProviderResponse, error)
	Close(ctx context.Context, p newebpay.CloseParams) (*newebpay.ProviderResponse, error)
	RefundEWallet(ctx context.Context, p newebpay.RefundParams) (*newebpay.ProviderResponse, error)
}

// PaymentService owns the checkout and notification use cases.
type PaymentService struct {
	store   PaymentStore
	gateway Gateway
	log     *logrus.Logger
}

func NewPaymentService(store PaymentStore, gateway Gateway, log *logrus.Logger) *PaymentService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PaymentService{store: store, gateway: gateway, log: log}
}

// NewMerchantOrderNo derives the wire order identity from a reservation:
// "RES" + reservation id + unix seconds + a random suffix, truncated to the
// provider's 30-char limit. The suffix guards against same-second creations;
// reservation ids long enough to push it past the limit can still collide.
func NewMerchantOrderNo(reservationID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	raw := fmt.Sprintf("RES%s%d%s", reservationID, now.Unix(), suffix)
	raw = strings.ReplaceAll(raw, "-", "")
	if len(raw) > merchantOrderNoMaxLen {
		raw = raw[:merchantOrderNoMaxLen]
	}
	return raw
}

// PayerInfo is the payer contact block stored on the record.
type PayerInfo struct {
	Name  string
	Email string
	Phone string
}

// CreatePaymentCommand describes one checkout attempt.
type CreatePaymentCommand struct {
	ReservationID  string
	Payer          PayerInfo
	Amount         int
	ItemDesc       string
	NotifyURL      string
	ReturnURL      string
	CustomerURL    string
	ClientBackURL  string
	LangType       string
	EnablePayments map[string]int
}

// CreatePaymentResult carries the persisted identity plus the disposable
// outbound envelope for the payer's browser.
type CreatePaymentResult struct {
	MerchantOrderNo string
	Checkout        *newebpay.CheckoutRequest
}

// CreatePayment persists a pending payment record and builds the MPG form.
// The row is durable before the envelope is returned, so a notification can
// never arrive for an order the store does not know.
func (s *PaymentService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (*CreatePaymentResult, error) {
	if cmd.Amount <= 0 {
		return nil, newebpay.ErrInvalidAmount
	}

	orderNo := NewMerchantOrderNo(cmd.ReservationID, time.Now())

	payment := &models.Payment{
		MerchantOrderNo: orderNo,
		ReservationID:   cmd.ReservationID,
		PayerName:       cmd.Payer.Name,
		PayerEmail:      cmd.Payer.Email,
		PayerPhone:      cmd.Payer.Phone,
		Amount:          cmd.Amount,
		Provider:        models.PaymentProviderNewebpay,
		Status:          models.PaymentStatusCreated,
	}
	if err := payment.MarkPending(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("payment create: %w", err)
	}

	checkout, err := s.gateway.BuildCheckout(newebpay.CheckoutForm{
		MerchantOrderNo: orderNo,
		Amount:          cmd.Amount,
		ItemDesc:        cmd.ItemDesc,
		NotifyURL:       cmd.NotifyURL,
		ReturnURL:       cmd.ReturnURL,
		CustomerURL:     cmd.CustomerURL,
		ClientBackURL:   cmd.ClientBackURL,
		LangType:        cmd.LangType,
		EnablePayments:  cmd.EnablePayments,
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"merchant_order_no": orderNo,
		"reservation_id":    cmd.ReservationID,
		"amount":            cmd.Amount,
	}).Info("payment created, checkout form built")

	return &CreatePaymentResult{MerchantOrderNo: orderNo, Checkout: checkout}, nil
}

// NotifyResult reports what a notification delivery did to the record.
type NotifyResult struct {
	Applied         bool
	MerchantOrderNo string
	Status          models.PaymentStatus
}

// HandleNotify authenticates a provider notification and applies the status
// transition it drives. Repeat deliveries for an already-paid order are
// no-ops; an unknown order is reported but never fatal, since the transport
// reply must acknowledge the provider regardless.
func (s *PaymentService) HandleNotify(ctx context.Context, n newebpay.Notification) (*NotifyResult, error) {
	fields, err := s.gateway.VerifyNotify(n)
	if err != nil {
		if errors.Is(err, newebpay.ErrSignatureMismatch) {
			// Security event: possible tampering, keep it distinct from
			// transport corruption in the logs.
			s.log.WithField("merchant_id", n.MerchantID).Warn("notification rejected: TradeSha mismatch")
		} else {
			s.log.WithError(err).Error("notification payload could not be decoded")
		}
		return nil, err
	}

	orderNo := fields["MerchantOrderNo"]
	payment, err := s.store.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, fmt.Errorf("payment lookup: %w", err)
	}
	if payment == nil {
		s.log.WithField("merchant_order_no", orderNo).Warn("notification for unknown order")
		return &NotifyResult{Applied: false, MerchantOrderNo: orderNo}, ErrUnknownOrder
	}

	if n.Status != notifyStatusSuccess {
		return s.applyFailure(ctx, payment)
	}
	return s.applySuccess(ctx, payment, fields)
}

func (s *PaymentService) applySuccess(ctx context.Context, payment *models.Payment, fields map[string]string) (*NotifyResult, error) {
	orderNo := payment.MerchantOrderNo

	if payment.Status == models.PaymentStatusPaid {
		return &NotifyResult{Applied: true, MerchantOrderNo: orderNo, Status: payment.Status}, nil
	}

	set := map[string]any{
		"trade_no":     fields["TradeNo"],
		"payment_type": fields["PaymentType"],
	}
	if payTime := parsePayTime(fields["PayTime"]); payTime != nil {
		set["pay_time"] = payTime
	}

	applied, err := s.store.Transition(ctx, orderNo, models.PaymentStatusPending, models.PaymentStatusPaid, set)
	if err != nil {
		return nil, fmt.Errorf("payment transition: %w", err)
	}
	if !applied {
		// Lost the race or the order is in a state success cannot leave.
		current, err := s.store.GetByOrderNo(ctx, orderNo)
		if err != nil {
			return nil, fmt.Errorf("payment lookup: %w", err)
		}
		if current != nil && current.Status == models.PaymentStatusPaid {
			return &NotifyResult{Applied: true, MerchantOrderNo: orderNo, Status: current.Status}, nil
		}
		status := models.PaymentStatus("")
		if current != nil {
			status = current.Status
		}
		s.log.WithFields(logrus.Fields{
			"merchant_order_no": orderNo,
			"status":            status,
		}).Warn("success notification not applicable to current status")
		return &NotifyResult{Applied: false, MerchantOrderNo: orderNo, Status: status}, nil
	}

	s.log.WithFields(logrus.Fields{
		"merchant_order_no": orderNo,
		"trade_no":          fields["TradeNo"],
		"payment_type":      fields["PaymentType"],
	}).Info("payment marked paid")

	return &NotifyResult{Applied: true, MerchantOrderNo: orderNo, Status: models.PaymentStatusPaid}, nil
}

func (s *PaymentService) applyFailure(ctx context.Context, payment *models.Payment) (*NotifyResult, error) {
	orderNo := payment.MerchantOrderNo

	applied, err := s.store.Transition(ctx, orderNo, models.PaymentStatusPending, models.PaymentStatusFailed, nil)
	if err != nil {
		return nil, fmt.Errorf("payment transition: %w", err)
	}
	status := models.PaymentStatusFailed
	if !applied {
		status = payment.Status
	}

	s.log.WithFields(logrus.Fields{
		"merchant_order_no": orderNo,
		"applied":           applied,
	}).Info("payment failure notification processed")

	return &NotifyResult{Applied: applied, MerchantOrderNo: orderNo, Status: status}, nil
}

// parsePayTime parses the provider's PayTime. Literal '+' stands in for a
// space per the provider's encoding quirk; an unparsable value degrades to
// nil rather than blocking the transition.
func parsePayTime(raw string) *time.Time {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "+", " "))
	if raw == "" {
		return nil
	}
	t, err := time.Parse(payTimeLayout, raw)
	if err != nil {
		return nil
	}
	return &t
}

// Query asks the provider for the current trade state of an order.
func (s *PaymentService) Query(ctx context.Context, orderNo string) (*newebpay.ProviderResponse, error) {
	payment, err := s.requirePayment(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	return s.gateway.Query(ctx, orderNo, payment.Amount)
}

// CancelPending voids a checkout the payer abandoned before paying. Local
// transition only; there is nothing to undo on the provider side yet.
func (s *PaymentService) CancelPending(ctx context.Context, orderNo string) error {
	return s.applyLocalTransition(ctx, orderNo, models.PaymentStatusPending, models.PaymentStatusCanceled)
}

// CancelAuth voids the credit-card authorization of a paid order, then moves
// the record to canceled.
func (s *PaymentService) CancelAuth(ctx context.Context, orderNo string) (*newebpay.ProviderResponse, error) {
	payment, err := s.requirePayment(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPaid {
		return nil, fmt.Errorf("payment %s: cancel auth requires paid status, have %s", orderNo, payment.Status)
	}

	resp, err := s.gateway.CancelAuth(ctx, newebpay.CancelAuthParams{
		Amount:          payment.Amount,
		IndexType:       newebpay.IndexByOrderNo,
		MerchantOrderNo: orderNo,
	})
	if err != nil {
		return nil, err
	}

	if err := s.applyLocalTransition(ctx, orderNo, models.PaymentStatusPaid, models.PaymentStatusCanceled); err != nil {
		return resp, err
	}
	return resp, nil
}

// Capture requests settlement of a paid credit-card order. No state change:
// settlement does not alter the payment lifecycle tracked here.
func (s *PaymentService) Capture(ctx context.Context, orderNo string) (*newebpay.ProviderResponse, error) {
	payment, err := s.requirePayment(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPaid {
		return nil, fmt.Errorf("payment %s: capture requires paid status, have %s", orderNo, payment.Status)
	}

	return s.gateway.Close(ctx, newebpay.CloseParams{
		Amount:          payment.Amount,
		CloseType:       newebpay.CloseTypeCapture,
		IndexType:       newebpay.IndexByOrderNo,
		MerchantOrderNo: orderNo,
	})
}

// Refund submits an e-wallet refund for a paid order and moves the record to
// refund_pending until the provider confirms.
func (s *PaymentService) Refund(ctx context.Context, orderNo string) (*newebpay.ProviderResponse, error) {
	payment, err := s.requirePayment(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPaid {
		return nil, fmt.Errorf("payment %s: refund requires paid status, have %s", orderNo, payment.Status)
	}

	resp, err := s.gateway.RefundEWallet(ctx, newebpay.RefundParams{
		MerchantOrderNo: orderNo,
		Amount:          payment.Amount,
		PaymentType:     payment.PaymentType,
	})
	if err != nil {
		return nil, err
	}

	if err := s.applyLocalTransition(ctx, orderNo, models.PaymentStatusPaid, models.PaymentStatusRefundPending); err != nil {
		return resp, err
	}

	s.log.WithField("merchant_order_no", orderNo).Info("refund submitted")
	return resp, nil
}

// ConfirmRefund completes a refund the provider has confirmed settled.
func (s *PaymentService) ConfirmRefund(ctx context.Context, orderNo string) error {
	return s.applyLocalTransition(ctx, orderNo, models.PaymentStatusRefundPending, models.PaymentStatusRefunded)
}

// GetPayment fetches one payment record.
func (s *PaymentService) GetPayment(ctx context.Context, orderNo string) (*models.Payment, error) {
	return s.requirePayment(ctx, orderNo)
}

func (s *PaymentService) requirePayment(ctx context.Context, orderNo string) (*models.Payment, error) {
	payment, err := s.store.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, fmt.Errorf("payment lookup: %w", err)
	}
	if payment == nil {
		return nil, ErrUnknownOrder
	}
	return payment, nil
}

func (s *PaymentService) applyLocalTransition(ctx context.Context, orderNo string, from, to models.PaymentStatus) error {
	applied, err := s.store.Transition(ctx, orderNo, from, to, nil)
	if err != nil {
		return fmt.Errorf("payment transition: %w", err)
	}
	if !applied {
		return fmt.Errorf("payment %s: not in %s, transition to %s not applied", orderNo, from, to)
	}
	return nil
}
