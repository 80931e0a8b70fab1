package models

import (
	"fmt"
	"time"
)

// PaymentProvider identifies the gateway a payment runs through.
const PaymentProviderNewebpay = "newebpay"

// PaymentStatus is the lifecycle state of a checkout attempt.
type PaymentStatus string

const (
	PaymentStatusCreated       PaymentStatus = "created"
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusPaid          PaymentStatus = "paid"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusCanceled      PaymentStatus = "canceled"
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
	PaymentStatusRefunded      PaymentStatus = "refunded"
)

// statusTransitions is the forward transition table. canceled is reachable
// from pending (payer abandons before paying) and from paid (cancel-auth
// voids the authorization); failed, canceled and refunded are terminal.
var statusTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated:       {PaymentStatusPending},
	PaymentStatusPending:       {PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusPaid:          {PaymentStatusRefundPending, PaymentStatusCanceled},
	PaymentStatusRefundPending: {PaymentStatusRefunded},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Payment stores one NewebPay checkout attempt. MerchantOrderNo is the wire
// identity correlating the outbound MPG form with the inbound notification;
// it and Amount are immutable once the record exists.
type Payment struct {
	BaseModel
	MerchantOrderNo string        `gorm:"size:30;uniqueIndex" json:"merchant_order_no"`
	ReservationID   string        `gorm:"index" json:"reservation_id"`
	PayerName       string        `gorm:"size:100" json:"payer_name"`
	PayerEmail      string        `gorm:"size:100" json:"payer_email"`
	PayerPhone      string        `gorm:"size:20" json:"payer_phone"`
	Amount          int           `json:"amount"`
	Provider        string        `gorm:"size:20" json:"provider"`
	Status          PaymentStatus `gorm:"size:20;index" json:"status"`
	TradeNo         string        `gorm:"size:20" json:"trade_no"`
	PaymentType     string        `gorm:"size:20" json:"payment_type"`
	PayTime         *time.Time    `json:"pay_time"`
}

func (p *Payment) transition(next PaymentStatus) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("payment %s: illegal transition %s -> %s", p.MerchantOrderNo, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = time.Now()
	return nil
}

// MarkPending advances a freshly built record so the outbound form and the
// pending row commit together.
func (p *Payment) MarkPending() error {
	return p.transition(PaymentStatusPending)
}

// MarkPaid records a verified success notification. A nil payTime is allowed:
// an unparsable provider timestamp must not block recording the payment.
func (p *Payment) MarkPaid(tradeNo, paymentType string, payTime *time.Time) error {
	if err := p.transition(PaymentStatusPaid); err != nil {
		return err
	}
	p.TradeNo = tradeNo
	p.PaymentType = paymentType
	p.PayTime = payTime
	return nil
}

func (p *Payment) MarkFailed() error {
	return p.transition(PaymentStatusFailed)
}

func (p *Payment) MarkCanceled() error {
	return p.transition(PaymentStatusCanceled)
}

func (p *Payment) MarkRefundPending() error {
	return p.transition(PaymentStatusRefundPending)
}

func (p *Payment) MarkRefunded() error {
	return p.transition(PaymentStatusRefunded)
}
