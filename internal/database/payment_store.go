package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/example/courtside/internal/models"
)

// PaymentStore is the GORM-backed payment record store.
type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// Create persists a new payment record.
func (s *PaymentStore) Create(ctx context.Context, payment *models.Payment) error {
	return s.db.WithContext(ctx).Create(payment).Error
}

// GetByOrderNo fetches a payment by merchant order no, or nil when absent.
func (s *PaymentStore) GetByOrderNo(ctx context.Context, orderNo string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).
		Where("merchant_order_no = ?", orderNo).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// Transition performs a compare-and-set status move: the update applies only
// while the row is still in from, so concurrent deliveries of the same
// notification converge to one effective write. Returns whether a row moved.
func (s *PaymentStore) Transition(ctx context.Context, orderNo string, from, to models.PaymentStatus, set map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range set {
		updates[k] = v
	}

	tx := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("merchant_order_no = ? AND status = ?", orderNo, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// List returns payments ordered newest-first, optionally filtered by status,
// with the total count for pagination.
func (s *PaymentStore) List(ctx context.Context, status models.PaymentStatus, limit, offset int) ([]models.Payment, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Payment{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payments []models.Payment
	if err := query.
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&payments).Error; err != nil {
		return nil, 0, err
	}

	return payments, total, nil
}
