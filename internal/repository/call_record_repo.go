package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/domain"
)

// CallRecordRepository handles database operations for call records
type CallRecordRepository struct {
	db *gorm.DB
}

// NewCallRecordRepository creates a new call record repository
func NewCallRecordRepository(db *gorm.DB) *CallRecordRepository {
	return &CallRecordRepository{db: db}
}

// Create creates a new call record
func (r *CallRecordRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	record.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// Update updates an existing call record
func (r *CallRecordRepository) Update(ctx context.Context, record *domain.CallRecord) error {
	record.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("failed to update call record: %w", err)
	}
	return nil
}

// GetByCallID retrieves a call record by the remote service's call identifier
func (r *CallRecordRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}

// MarkEnded transitions the record for callID to the ended state. A missing
// record is not an error: persistence may have been enabled mid-deployment.
func (r *CallRecordRepository) MarkEnded(ctx context.Context, callID, reason string) error {
	record, err := r.GetByCallID(ctx, callID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	now := time.Now()
	record.State = domain.CallStateEnded
	record.EndedAt = now
	if reason != "" {
		record.FailureReason = reason
	}
	return r.Update(ctx, record)
}

// ListRecent returns the most recently created call records, newest first.
func (r *CallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*domain.CallRecord
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}
