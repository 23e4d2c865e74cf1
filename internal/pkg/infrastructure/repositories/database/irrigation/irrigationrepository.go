package irrigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:generate moq -rm -out irrigationrepository_mock.go . IrrigationRepository

type IrrigationRepository interface {
	Start(ctx context.Context, deviceID string, startedAt time.Time) error
	Stop(ctx context.Context, deviceID string, complete CompleteFunc) (types.IrrigationLog, error)
	GetSummary(ctx context.Context, deviceID string) (types.IrrigationSummary, error)
	GetHistory(ctx context.Context, deviceID string, limit int) ([]types.IrrigationLog, error)
}

// CompleteFunc builds the log entry that closes the run started at startedAt.
type CompleteFunc func(startedAt time.Time) (types.IrrigationLog, error)

var ErrNoPendingStart = fmt.Errorf("no pending start recorded")

type irrigationRepository struct {
	db *gorm.DB
}

func NewIrrigationRepository(connect ConnectorFunc) (IrrigationRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Status{}, &Log{})
	if err != nil {
		return nil, err
	}

	return &irrigationRepository{
		db: impl,
	}, nil
}

func (r *irrigationRepository) Start(ctx context.Context, deviceID string, startedAt time.Time) error {
	startedAt = startedAt.UTC()

	status := Status{
		DeviceID:        deviceID,
		PendingStartAt:  &startedAt,
		LastIrrigatedAt: &startedAt,
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"pending_start_at", "last_irrigated_at", "updated_at"}),
	}).Create(&status).Error
}

// Stop closes the pending run of a device. The log entry and the cached summary are
// written in one transaction, and nothing is written when no run is pending.
func (r *irrigationRepository) Stop(ctx context.Context, deviceID string, complete CompleteFunc) (types.IrrigationLog, error) {
	var entry Log

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("device_id = ?", deviceID)
		if IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var status Status
		result := query.First(&status)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrNoPendingStart
			}
			return result.Error
		}

		if status.PendingStartAt == nil {
			return ErrNoPendingStart
		}

		completed, err := complete(*status.PendingStartAt)
		if err != nil {
			return err
		}

		entry = Log{
			DeviceID:        deviceID,
			TenantID:        completed.TenantID,
			StartedAt:       completed.StartedAt.UTC(),
			StoppedAt:       completed.StoppedAt.UTC(),
			DurationSeconds: completed.DurationSeconds,
			DurationMinutes: completed.DurationMinutes,
		}

		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		result = tx.Model(&Status{}).
			Where("device_id = ? AND pending_start_at IS NOT NULL", deviceID).
			Updates(map[string]any{
				"pending_start_at":      nil,
				"last_duration_seconds": entry.DurationSeconds,
				"updated_at":            time.Now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrNoPendingStart
		}

		return nil
	})

	if err != nil {
		return types.IrrigationLog{}, err
	}

	return entry.toType(), nil
}

func (r *irrigationRepository) GetSummary(ctx context.Context, deviceID string) (types.IrrigationSummary, error) {
	var status Status

	result := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Limit(1).Find(&status)
	if result.Error != nil {
		return types.IrrigationSummary{}, result.Error
	}

	return status.toType(), nil
}

func (r *irrigationRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]types.IrrigationLog, error) {
	if limit <= 0 {
		limit = 5
	}

	var logs []Log

	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("stopped_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(logs, func(l Log, _ int) types.IrrigationLog {
		return l.toType()
	}), nil
}
