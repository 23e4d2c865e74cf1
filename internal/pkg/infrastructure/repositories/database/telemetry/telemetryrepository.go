package telemetry

import (
	"context"

	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

//go:generate moq -rm -out telemetryrepository_mock.go . TelemetryRepository

type TelemetryRepository interface {
	AddReading(ctx context.Context, reading types.Reading) error
	AddAlerts(ctx context.Context, alerts []types.Alert) error
	GetReadings(ctx context.Context, deviceID string, limit int) ([]types.Reading, error)
	GetAlerts(ctx context.Context, tenantID string, limit int) ([]types.Alert, error)
}

type telemetryRepository struct {
	db *gorm.DB
}

func NewTelemetryRepository(connect ConnectorFunc) (TelemetryRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Reading{}, &Alert{})
	if err != nil {
		return nil, err
	}

	return &telemetryRepository{
		db: impl,
	}, nil
}

func (t *telemetryRepository) AddReading(ctx context.Context, reading types.Reading) error {
	return t.db.WithContext(ctx).Create(&Reading{
		DeviceID:    reading.DeviceID,
		TenantID:    reading.TenantID,
		Temperature: reading.Temperature,
		Humidity:    reading.Humidity,
		Moisture:    reading.Moisture,
		Irrigating:  reading.Irrigating,
		ObservedAt:  reading.Timestamp.UTC(),
	}).Error
}

func (t *telemetryRepository) AddAlerts(ctx context.Context, alerts []types.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	rows := lo.Map(alerts, func(a types.Alert, _ int) Alert {
		return Alert{
			TenantID:   a.TenantID,
			DeviceID:   a.DeviceID,
			Type:       a.Type,
			Message:    a.Message,
			Value:      a.Value,
			Threshold:  a.Threshold,
			Severity:   a.Severity,
			ObservedAt: a.Timestamp.UTC(),
		}
	})

	return t.db.WithContext(ctx).Create(&rows).Error
}

// GetReadings returns the most recent readings for a device, newest first.
func (t *telemetryRepository) GetReadings(ctx context.Context, deviceID string, limit int) ([]types.Reading, error) {
	var readings []Reading

	err := t.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("observed_at DESC, id DESC").
		Limit(limitOrDefault(limit)).
		Find(&readings).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(readings, func(r Reading, _ int) types.Reading {
		return r.toType()
	}), nil
}

// GetAlerts returns the most recent alerts for a tenant, newest first.
func (t *telemetryRepository) GetAlerts(ctx context.Context, tenantID string, limit int) ([]types.Alert, error) {
	var alerts []Alert

	err := t.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("observed_at DESC, id DESC").
		Limit(limitOrDefault(limit)).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(alerts, func(a Alert, _ int) types.Alert {
		return a.toType()
	}), nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
