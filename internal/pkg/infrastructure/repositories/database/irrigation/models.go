package irrigation

import (
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

// Status is the cached irrigation summary of a device. It is only written from device reported events.
type Status struct {
	DeviceID            string `gorm:"primarykey"`
	PendingStartAt      *time.Time
	LastIrrigatedAt     *time.Time
	LastDurationSeconds *int64
	UpdatedAt           time.Time
}

func (Status) TableName() string {
	return "device_irrigation_status"
}

type Log struct {
	ID              uint   `gorm:"primarykey"`
	DeviceID        string `gorm:"index"`
	TenantID        string `gorm:"index"`
	StartedAt       time.Time
	StoppedAt       time.Time `gorm:"index"`
	DurationSeconds int64
	DurationMinutes float64
	CreatedAt       time.Time
}

func (Log) TableName() string {
	return "irrigation_logs"
}

func (s Status) toType() types.IrrigationSummary {
	return types.IrrigationSummary{
		LastIrrigatedAt:     s.LastIrrigatedAt,
		LastDurationSeconds: s.LastDurationSeconds,
		Irrigating:          s.PendingStartAt != nil,
	}
}

func (l Log) toType() types.IrrigationLog {
	return types.IrrigationLog{
		DeviceID:        l.DeviceID,
		TenantID:        l.TenantID,
		StartedAt:       l.StartedAt,
		StoppedAt:       l.StoppedAt,
		DurationSeconds: l.DurationSeconds,
		DurationMinutes: l.DurationMinutes,
	}
}
