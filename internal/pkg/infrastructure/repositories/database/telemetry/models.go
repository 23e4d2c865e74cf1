package telemetry

import (
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

type Reading struct {
	ID          uint   `gorm:"primarykey"`
	DeviceID    string `gorm:"index"`
	TenantID    string
	Temperature *float64
	Humidity    *float64
	Moisture    *float64
	Irrigating  bool
	ObservedAt  time.Time `gorm:"index"`
	CreatedAt   time.Time
}

type Alert struct {
	ID         uint   `gorm:"primarykey"`
	TenantID   string `gorm:"index"`
	DeviceID   string `gorm:"index"`
	Type       string
	Message    string
	Value      float64
	Threshold  float64
	Severity   string
	ObservedAt time.Time
	CreatedAt  time.Time
}

func (r Reading) toType() types.Reading {
	return types.Reading{
		DeviceID:    r.DeviceID,
		TenantID:    r.TenantID,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Moisture:    r.Moisture,
		Irrigating:  r.Irrigating,
		Timestamp:   r.ObservedAt,
	}
}

func (a Alert) toType() types.Alert {
	return types.Alert{
		TenantID:  a.TenantID,
		DeviceID:  a.DeviceID,
		Type:      a.Type,
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
		Severity:  a.Severity,
		Timestamp: a.ObservedAt,
	}
}
