package types

import (
	"time"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusQRPending    ConnectionStatus = "qr_pending"
	StatusConnected    ConnectionStatus = "connected"
)

type Tenant struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	SessionRef           string           `json:"sessionRef,omitzero"`
	ConnectionStatus     ConnectionStatus `json:"connectionStatus"`
	AuthStorageRef       string           `json:"authStorageRef,omitzero"`
	LastConnectedAt      *time.Time       `json:"lastConnectedAt,omitempty"`
	LastDisconnectReason string           `json:"lastDisconnectReason,omitzero"`
}

type Thresholds struct {
	SoilMoistureMin *float64 `json:"soilMoistureMin,omitempty" yaml:"soilMoistureMin"`
	TemperatureMax  *float64 `json:"temperatureMax,omitempty" yaml:"temperatureMax"`
	HumidityMin     *float64 `json:"humidityMin,omitempty" yaml:"humidityMin"`
	HumidityMax     *float64 `json:"humidityMax,omitempty" yaml:"humidityMax"`
}

type Device struct {
	DeviceID   string     `json:"deviceID"`
	Name       string     `json:"name,omitzero"`
	Tenants    []string   `json:"tenants,omitzero"`
	Thresholds Thresholds `json:"thresholds"`

	Irrigation IrrigationSummary `json:"irrigation"`
}

type IrrigationSummary struct {
	LastIrrigatedAt     *time.Time `json:"lastIrrigatedAt,omitempty"`
	LastDurationSeconds *int64     `json:"lastDurationSeconds,omitempty"`
	Irrigating          bool       `json:"irrigating"`
}

type CommandStatus string

const (
	CommandPending  CommandStatus = "PENDING"
	CommandSent     CommandStatus = "SENT"
	CommandExecuted CommandStatus = "EXECUTED"
	CommandFailed   CommandStatus = "FAILED"
)

const (
	CommandStartIrrigation string = "START_IRRIGATION"
	CommandStopIrrigation  string = "STOP_IRRIGATION"
)

type Command struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"deviceID"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    CommandStatus  `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
}

// DeliveredCommand is the shape a polling device receives.
type DeliveredCommand struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Reading struct {
	DeviceID    string    `json:"deviceId"`
	TenantID    string    `json:"tenantId,omitzero"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Moisture    *float64  `json:"moisture,omitempty"`
	Irrigating  bool      `json:"irrigating,omitzero"`
	Timestamp   time.Time `json:"timestamp"`
}

type IngestResult struct {
	AcceptedCount int                `json:"acceptedCount"`
	Commands      []DeliveredCommand `json:"commands"`
}

const (
	AlertSoilMoistureLow = "soil_moisture_low"
	AlertTemperatureHigh = "temperature_high"
	AlertHumidityLow     = "humidity_low"
	AlertHumidityHigh    = "humidity_high"
)

const (
	SeverityWarning = "warning"
	SeverityNotice  = "notice"
)

type Alert struct {
	TenantID  string    `json:"tenantId,omitzero"`
	DeviceID  string    `json:"deviceId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type IrrigationEvent struct {
	DeviceID     string `json:"deviceId"`
	TenantID     string `json:"tenantId"`
	EpochSeconds int64  `json:"epochSeconds"`
}

type IrrigationResult struct {
	Status          string    `json:"status"`
	DeviceID        string    `json:"deviceId"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds *int64    `json:"durationSeconds,omitempty"`
	DurationMinutes *float64  `json:"durationMinutes,omitempty"`
}

type IrrigationLog struct {
	DeviceID        string    `json:"deviceId"`
	TenantID        string    `json:"tenantId"`
	StartedAt       time.Time `json:"startedAt"`
	StoppedAt       time.Time `json:"stoppedAt"`
	DurationSeconds int64     `json:"durationSeconds"`
	DurationMinutes float64   `json:"durationMinutes"`
}

type SessionInfo struct {
	TenantID string           `json:"tenantId"`
	Status   ConnectionStatus `json:"status"`
	QR       string           `json:"qr,omitzero"`
}
