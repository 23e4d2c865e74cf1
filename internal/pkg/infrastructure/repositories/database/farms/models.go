package farms

import (
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
	"gorm.io/gorm"
)

type Tenant struct {
	gorm.Model

	TenantID             string `gorm:"uniqueIndex"`
	Name                 string
	SessionRef           *string
	ConnectionStatus     string `gorm:"default:disconnected"`
	AuthStorageRef       string
	LastConnectedAt      *time.Time
	LastDisconnectReason string

	Devices []Device `gorm:"many2many:tenant_devices;"`
}

type Device struct {
	gorm.Model

	DeviceID string `gorm:"uniqueIndex"`
	Name     string

	SoilMoistureMin *float64
	TemperatureMax  *float64
	HumidityMin     *float64
	HumidityMax     *float64

	Tenants []Tenant `gorm:"many2many:tenant_devices;"`
}

func (t Tenant) toType() types.Tenant {
	tenant := types.Tenant{
		ID:                   t.TenantID,
		Name:                 t.Name,
		ConnectionStatus:     types.ConnectionStatus(t.ConnectionStatus),
		AuthStorageRef:       t.AuthStorageRef,
		LastConnectedAt:      t.LastConnectedAt,
		LastDisconnectReason: t.LastDisconnectReason,
	}

	if t.SessionRef != nil {
		tenant.SessionRef = *t.SessionRef
	}

	if tenant.ConnectionStatus == "" {
		tenant.ConnectionStatus = types.StatusDisconnected
	}

	return tenant
}

func (d Device) toType() types.Device {
	device := types.Device{
		DeviceID: d.DeviceID,
		Name:     d.Name,
		Thresholds: types.Thresholds{
			SoilMoistureMin: d.SoilMoistureMin,
			TemperatureMax:  d.TemperatureMax,
			HumidityMin:     d.HumidityMin,
			HumidityMax:     d.HumidityMax,
		},
	}

	for _, t := range d.Tenants {
		device.Tenants = append(device.Tenants, t.TenantID)
	}

	return device
}
