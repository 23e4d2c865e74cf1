package farms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

//go:generate moq -rm -out farmrepository_mock.go . FarmRepository

type FarmRepository interface {
	GetTenant(ctx context.Context, tenantID string) (types.Tenant, error)
	GetTenants(ctx context.Context) ([]types.Tenant, error)
	SaveTenant(ctx context.Context, tenant types.Tenant) error

	StartSession(ctx context.Context, tenantID, sessionRef, authStorageRef string) error
	ResetSession(ctx context.Context, tenantID string, status types.ConnectionStatus, reason string) error
	SetConnectionStatus(ctx context.Context, tenantID string, status types.ConnectionStatus) error
	MarkConnected(ctx context.Context, tenantID string, at time.Time) error

	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
	GetDevicesForTenant(ctx context.Context, tenantID string) ([]types.Device, error)
	SaveDevice(ctx context.Context, device types.Device) error
	LinkDevice(ctx context.Context, tenantID, deviceID string) error

	Seed(ctx context.Context, r io.Reader) error
}

var ErrTenantNotFound = fmt.Errorf("tenant not found")
var ErrDeviceNotFound = fmt.Errorf("device not found")

type farmRepository struct {
	db *gorm.DB
}

func NewFarmRepository(connect ConnectorFunc) (FarmRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Tenant{}, &Device{})
	if err != nil {
		return nil, err
	}

	return &farmRepository{
		db: impl,
	}, nil
}

func (f *farmRepository) getTenant(ctx context.Context, tenantID string) (Tenant, error) {
	var tenant Tenant

	if tenantID == "" {
		return Tenant{}, fmt.Errorf("%w: empty tenant id", ErrTenantNotFound)
	}

	result := f.db.WithContext(ctx).Where(&Tenant{TenantID: tenantID}).First(&tenant)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Tenant{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return Tenant{}, result.Error
	}

	return tenant, nil
}

func (f *farmRepository) GetTenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	tenant, err := f.getTenant(ctx, tenantID)
	if err != nil {
		return types.Tenant{}, err
	}
	return tenant.toType(), nil
}

func (f *farmRepository) GetTenants(ctx context.Context) ([]types.Tenant, error) {
	var tenants []Tenant

	err := f.db.WithContext(ctx).Order("tenant_id").Find(&tenants).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(tenants, func(t Tenant, _ int) types.Tenant {
		return t.toType()
	}), nil
}

func (f *farmRepository) SaveTenant(ctx context.Context, tenant types.Tenant) error {
	existing, err := f.getTenant(ctx, tenant.ID)
	if err != nil && !errors.Is(err, ErrTenantNotFound) {
		return err
	}

	existing.TenantID = tenant.ID
	existing.Name = tenant.Name

	return f.db.WithContext(ctx).Save(&existing).Error
}

func (f *farmRepository) updateTenant(ctx context.Context, tenantID string, values map[string]any) error {
	result := f.db.WithContext(ctx).
		Model(&Tenant{}).
		Where("tenant_id = ?", tenantID).
		Updates(values)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	return nil
}

func (f *farmRepository) StartSession(ctx context.Context, tenantID, sessionRef, authStorageRef string) error {
	return f.updateTenant(ctx, tenantID, map[string]any{
		"session_ref":       sessionRef,
		"auth_storage_ref":  authStorageRef,
		"connection_status": string(types.StatusConnecting),
	})
}

func (f *farmRepository) ResetSession(ctx context.Context, tenantID string, status types.ConnectionStatus, reason string) error {
	log := logging.GetLoggerFromContext(ctx)
	log.Debug().Str("tenant", tenantID).Msgf("clearing session reference (%s)", reason)

	return f.updateTenant(ctx, tenantID, map[string]any{
		"session_ref":            nil,
		"connection_status":      string(status),
		"last_disconnect_reason": reason,
	})
}

func (f *farmRepository) SetConnectionStatus(ctx context.Context, tenantID string, status types.ConnectionStatus) error {
	return f.updateTenant(ctx, tenantID, map[string]any{
		"connection_status": string(status),
	})
}

func (f *farmRepository) MarkConnected(ctx context.Context, tenantID string, at time.Time) error {
	return f.updateTenant(ctx, tenantID, map[string]any{
		"connection_status": string(types.StatusConnected),
		"last_connected_at": at.UTC(),
	})
}

func (f *farmRepository) getDevice(ctx context.Context, deviceID string) (Device, error) {
	var device Device

	if deviceID == "" {
		return Device{}, fmt.Errorf("%w: empty device id", ErrDeviceNotFound)
	}

	result := f.db.WithContext(ctx).
		Preload("Tenants").
		Where(&Device{DeviceID: deviceID}).
		First(&device)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return Device{}, result.Error
	}

	return device, nil
}

func (f *farmRepository) GetDevice(ctx context.Context, deviceID string) (types.Device, error) {
	device, err := f.getDevice(ctx, deviceID)
	if err != nil {
		return types.Device{}, err
	}
	return device.toType(), nil
}

func (f *farmRepository) GetDevicesForTenant(ctx context.Context, tenantID string) ([]types.Device, error) {
	tenant, err := f.getTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var devices []Device
	err = f.db.WithContext(ctx).
		Preload("Tenants").
		Joins("JOIN tenant_devices ON tenant_devices.device_id = devices.id").
		Where("tenant_devices.tenant_id = ?", tenant.ID).
		Order("devices.device_id").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}

	return lo.Map(devices, func(d Device, _ int) types.Device {
		return d.toType()
	}), nil
}

func (f *farmRepository) SaveDevice(ctx context.Context, device types.Device) error {
	existing, err := f.getDevice(ctx, device.DeviceID)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return err
	}

	existing.DeviceID = device.DeviceID
	existing.Name = device.Name
	existing.SoilMoistureMin = device.Thresholds.SoilMoistureMin
	existing.TemperatureMax = device.Thresholds.TemperatureMax
	existing.HumidityMin = device.Thresholds.HumidityMin
	existing.HumidityMax = device.Thresholds.HumidityMax

	return f.db.WithContext(ctx).Omit("Tenants").Save(&existing).Error
}

// LinkDevice adds the tenant/device relation. Linking an already linked pair is a no-op.
func (f *farmRepository) LinkDevice(ctx context.Context, tenantID, deviceID string) error {
	tenant, err := f.getTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	device, err := f.getDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	if lo.ContainsBy(device.Tenants, func(t Tenant) bool { return t.ID == tenant.ID }) {
		return nil
	}

	return f.db.WithContext(ctx).Model(&tenant).Association("Devices").Append(&device)
}
