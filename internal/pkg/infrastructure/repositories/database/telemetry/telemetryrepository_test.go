package telemetry

import (
	"context"
	"testing"
	"time"

	. "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/matryer/is"
)

func TestReadingsAreReturnedNewestFirst(t *testing.T) {
	is, ctx, r := testSetupTelemetryRepository(t)

	moisture := 20.0
	now := time.Now().UTC().Truncate(time.Second)

	is.NoErr(r.AddReading(ctx, types.Reading{DeviceID: "pump-01", Moisture: &moisture, Timestamp: now.Add(-time.Minute)}))
	is.NoErr(r.AddReading(ctx, types.Reading{DeviceID: "pump-01", Timestamp: now}))
	is.NoErr(r.AddReading(ctx, types.Reading{DeviceID: "pump-02", Timestamp: now}))

	readings, err := r.GetReadings(ctx, "pump-01", 10)
	is.NoErr(err)
	is.Equal(2, len(readings))
	is.True(readings[0].Moisture == nil)
	is.Equal(20.0, *readings[1].Moisture)
}

func TestAlertsAreStoredPerTenant(t *testing.T) {
	is, ctx, r := testSetupTelemetryRepository(t)

	err := r.AddAlerts(ctx, []types.Alert{
		{TenantID: "farm-a", DeviceID: "pump-01", Type: types.AlertSoilMoistureLow, Value: 20, Threshold: 32, Severity: types.SeverityWarning, Timestamp: time.Now()},
		{TenantID: "farm-b", DeviceID: "pump-02", Type: types.AlertHumidityHigh, Value: 90, Threshold: 85, Severity: types.SeverityNotice, Timestamp: time.Now()},
	})
	is.NoErr(err)

	is.NoErr(r.AddAlerts(ctx, nil))

	alerts, err := r.GetAlerts(ctx, "farm-a", 0)
	is.NoErr(err)
	is.Equal(1, len(alerts))
	is.Equal(types.AlertSoilMoistureLow, alerts[0].Type)
}

func testSetupTelemetryRepository(t *testing.T) (*is.I, context.Context, TelemetryRepository) {
	is := is.New(t)
	ctx := context.Background()

	r, err := NewTelemetryRepository(NewSQLiteConnector(ctx))
	is.NoErr(err)

	return is, ctx, r
}
