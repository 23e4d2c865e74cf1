package ingestion

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/commandqueue"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/farms"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/telemetry"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/timeseries"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/matryer/is"
)

const seedData string = `tenantID;tenantName;deviceID;deviceName;soilMoistureMin;temperatureMax;humidityMin;humidityMax
farm-a;Farm A;pump-01;North field;;;;
farm-b;Farm B;pump-02;Greenhouse;15;;;
`

func TestLowSoilMoistureRecordsExactlyOneAlert(t *testing.T) {
	is, ctx, env := testSetup(t)

	result, err := env.gateway.Ingest(ctx, []types.Reading{{DeviceID: "pump-01", Moisture: ptr(20)}})
	is.NoErr(err)
	is.Equal(1, result.AcceptedCount)

	alerts, err := env.gateway.Alerts(ctx, "farm-a", 0)
	is.NoErr(err)
	is.Equal(1, len(alerts))
	is.Equal(types.AlertSoilMoistureLow, alerts[0].Type)
	is.Equal("pump-01", alerts[0].DeviceID)

	is.Equal(1, len(env.writer.alerts))
	is.Equal(1, len(env.notifier.events))
	is.Equal("farm-a", env.notifier.events[0].Tenant())
}

func TestDeviceThresholdsAreApplied(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.gateway.Ingest(ctx, []types.Reading{{DeviceID: "pump-02", Moisture: ptr(20)}})
	is.NoErr(err)

	alerts, err := env.gateway.Alerts(ctx, "farm-b", 0)
	is.NoErr(err)
	is.Equal(0, len(alerts))
}

func TestPollDeliversQueuedCommandOnce(t *testing.T) {
	is, ctx, env := testSetup(t)

	cmd, err := env.queue.Start(ctx, "pump-01", 90)
	is.NoErr(err)

	result, err := env.gateway.Ingest(ctx, []types.Reading{{DeviceID: "pump-01", Moisture: ptr(50)}})
	is.NoErr(err)
	is.Equal(1, len(result.Commands))
	is.Equal(cmd.ID, result.Commands[0].ID)
	is.Equal(types.CommandStartIrrigation, result.Commands[0].Type)

	sent, err := env.commands.Get(ctx, cmd.ID)
	is.NoErr(err)
	is.Equal(types.CommandSent, sent.Status)

	result, err = env.gateway.Ingest(ctx, []types.Reading{{DeviceID: "pump-01", Moisture: ptr(50)}})
	is.NoErr(err)
	is.True(result.Commands != nil)
	is.Equal(0, len(result.Commands))
}

func TestBadReadingDoesNotAbortTheBatch(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.queue.Stop(ctx, "pump-01")
	is.NoErr(err)

	nan := math.NaN()
	result, err := env.gateway.Ingest(ctx, []types.Reading{
		{DeviceID: "", Moisture: ptr(20)},
		{DeviceID: "pump-01", Temperature: &nan},
		{DeviceID: "pump-01", Temperature: ptr(21)},
	})
	is.NoErr(err)
	is.Equal(1, result.AcceptedCount)
	is.Equal(1, len(result.Commands))

	readings, err := env.gateway.Readings(ctx, "pump-01", 0)
	is.NoErr(err)
	is.Equal(1, len(readings))
	is.Equal("farm-a", readings[0].TenantID)
}

func TestTimeSeriesFailureDoesNotRejectReading(t *testing.T) {
	is, ctx, env := testSetup(t)

	env.writer.err = errors.New("influx unavailable")

	result, err := env.gateway.Ingest(ctx, []types.Reading{{DeviceID: "pump-01", Moisture: ptr(10)}})
	is.NoErr(err)
	is.Equal(1, result.AcceptedCount)

	alerts, err := env.gateway.Alerts(ctx, "farm-a", 0)
	is.NoErr(err)
	is.Equal(1, len(alerts))
}

func TestUnknownDeviceUsesDefaultThresholds(t *testing.T) {
	is, ctx, env := testSetup(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	result, err := env.gateway.Ingest(ctx, []types.Reading{{DeviceID: "stray", TenantID: "farm-c", Temperature: ptr(45), Timestamp: ts}})
	is.NoErr(err)
	is.Equal(1, result.AcceptedCount)

	alerts, err := env.gateway.Alerts(ctx, "farm-c", 0)
	is.NoErr(err)
	is.Equal(1, len(alerts))
	is.Equal(types.AlertTemperatureHigh, alerts[0].Type)
	is.True(alerts[0].Timestamp.Equal(ts))
}

type writerFake struct {
	timeseries.Writer
	mu     sync.Mutex
	err    error
	alerts []types.Alert
}

func (w *writerFake) WriteReading(ctx context.Context, r types.Reading) error {
	return w.err
}

func (w *writerFake) WriteAlert(ctx context.Context, a types.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.alerts = append(w.alerts, a)
	return nil
}

type notifierFake struct {
	mu     sync.Mutex
	events []types.Event
}

func (n *notifierFake) Publish(ctx context.Context, evt types.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := evt.(*types.AlertRaised); ok {
		n.events = append(n.events, evt)
	}
}

type testEnv struct {
	gateway  Gateway
	queue    commandqueue.CommandQueue
	commands commands.CommandRepository
	writer   *writerFake
	notifier *notifierFake
}

func testSetup(t *testing.T) (*is.I, context.Context, testEnv) {
	is := is.New(t)
	ctx := context.Background()

	connect := database.NewSQLiteConnector(ctx)

	farmRepo, err := farms.NewFarmRepository(connect)
	is.NoErr(err)
	is.NoErr(farmRepo.Seed(ctx, bytes.NewBufferString(seedData)))

	telemetryRepo, err := telemetry.NewTelemetryRepository(connect)
	is.NoErr(err)

	commandRepo, err := commands.NewCommandRepository(connect)
	is.NoErr(err)

	env := testEnv{
		commands: commandRepo,
		writer:   &writerFake{Writer: timeseries.NewNoopWriter()},
		notifier: &notifierFake{},
	}

	env.queue = commandqueue.New(commandRepo, farmRepo, nil)
	env.gateway = New(telemetryRepo, farmRepo, env.queue, WithNotifier(env.notifier), WithTimeSeries(env.writer))

	return is, ctx, env
}
