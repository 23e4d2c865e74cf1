package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/farms"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/telemetry"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/timeseries"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-farm-bridge/ingestion")

var ErrInvalidReading = fmt.Errorf("%w: invalid reading", types.ErrValidation)

//go:generate moq -rm -out gateway_mock.go . Gateway

// Gateway accepts telemetry from polling devices and hands back the commands queued for them.
type Gateway interface {
	Ingest(ctx context.Context, readings []types.Reading) (types.IngestResult, error)
	Readings(ctx context.Context, deviceID string, limit int) ([]types.Reading, error)
	Alerts(ctx context.Context, tenantID string, limit int) ([]types.Alert, error)
}

type DeviceLookup interface {
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
}

type Drainer interface {
	Drain(ctx context.Context, deviceID string) ([]types.Command, error)
}

type Notifier interface {
	Publish(ctx context.Context, evt types.Event)
}

type gateway struct {
	telemetry telemetry.TelemetryRepository
	devices   DeviceLookup
	queue     Drainer
	writer    timeseries.Writer
	notifier  Notifier
	limits    Limits
	now       func() time.Time
}

type Option func(*gateway)

func WithNotifier(n Notifier) Option {
	return func(g *gateway) {
		g.notifier = n
	}
}

func WithTimeSeries(w timeseries.Writer) Option {
	return func(g *gateway) {
		g.writer = w
	}
}

// WithThresholds overrides the built in defaults for every device. Per device thresholds
// still take precedence.
func WithThresholds(t types.Thresholds) Option {
	return func(g *gateway) {
		g.limits = DefaultLimits().Override(t)
	}
}

func New(repo telemetry.TelemetryRepository, devices DeviceLookup, queue Drainer, opts ...Option) Gateway {
	g := &gateway{
		telemetry: repo,
		devices:   devices,
		queue:     queue,
		writer:    timeseries.NewNoopWriter(),
		limits:    DefaultLimits(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Ingest processes the readings in order. A reading that fails validation or cannot be persisted
// is skipped without affecting the rest of the batch.
func (g *gateway) Ingest(ctx context.Context, readings []types.Reading) (result types.IngestResult, err error) {
	ctx, span := tracer.Start(ctx, "ingest")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result = types.IngestResult{Commands: []types.DeliveredCommand{}}

	for _, reading := range readings {
		delivered, ok := g.ingestOne(ctx, reading)
		if ok {
			result.AcceptedCount++
		}
		result.Commands = append(result.Commands, delivered...)
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().
		Int("count", len(readings)).
		Int("accepted", result.AcceptedCount).
		Int("commands", len(result.Commands)).
		Msg("sensor batch ingested")

	return result, nil
}

func (g *gateway) ingestOne(ctx context.Context, reading types.Reading) ([]types.DeliveredCommand, bool) {
	log := logging.GetLoggerFromContext(ctx)

	if err := validate(reading); err != nil {
		metrics.ReadingsRejected.WithLabelValues("invalid").Inc()
		log.Warn().Err(err).Msg("reading rejected")
		return nil, false
	}

	ctx, log = logging.WithDevice(ctx, reading.DeviceID)

	if reading.Timestamp.IsZero() {
		reading.Timestamp = g.now().UTC()
	}

	limits := g.limits
	device, err := g.devices.GetDevice(ctx, reading.DeviceID)
	if err != nil {
		if !errors.Is(err, farms.ErrDeviceNotFound) {
			log.Error().Err(err).Msg("failed to look up device, using default thresholds")
		}
	} else {
		limits = limits.Override(device.Thresholds)
		if reading.TenantID == "" && len(device.Tenants) > 0 {
			reading.TenantID = device.Tenants[0]
		}
	}

	if err := g.telemetry.AddReading(ctx, reading); err != nil {
		metrics.ReadingsRejected.WithLabelValues("persist").Inc()
		log.Error().Err(err).Msg("failed to persist reading")
		return nil, false
	}

	metrics.ReadingsIngested.Inc()
	log.Debug().Str("tenant", reading.TenantID).Msg("reading persisted")

	if err := g.writer.WriteReading(ctx, reading); err != nil {
		log.Error().Err(err).Msg("failed to write reading to time series store")
	}

	g.raiseAlerts(ctx, log, Evaluate(reading, limits, reading.Timestamp))

	cmds, err := g.queue.Drain(ctx, reading.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("failed to drain pending commands")
		return nil, true
	}

	return lo.Map(cmds, func(c types.Command, _ int) types.DeliveredCommand {
		return types.DeliveredCommand{ID: c.ID, Type: c.Type, Payload: c.Payload}
	}), true
}

func (g *gateway) raiseAlerts(ctx context.Context, log zerolog.Logger, alerts []types.Alert) {
	if len(alerts) == 0 {
		return
	}

	if err := g.telemetry.AddAlerts(ctx, alerts); err != nil {
		log.Error().Err(err).Int("count", len(alerts)).Msg("failed to persist alerts")
		return
	}

	for _, alert := range alerts {
		metrics.AlertsRaised.WithLabelValues(alert.Type).Inc()
		log.Info().Str("tenant", alert.TenantID).Str("type", alert.Type).Msg("alert recorded")

		if err := g.writer.WriteAlert(ctx, alert); err != nil {
			log.Error().Err(err).Msg("failed to write alert to time series store")
		}

		if g.notifier != nil {
			g.notifier.Publish(ctx, &types.AlertRaised{Alert: alert, Timestamp: g.now().UTC()})
		}
	}
}

func validate(reading types.Reading) error {
	if strings.TrimSpace(reading.DeviceID) == "" {
		return fmt.Errorf("%w: deviceId is required", ErrInvalidReading)
	}

	for name, v := range map[string]*float64{
		"temperature": reading.Temperature,
		"humidity":    reading.Humidity,
		"moisture":    reading.Moisture,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidReading, name)
		}
	}

	return nil
}

func (g *gateway) Readings(ctx context.Context, deviceID string, limit int) ([]types.Reading, error) {
	return g.telemetry.GetReadings(ctx, deviceID, limit)
}

func (g *gateway) Alerts(ctx context.Context, tenantID string, limit int) ([]types.Alert, error) {
	return g.telemetry.GetAlerts(ctx, tenantID, limit)
}
