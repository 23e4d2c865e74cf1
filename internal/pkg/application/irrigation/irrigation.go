package irrigation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/irrigation"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/timeseries"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-farm-bridge/irrigation")

var ErrInvalidEvent = fmt.Errorf("%w: invalid irrigation event", types.ErrValidation)
var ErrNoMatchingStart = fmt.Errorf("no matching START event found")

// MinDurationMinutes is reported for runs that were stopped immediately after they started.
const MinDurationMinutes float64 = 0.1

//go:generate moq -rm -out ledger_mock.go . Ledger

// Ledger records start and stop events confirmed by devices.
type Ledger interface {
	RecordStart(ctx context.Context, evt types.IrrigationEvent) (types.IrrigationResult, error)
	RecordStop(ctx context.Context, evt types.IrrigationEvent) (types.IrrigationResult, error)
	History(ctx context.Context, deviceID string, limit int) ([]types.IrrigationLog, error)
	Summary(ctx context.Context, deviceID string) (types.IrrigationSummary, error)
}

type ledger struct {
	repo   irrigation.IrrigationRepository
	writer timeseries.Writer
}

func New(repo irrigation.IrrigationRepository, writer timeseries.Writer) Ledger {
	if writer == nil {
		writer = timeseries.NewNoopWriter()
	}

	return &ledger{repo: repo, writer: writer}
}

func validate(evt types.IrrigationEvent) error {
	if strings.TrimSpace(evt.DeviceID) == "" {
		return fmt.Errorf("%w: deviceId is required", ErrInvalidEvent)
	}
	if evt.EpochSeconds <= 0 {
		return fmt.Errorf("%w: epochSeconds must be a positive unix timestamp", ErrInvalidEvent)
	}
	return nil
}

func (l *ledger) RecordStart(ctx context.Context, evt types.IrrigationEvent) (result types.IrrigationResult, err error) {
	ctx, span := tracer.Start(ctx, "record-start")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = validate(evt); err != nil {
		return types.IrrigationResult{}, err
	}

	ctx, log := logging.WithDevice(ctx, evt.DeviceID)
	startedAt := time.Unix(evt.EpochSeconds, 0).UTC()

	if err = l.repo.Start(ctx, evt.DeviceID, startedAt); err != nil {
		log.Error().Err(err).Msg("failed to record irrigation start")
		return types.IrrigationResult{}, err
	}

	log.Info().Str("tenant", evt.TenantID).Time("started_at", startedAt).Msg("irrigation start recorded")

	return types.IrrigationResult{
		Status:    "success",
		DeviceID:  evt.DeviceID,
		Timestamp: startedAt,
	}, nil
}

func (l *ledger) RecordStop(ctx context.Context, evt types.IrrigationEvent) (result types.IrrigationResult, err error) {
	ctx, span := tracer.Start(ctx, "record-stop")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = validate(evt); err != nil {
		return types.IrrigationResult{}, err
	}

	ctx, log := logging.WithDevice(ctx, evt.DeviceID)
	stoppedAt := time.Unix(evt.EpochSeconds, 0).UTC()

	entry, err := l.repo.Stop(ctx, evt.DeviceID, func(startedAt time.Time) (types.IrrigationLog, error) {
		seconds, minutes := Duration(startedAt, stoppedAt)
		return types.IrrigationLog{
			DeviceID:        evt.DeviceID,
			TenantID:        evt.TenantID,
			StartedAt:       startedAt,
			StoppedAt:       stoppedAt,
			DurationSeconds: seconds,
			DurationMinutes: minutes,
		}, nil
	})
	if err != nil {
		if errors.Is(err, irrigation.ErrNoPendingStart) {
			log.Warn().Str("tenant", evt.TenantID).Msg("irrigation stop without a matching start")
			return types.IrrigationResult{}, ErrNoMatchingStart
		}
		log.Error().Err(err).Msg("failed to record irrigation stop")
		return types.IrrigationResult{}, err
	}

	if werr := l.writer.WriteIrrigation(ctx, entry); werr != nil {
		log.Error().Err(werr).Msg("failed to write irrigation log to time series store")
	}

	log.Info().Str("tenant", evt.TenantID).Int64("duration_seconds", entry.DurationSeconds).Msg("irrigation stop recorded")

	return types.IrrigationResult{
		Status:          "success",
		DeviceID:        evt.DeviceID,
		Timestamp:       stoppedAt,
		DurationSeconds: &entry.DurationSeconds,
		DurationMinutes: &entry.DurationMinutes,
	}, nil
}

// Duration returns the whole seconds between start and stop and the elapsed minutes, never
// less than MinDurationMinutes. A stop that predates its start counts as zero seconds.
func Duration(startedAt, stoppedAt time.Time) (int64, float64) {
	seconds := int64(math.Floor(stoppedAt.Sub(startedAt).Seconds()))
	if seconds < 0 {
		seconds = 0
	}

	return seconds, math.Max(float64(seconds)/60, MinDurationMinutes)
}

func (l *ledger) History(ctx context.Context, deviceID string, limit int) ([]types.IrrigationLog, error) {
	return l.repo.GetHistory(ctx, deviceID, limit)
}

func (l *ledger) Summary(ctx context.Context, deviceID string) (types.IrrigationSummary, error) {
	return l.repo.GetSummary(ctx, deviceID)
}
