package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-farm-bridge/commandqueue")

var ErrInvalidCommand = fmt.Errorf("%w: invalid command", types.ErrValidation)
var ErrCommandNotFound = commands.ErrCommandNotFound
var ErrCommandState = commands.ErrCommandState

const DefaultDurationSeconds int = 60

//go:generate moq -rm -out commandqueue_mock.go . CommandQueue

// CommandQueue is the durable per device FIFO of actuation commands. A command is
// delivered to the device when it polls and is never delivered twice.
type CommandQueue interface {
	Enqueue(ctx context.Context, deviceID, commandType string, payload map[string]any) (types.Command, error)
	Drain(ctx context.Context, deviceID string) ([]types.Command, error)

	Start(ctx context.Context, deviceID string, durationSeconds int) (types.Command, error)
	Stop(ctx context.Context, deviceID string) (types.Command, error)

	Acknowledge(ctx context.Context, deviceID, commandID string, executed bool, reason string) (types.Command, error)
	Pending(ctx context.Context, deviceID string) ([]types.Command, error)
}

// DeviceLookup resolves the tenants a device belongs to so that enqueue events can be routed.
type DeviceLookup interface {
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
}

type Notifier interface {
	Publish(ctx context.Context, evt types.Event)
}

type queue struct {
	repo     commands.CommandRepository
	devices  DeviceLookup
	notifier Notifier
}

func New(repo commands.CommandRepository, devices DeviceLookup, notifier Notifier) CommandQueue {
	return &queue{
		repo:     repo,
		devices:  devices,
		notifier: notifier,
	}
}

var knownTypes = []string{types.CommandStartIrrigation, types.CommandStopIrrigation}

func (q *queue) Enqueue(ctx context.Context, deviceID, commandType string, payload map[string]any) (cmd types.Command, err error) {
	ctx, span := tracer.Start(ctx, "enqueue")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return types.Command{}, fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	}

	commandType = strings.ToUpper(strings.TrimSpace(commandType))
	if !lo.Contains(knownTypes, commandType) {
		return types.Command{}, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, commandType)
	}

	ctx, log := logging.WithDevice(ctx, deviceID)

	cmd, err = q.repo.Add(ctx, deviceID, commandType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", commandType).Msg("failed to enqueue command")
		return types.Command{}, err
	}

	metrics.CommandsEnqueued.WithLabelValues(commandType).Inc()
	log.Info().Str("command_id", cmd.ID).Str("type", commandType).Msg("command enqueued")

	if q.notifier != nil {
		q.notifier.Publish(ctx, &types.CommandEnqueued{
			TenantID:  q.tenantOf(ctx, deviceID),
			Command:   cmd,
			Timestamp: time.Now().UTC(),
		})
	}

	return cmd, nil
}

func (q *queue) tenantOf(ctx context.Context, deviceID string) string {
	if q.devices == nil {
		return ""
	}

	device, err := q.devices.GetDevice(ctx, deviceID)
	if err != nil || len(device.Tenants) == 0 {
		return ""
	}

	return device.Tenants[0]
}

func (q *queue) Drain(ctx context.Context, deviceID string) (cmds []types.Command, err error) {
	ctx, span := tracer.Start(ctx, "drain")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if strings.TrimSpace(deviceID) == "" {
		return []types.Command{}, nil
	}

	cmds, err = q.repo.Drain(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if len(cmds) > 0 {
		metrics.CommandsDelivered.Add(float64(len(cmds)))
		log := logging.GetLoggerFromContext(ctx)
		log.Debug().Str("device_id", deviceID).Int("count", len(cmds)).Msg("commands delivered")
	}

	return cmds, nil
}

// Start enqueues a start command. The cached irrigation summary of the device is not touched,
// it only changes when the device reports the start itself.
func (q *queue) Start(ctx context.Context, deviceID string, durationSeconds int) (types.Command, error) {
	if durationSeconds < 0 {
		return types.Command{}, fmt.Errorf("%w: duration must not be negative", ErrInvalidCommand)
	}
	if durationSeconds == 0 {
		durationSeconds = DefaultDurationSeconds
	}

	return q.Enqueue(ctx, deviceID, types.CommandStartIrrigation, map[string]any{
		"durationSeconds": durationSeconds,
	})
}

func (q *queue) Stop(ctx context.Context, deviceID string) (types.Command, error) {
	return q.Enqueue(ctx, deviceID, types.CommandStopIrrigation, nil)
}

func (q *queue) Acknowledge(ctx context.Context, deviceID, commandID string, executed bool, reason string) (cmd types.Command, err error) {
	ctx, span := tracer.Start(ctx, "acknowledge")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(commandID) == "" {
		return types.Command{}, fmt.Errorf("%w: device id and command id are required", ErrInvalidCommand)
	}

	outcome := types.CommandExecuted
	if !executed {
		outcome = types.CommandFailed
	}

	ctx, log := logging.WithDevice(ctx, deviceID)

	cmd, err = q.repo.Acknowledge(ctx, deviceID, commandID, outcome, reason)
	if err != nil {
		if !errors.Is(err, ErrCommandNotFound) && !errors.Is(err, ErrCommandState) {
			log.Error().Err(err).Str("command_id", commandID).Msg("failed to acknowledge command")
		}
		return types.Command{}, err
	}

	metrics.CommandAcks.WithLabelValues(string(outcome)).Inc()
	log.Info().Str("command_id", commandID).Str("outcome", string(outcome)).Msg("command acknowledged")

	return cmd, nil
}

func (q *queue) Pending(ctx context.Context, deviceID string) ([]types.Command, error) {
	return q.repo.List(ctx, deviceID, types.CommandPending)
}
