package agent

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/commandqueue"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/irrigation"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-farm-bridge/agent")

var ErrUnknownTool = fmt.Errorf("unknown tool")
var ErrInvalidArguments = fmt.Errorf("%w: invalid tool arguments", types.ErrValidation)

const (
	ToolStartIrrigation string = "start_irrigation"
	ToolStopIrrigation  string = "stop_irrigation"
	ToolGetPumpStatus   string = "get_pump_status"
)

// ToolDefinition describes a tool in the function calling format understood by the agent.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func deviceParameters(extra map[string]any, required ...string) map[string]any {
	properties := map[string]any{
		"deviceId": map[string]any{"type": "string", "description": "Id of the irrigation device"},
	}
	for k, v := range extra {
		properties[k] = v
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   append([]string{"deviceId"}, required...),
	}
}

var definitions = []ToolDefinition{
	{
		Name:        ToolStartIrrigation,
		Description: "Queue a command that turns on the pump of a device. The device picks it up the next time it reports.",
		Parameters: deviceParameters(map[string]any{
			"durationSeconds": map[string]any{"type": "integer", "description": "How long the pump should run"},
		}),
	},
	{
		Name:        ToolStopIrrigation,
		Description: "Queue a command that turns off the pump of a device.",
		Parameters:  deviceParameters(nil),
	},
	{
		Name:        ToolGetPumpStatus,
		Description: "Get the confirmed irrigation state of a device and the commands it has not picked up yet.",
		Parameters:  deviceParameters(nil),
	},
}

// CommandResult is returned by the actuation tools. Queued means durably stored, not executed.
type CommandResult struct {
	Status    string `json:"status"`
	CommandID string `json:"commandId"`
	DeviceID  string `json:"deviceId"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

type PumpStatus struct {
	DeviceID        string                  `json:"deviceId"`
	Irrigation      types.IrrigationSummary `json:"irrigation"`
	PendingCommands []types.Command         `json:"pendingCommands"`
}

//go:generate moq -rm -out toolbox_mock.go . Toolbox

type Toolbox interface {
	Definitions() []ToolDefinition
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)

	StartIrrigation(ctx context.Context, deviceID string, durationSeconds int) (CommandResult, error)
	StopIrrigation(ctx context.Context, deviceID string) (CommandResult, error)
	GetPumpStatus(ctx context.Context, deviceID string) (PumpStatus, error)
}

type toolbox struct {
	queue  commandqueue.CommandQueue
	ledger irrigation.Ledger
}

func NewToolbox(queue commandqueue.CommandQueue, ledger irrigation.Ledger) Toolbox {
	return &toolbox{queue: queue, ledger: ledger}
}

func (t *toolbox) Definitions() []ToolDefinition {
	return definitions
}

func (t *toolbox) Invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	ctx, span := tracer.Start(ctx, "invoke-"+name)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if _, ok := lo.Find(definitions, func(d ToolDefinition) bool { return d.Name == name }); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	deviceID, _ := args["deviceId"].(string)
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("%w: deviceId is required", ErrInvalidArguments)
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("tool", name).Str("device_id", deviceID).Msg("tool invoked")

	switch name {
	case ToolStartIrrigation:
		duration, err := intArgument(args, "durationSeconds")
		if err != nil {
			return nil, err
		}
		return t.StartIrrigation(ctx, deviceID, duration)
	case ToolStopIrrigation:
		return t.StopIrrigation(ctx, deviceID)
	default:
		return t.GetPumpStatus(ctx, deviceID)
	}
}

func intArgument(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, nil
	}

	switch n := v.(type) {
	case float64:
		if math.Trunc(n) != n || n < math.MinInt32 || n > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s must be a whole number of seconds", ErrInvalidArguments, key)
		}
		return int(n), nil
	case int:
		return n, nil
	case int64:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidArguments, key)
		}
		return int(n), nil
	}

	return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArguments, key)
}

func (t *toolbox) StartIrrigation(ctx context.Context, deviceID string, durationSeconds int) (CommandResult, error) {
	cmd, err := t.queue.Start(ctx, deviceID, durationSeconds)
	if err != nil {
		return CommandResult{}, err
	}
	return queued(cmd), nil
}

func (t *toolbox) StopIrrigation(ctx context.Context, deviceID string) (CommandResult, error) {
	cmd, err := t.queue.Stop(ctx, deviceID)
	if err != nil {
		return CommandResult{}, err
	}
	return queued(cmd), nil
}

func queued(cmd types.Command) CommandResult {
	return CommandResult{
		Status:    "queued",
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Type:      cmd.Type,
		Message:   "Command durably enqueued, the device receives it on its next report.",
	}
}

func (t *toolbox) GetPumpStatus(ctx context.Context, deviceID string) (PumpStatus, error) {
	summary, err := t.ledger.Summary(ctx, deviceID)
	if err != nil {
		return PumpStatus{}, err
	}

	pending, err := t.queue.Pending(ctx, deviceID)
	if err != nil {
		return PumpStatus{}, err
	}

	return PumpStatus{
		DeviceID:        deviceID,
		Irrigation:      summary,
		PendingCommands: pending,
	}, nil
}
