package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/history"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const pumpOnPhrase string = "turn on pump"

var deviceIDPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// Sender delivers a reply to a peer through the tenant's session.
type Sender interface {
	Send(ctx context.Context, tenantID, to, text string) error
}

type TenantDevices interface {
	GetDevicesForTenant(ctx context.Context, tenantID string) ([]types.Device, error)
}

type ChatHandler struct {
	sender    Sender
	devices   TenantDevices
	tools     Toolbox
	history   history.Store
	responder Responder
	now       func() time.Time
}

func NewChatHandler(sender Sender, devices TenantDevices, tools Toolbox, store history.Store, responder Responder) *ChatHandler {
	if responder == nil {
		responder = NewDisabledResponder()
	}

	return &ChatHandler{
		sender:    sender,
		devices:   devices,
		tools:     tools,
		history:   store,
		responder: responder,
		now:       time.Now,
	}
}

// Handle answers one inbound text message. It matches the signature the session manager
// uses for inbound message callbacks.
func (c *ChatHandler) Handle(ctx context.Context, tenantID, from, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	ctx, span := tracer.Start(ctx, "handle-message")
	defer span.End()

	log := logging.GetLoggerFromContext(ctx).With().Str("tenant", tenantID).Str("peer", from).Logger()
	ctx = logging.NewContextWithLogger(ctx, log)

	conversationID := history.ConversationID(tenantID, from)
	recent := c.remember(ctx, log, conversationID, history.RoleUser, text)

	var reply string
	if strings.Contains(strings.ToLower(text), pumpOnPhrase) {
		reply = c.turnOnPump(ctx, log, tenantID, text)
	} else {
		var err error
		reply, err = c.responder.Respond(ctx, Request{
			TenantID:       tenantID,
			ConversationID: conversationID,
			Message:        text,
			History:        recent,
			Tools:          c.tools.Definitions(),
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to get a reply from the agent")
			return
		}
	}

	if reply == "" {
		return
	}

	if err := c.sender.Send(ctx, tenantID, from, reply); err != nil {
		log.Error().Err(err).Msg("failed to send reply")
		return
	}

	c.remember(ctx, log, conversationID, history.RoleAssistant, reply)
}

// remember appends to the conversation and returns the messages before it.
func (c *ChatHandler) remember(ctx context.Context, log zerolog.Logger, conversationID, role, text string) []history.Message {
	if c.history == nil {
		return []history.Message{}
	}

	recent, err := c.history.Recent(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Msg("could not read conversation history")
		recent = []history.Message{}
	}

	err = c.history.Append(ctx, conversationID, history.Message{Role: role, Text: text, Timestamp: c.now().UTC()})
	if err != nil {
		log.Warn().Err(err).Msg("could not append to conversation history")
	}

	return recent
}

func (c *ChatHandler) turnOnPump(ctx context.Context, log zerolog.Logger, tenantID, text string) string {
	devices, err := c.devices.GetDevicesForTenant(ctx, tenantID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list devices for pump command")
		return "Failed to process pump command."
	}

	var target types.Device

	if requested := deviceIDPattern.FindString(text); requested != "" {
		device, ok := lo.Find(devices, func(d types.Device) bool { return strings.EqualFold(d.DeviceID, requested) })
		if !ok {
			return fmt.Sprintf("Device %s not found or doesn't belong to this farm.", requested)
		}
		target = device
	} else {
		switch len(devices) {
		case 0:
			return "No devices found for this farm."
		case 1:
			target = devices[0]
		default:
			lines := lo.Map(devices, func(d types.Device, _ int) string {
				return fmt.Sprintf("- %s: %s", lo.Ternary(d.Name != "", d.Name, "Unnamed"), d.DeviceID)
			})
			return "Multiple devices found. Please reply with \"turn on pump [ID]\":\n" + strings.Join(lines, "\n")
		}
	}

	if _, err := c.tools.StartIrrigation(ctx, target.DeviceID, 0); err != nil {
		log.Error().Err(err).Str("device_id", target.DeviceID).Msg("failed to queue pump command")
		return "Failed to process pump command."
	}

	return fmt.Sprintf("Pump command queued for device: %s", lo.Ternary(target.Name != "", target.Name, target.DeviceID))
}
