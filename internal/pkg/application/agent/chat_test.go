package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/history"
	"github.com/matryer/is"
)

const peer string = "46701234567@s.whatsapp.net"

func TestTurnOnPumpWithSingleDevice(t *testing.T) {
	is, h, env := testSetupChat(t, devicesFake{"farm-a": {{DeviceID: "pump-01", Name: "North field"}}})

	h.Handle(context.Background(), "farm-a", peer, "Please turn on pump")

	is.Equal([]string{"pump-01:0"}, env.queue.started)
	is.Equal("Pump command queued for device: North field", env.sender.last())
	is.Equal(0, len(env.responder.requests))
}

func TestTurnOnPumpWithSeveralDevicesListsThem(t *testing.T) {
	id := "2f1c6a0e-8d4b-4f6e-9c1a-3b5d7e9f1a2b"
	is, h, env := testSetupChat(t, devicesFake{"farm-a": {
		{DeviceID: "pump-01", Name: "North field"},
		{DeviceID: id},
	}})

	h.Handle(context.Background(), "farm-a", peer, "turn on pump")
	is.Equal(0, len(env.queue.started))
	is.True(strings.HasPrefix(env.sender.last(), "Multiple devices found."))
	is.True(strings.Contains(env.sender.last(), "- Unnamed: "+id))

	h.Handle(context.Background(), "farm-a", peer, "Turn on pump "+strings.ToUpper(id))
	is.Equal([]string{id + ":0"}, env.queue.started)
}

func TestTurnOnPumpForeignOrMissingDevice(t *testing.T) {
	is, h, env := testSetupChat(t, devicesFake{"farm-a": {}})

	h.Handle(context.Background(), "farm-a", peer, "turn on pump")
	is.Equal("No devices found for this farm.", env.sender.last())

	h.Handle(context.Background(), "farm-a", peer, "turn on pump 2f1c6a0e-8d4b-4f6e-9c1a-3b5d7e9f1a2b")
	is.True(strings.Contains(env.sender.last(), "not found or doesn't belong to this farm"))
	is.Equal(0, len(env.queue.started))
}

func TestOtherMessagesGoToResponderWithHistory(t *testing.T) {
	is, h, env := testSetupChat(t, devicesFake{"farm-a": {}})
	env.responder.reply = "Soil looks fine."

	h.Handle(context.Background(), "farm-a", peer, "how is the soil?")
	h.Handle(context.Background(), "farm-a", peer, "and tomorrow?")

	is.Equal(2, len(env.responder.requests))

	second := env.responder.requests[1]
	is.Equal(history.ConversationID("farm-a", peer), second.ConversationID)
	is.Equal(2, len(second.History))
	is.Equal(history.RoleAssistant, second.History[1].Role)
	is.Equal(3, len(second.Tools))
	is.Equal("Soil looks fine.", env.sender.last())
}

func TestDisabledResponderReply(t *testing.T) {
	is := is.New(t)
	sender := &senderFake{}
	h := NewChatHandler(sender, devicesFake{}, NewToolbox(&queueFake{}, ledgerFake{}), history.NewMemoryStore(history.Config{}), nil)

	h.Handle(context.Background(), "farm-a", peer, "hello")
	is.Equal(DisabledReply, sender.last())

	h.Handle(context.Background(), "farm-a", peer, "   ")
	is.Equal(1, len(sender.replies))
}

type chatEnv struct {
	queue     *queueFake
	sender    *senderFake
	responder *responderFake
}

func testSetupChat(t *testing.T, devices devicesFake) (*is.I, *ChatHandler, chatEnv) {
	env := chatEnv{
		queue:     &queueFake{},
		sender:    &senderFake{},
		responder: &responderFake{},
	}

	h := NewChatHandler(env.sender, devices, NewToolbox(env.queue, ledgerFake{}), history.NewMemoryStore(history.Config{}), env.responder)
	return is.New(t), h, env
}
