package sessions

import (
	"context"
)

//go:generate moq -rm -out transport_mock.go . Transport Dialer

// Transport is a single connection attempt to the chat network for one tenant.
// A Transport is never reused after Close.
type Transport interface {
	Connect(ctx context.Context) error
	Logout(ctx context.Context) error
	Send(ctx context.Context, to, text string) error
	Close()
}

// Events receives the callbacks of one Transport. The adapter around the chat library translates
// its native events into these calls. Calls from a transport that is no longer the registered
// session of its tenant are ignored.
type Events interface {
	OnPairingCode(code string)
	OnOpen()
	OnClose(loggedOut bool, reason string)
	OnMessage(from, text string)
}

type Dialer interface {
	Dial(ctx context.Context, tenantID, authPath string, events Events) (Transport, error)
}

// RenderFunc turns a pairing code into a payload that a UI can display.
type RenderFunc func(code string) (string, error)

// MessageHandlerFunc is called with inbound text messages from peers of a connected tenant.
type MessageHandlerFunc func(ctx context.Context, tenantID, from, text string)
