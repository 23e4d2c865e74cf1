package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/sessions"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const sessionDatabase string = "session.db"

type Dialer struct {
	log zerolog.Logger
}

// NewDialer returns a sessions.Dialer that connects tenants to WhatsApp using whatsmeow.
// The device store of each tenant is a sqlite database inside its auth directory.
func NewDialer(log zerolog.Logger) *Dialer {
	return &Dialer{log: log}
}

func (d *Dialer) Dial(ctx context.Context, tenantID, authPath string, evts sessions.Events) (sessions.Transport, error) {
	log := d.log.With().Str("tenant", tenantID).Str("component", "whatsmeow").Logger()

	address := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(authPath, sessionDatabase))

	container, err := sqlstore.New(ctx, "sqlite3", address, waLog.Zerolog(log.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("could not open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("could not load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log.With().Str("module", "client").Logger()))
	// reconnects are scheduled by the lifecycle manager
	client.EnableAutoReconnect = false

	lifetime, cancel := context.WithCancel(context.Background())

	t := &transport{
		client:    client,
		container: container,
		events:    evts,
		log:       log,
		lifetime:  lifetime,
		cancel:    cancel,
	}

	client.AddEventHandler(t.handle)

	return t, nil
}

type transport struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	events    sessions.Events
	log       zerolog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func (t *transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qr, err := t.client.GetQRChannel(t.lifetime)
		if err != nil {
			return err
		}
		go t.watchPairing(qr)
	}

	return t.client.Connect()
}

func (t *transport) watchPairing(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			t.events.OnPairingCode(item.Code)
		case whatsmeow.QRChannelSuccess.Event:
			t.log.Info().Msg("pairing succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			t.events.OnClose(false, "pairing_timeout")
		case whatsmeow.QRChannelEventError:
			t.log.Error().Err(item.Error).Msg("pairing failed")
			t.events.OnClose(false, "pairing_error")
		}
	}
}

func (t *transport) handle(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		t.events.OnOpen()
	case *events.LoggedOut:
		t.events.OnClose(true, sessions.ReasonLoggedOut)
	case *events.Disconnected:
		t.events.OnClose(false, "disconnected")
	case *events.StreamReplaced:
		t.events.OnClose(false, "stream_replaced")
	case *events.Message:
		if e.Info.IsFromMe || e.Message == nil {
			return
		}

		text := e.Message.GetConversation()
		if text == "" {
			text = e.Message.GetExtendedTextMessage().GetText()
		}
		if text == "" {
			return
		}

		t.events.OnMessage(e.Info.Chat.String(), text)
	}
}

func (t *transport) Logout(ctx context.Context) error {
	return t.client.Logout(ctx)
}

func (t *transport) Send(ctx context.Context, to, text string) error {
	jid, err := wtypes.ParseJID(to)
	if err != nil {
		return err
	}

	_, err = t.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})

	return err
}

func (t *transport) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.client.Disconnect()
		if err := t.container.Close(); err != nil {
			t.log.Warn().Err(err).Msg("failed to close device store")
		}
	})
}
