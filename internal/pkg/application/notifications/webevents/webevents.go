package webevents

import (
	"context"
	"fmt"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/go-chi/chi/v5"
)

//go:generate moq -rm -out webevents_mock.go . WebEvents

type WebEvents interface {
	http.Handler
	Publish(ctx context.Context, evt types.Event)
	Shutdown()
}

type webEvents struct {
	s *gosse.Server
}

// New returns a server sent events endpoint with one channel per tenant. It must be
// mounted on a route with a tenantID url parameter.
func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{
			ChannelNameFunc: func(r *http.Request) string {
				return ChannelFor(chi.URLParam(r, "tenantID"))
			},
		}),
	}
}

func ChannelFor(tenantID string) string {
	return fmt.Sprintf("/tenants/%s/events", tenantID)
}

func (we *webEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	we.s.ServeHTTP(w, r)
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

// Publish sends the event to the browsers following its tenant. Events without a tenant are dropped.
func (we *webEvents) Publish(ctx context.Context, evt types.Event) {
	if evt.Tenant() == "" {
		return
	}

	message := gosse.NewMessage("", string(evt.Body()), evt.EventName())
	we.s.SendMessage(ChannelFor(evt.Tenant()), message)
}
