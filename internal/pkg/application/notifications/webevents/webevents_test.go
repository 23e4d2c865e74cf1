package webevents

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"
)

func TestEventReachesTheChannelOfItsTenant(t *testing.T) {
	is, we, lines := testSetup(t, "farm-a")

	we.Publish(context.Background(), &types.ConnectionStatusChanged{TenantID: "farm-a", Status: types.StatusConnected})

	is.Equal("event: connection_status", nextLine(t, lines))
	is.True(strings.Contains(nextLine(t, lines), `"tenantId":"farm-a"`))
}

func TestEventWithoutTenantIsDropped(t *testing.T) {
	is, we, lines := testSetup(t, "farm-a")

	we.Publish(context.Background(), &types.AlertRaised{Alert: types.Alert{Type: "soil_moisture_low"}})
	we.Publish(context.Background(), &types.ConnectionStatusChanged{TenantID: "farm-b", Status: types.StatusConnected})
	we.Publish(context.Background(), &types.CommandEnqueued{TenantID: "farm-a", Command: types.Command{ID: "cmd-1"}})

	is.Equal("event: command", nextLine(t, lines))
	is.True(strings.Contains(nextLine(t, lines), `"id":"cmd-1"`))
}

func testSetup(t *testing.T, tenantID string) (*is.I, *webEvents, <-chan string) {
	is := is.New(t)

	we := New().(*webEvents)

	r := chi.NewRouter()
	r.Get("/tenants/{tenantID}/events", we.ServeHTTP)

	server := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())

	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/tenants/"+tenantID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	is.Equal(http.StatusOK, resp.StatusCode)

	deadline := time.Now().Add(2 * time.Second)
	for !we.s.HasChannel(ChannelFor(tenantID)) {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	lines := make(chan string, 16)
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				lines <- line
			}
		}
		close(lines)
	}()

	return is, we, lines
}

func nextLine(t *testing.T, lines <-chan string) string {
	select {
	case line, ok := <-lines:
		if !ok {
			t.Fatal("event stream closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	return ""
}
