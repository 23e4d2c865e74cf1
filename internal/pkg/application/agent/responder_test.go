package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestHTTPResponderPostsConversation(t *testing.T) {
	is := is.New(t)

	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal("/respond", r.URL.Path)
		is.Equal("Bearer secret", r.Header.Get("Authorization"))
		is.NoErr(json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reply":"Watering is scheduled."}`))
	}))
	defer server.Close()

	reply, err := NewHTTPResponder(server.URL, "secret").Respond(context.Background(), Request{
		TenantID: "farm-a",
		Message:  "water the north field",
		Tools:    definitions,
	})
	is.NoErr(err)
	is.Equal("Watering is scheduled.", reply)
	is.Equal("farm-a", received.TenantID)
	is.Equal(3, len(received.Tools))
}

func TestHTTPResponderReportsErrors(t *testing.T) {
	is := is.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad prompt"}`))
	}))
	defer server.Close()

	_, err := NewHTTPResponder(server.URL, "").Respond(context.Background(), Request{Message: "x"})
	is.True(err != nil)
}
