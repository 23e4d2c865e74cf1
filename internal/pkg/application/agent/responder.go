package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/history"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DisabledReply string = "AI disabled."

//go:generate moq -rm -out responder_mock.go . Responder

// Responder produces the reply to a chat message. The reasoning, including which tools to call,
// lives in the external agent service.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

type Request struct {
	TenantID       string            `json:"tenantId"`
	ConversationID string            `json:"conversationId"`
	Message        string            `json:"message"`
	History        []history.Message `json:"history"`
	Tools          []ToolDefinition  `json:"tools"`
}

type response struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type HTTPResponder struct {
	client *resty.Client
}

func NewHTTPResponder(baseURL, apiKey string) *HTTPResponder {
	client := resty.NewWithClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}).
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &HTTPResponder{client: client}
}

func (h *HTTPResponder) Respond(ctx context.Context, req Request) (string, error) {
	var result response
	var failure errorResponse

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&failure).
		Post("/respond")
	if err != nil {
		return "", fmt.Errorf("agent request failed: %w", err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("agent responded with %d: %s", resp.StatusCode(), failure.Message)
	}

	return result.Reply, nil
}

type disabledResponder struct{}

// NewDisabledResponder answers every message with DisabledReply.
func NewDisabledResponder() Responder {
	return disabledResponder{}
}

func (disabledResponder) Respond(context.Context, Request) (string, error) {
	return DisabledReply, nil
}
