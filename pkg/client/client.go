package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var tracer = otel.Tracer("farm-bridge-client")

var ErrNotFound = fmt.Errorf("not found")
var ErrBadRequest = fmt.Errorf("bad request")

// FarmBridgeClient calls the tool surface of the farm bridge. It is used by the agent service
// to act on a farm after it has decided which tool to call.
type FarmBridgeClient interface {
	Tools(ctx context.Context) ([]ToolDefinition, error)
	StartIrrigation(ctx context.Context, deviceID string, durationSeconds int) (CommandResult, error)
	StopIrrigation(ctx context.Context, deviceID string) (CommandResult, error)
	GetPumpStatus(ctx context.Context, deviceID string) (PumpStatus, error)
	Close(ctx context.Context)
}

type farmBridgeClient struct {
	url        string
	httpClient *http.Client
}

func New(ctx context.Context, bridgeURL, oauthTokenURL, oauthClientID, oauthClientSecret string) (FarmBridgeClient, error) {
	oauthConfig := &clientcredentials.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		TokenURL:     oauthTokenURL,
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	baseClient := &http.Client{
		Transport: otelhttp.NewTransport(httpTransport),
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, baseClient)

	token, err := oauthConfig.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client credentials from %s: %w", oauthConfig.TokenURL, err)
	}

	if !token.Valid() {
		return nil, fmt.Errorf("an invalid token was returned from %s", oauthTokenURL)
	}

	return &farmBridgeClient{
		url:        strings.TrimSuffix(bridgeURL, "/"),
		httpClient: oauthConfig.Client(ctx),
	}, nil
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type CommandResult struct {
	Status    string `json:"status"`
	CommandID string `json:"commandId"`
	DeviceID  string `json:"deviceId"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

type IrrigationSummary struct {
	LastIrrigatedAt     *string `json:"lastIrrigatedAt,omitempty"`
	LastDurationSeconds *int64  `json:"lastDurationSeconds,omitempty"`
	Irrigating          bool    `json:"irrigating"`
}

type PendingCommand struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

type PumpStatus struct {
	DeviceID        string            `json:"deviceId"`
	Irrigation      IrrigationSummary `json:"irrigation"`
	PendingCommands []PendingCommand  `json:"pendingCommands"`
}

func (c *farmBridgeClient) Tools(ctx context.Context) ([]ToolDefinition, error) {
	var response struct {
		Data []ToolDefinition `json:"data"`
	}

	err := c.do(ctx, "list-tools", http.MethodGet, "/api/v0/tools", nil, &response)
	if err != nil {
		return nil, err
	}

	return response.Data, nil
}

func (c *farmBridgeClient) StartIrrigation(ctx context.Context, deviceID string, durationSeconds int) (CommandResult, error) {
	var result CommandResult
	err := c.invoke(ctx, "start_irrigation", map[string]any{"deviceId": deviceID, "durationSeconds": durationSeconds}, &result)
	return result, err
}

func (c *farmBridgeClient) StopIrrigation(ctx context.Context, deviceID string) (CommandResult, error) {
	var result CommandResult
	err := c.invoke(ctx, "stop_irrigation", map[string]any{"deviceId": deviceID}, &result)
	return result, err
}

func (c *farmBridgeClient) GetPumpStatus(ctx context.Context, deviceID string) (PumpStatus, error) {
	var result PumpStatus
	err := c.invoke(ctx, "get_pump_status", map[string]any{"deviceId": deviceID}, &result)
	return result, err
}

func (c *farmBridgeClient) invoke(ctx context.Context, tool string, args map[string]any, result any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}

	return c.do(ctx, "invoke-"+tool, http.MethodPost, "/api/v0/tools/"+url.PathEscape(tool), b, result)
}

func (c *farmBridgeClient) do(ctx context.Context, spanName, method, path string, body []byte, result any) (err error) {
	ctx, span := tracer.Start(ctx, spanName)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := zerolog.Ctx(ctx)

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusBadRequest:
		return errors.Join(ErrBadRequest, errors.New(strings.TrimSpace(string(respBody))))
	case resp.StatusCode >= http.StatusBadRequest:
		log.Error().Int("status", resp.StatusCode).Str("path", path).Msg("request failed")
		return fmt.Errorf("request failed with status code %d", resp.StatusCode)
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}

func (c *farmBridgeClient) Close(ctx context.Context) {
	c.httpClient.CloseIdleConnections()
}
