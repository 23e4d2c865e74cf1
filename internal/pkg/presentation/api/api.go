package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/agent"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/commandqueue"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/ingestion"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/irrigation"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/sessions"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/farms"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-farm-bridge/internal/pkg/presentation/api/auth"
	"github.com/diwise/iot-farm-bridge/internal/pkg/presentation/api/deviceauth"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("iot-farm-bridge/api")

type DeviceLookup interface {
	GetDevice(ctx context.Context, deviceID string) (types.Device, error)
}

type Services struct {
	Sessions  sessions.ConnectionManager
	Queue     commandqueue.CommandQueue
	Gateway   ingestion.Gateway
	Ledger    irrigation.Ledger
	Tools     agent.Toolbox
	Devices   DeviceLookup
	Events    http.Handler
	DeviceJWT *deviceauth.Authenticator
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader, svc Services) (*chi.Mux, error) {
	log := logging.GetLoggerFromContext(ctx)

	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	router.Route("/api/v0", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(svc.DeviceJWT.Middleware())

			r.Post("/sensors", ingestReadingsHandler(log, svc.Gateway))
			r.Post("/irrigation/start", irrigationStartHandler(log, svc.Ledger))
			r.Post("/irrigation/stop", irrigationStopHandler(log, svc.Ledger))
			r.Post("/devices/{deviceID}/commands/{commandID}/ack", ackCommandHandler(log, svc.Queue))
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticator.RequireAccess(auth.AnyScope))

			r.Route("/tenants/{tenantID}", func(r chi.Router) {
				r.Get("/connection", connectionStatusHandler(log, svc.Sessions))
				r.Post("/connection", initializeConnectionHandler(log, svc.Sessions))
				r.Delete("/connection", logoutHandler(log, svc.Sessions))
				r.Post("/messages", sendMessageHandler(log, svc.Sessions))
				r.Get("/alerts", getAlertsHandler(log, svc.Gateway))
				r.Get("/events", eventsHandler(log, svc.Events))
			})

			r.Route("/devices/{deviceID}", func(r chi.Router) {
				r.Post("/commands", enqueueCommandHandler(log, svc.Queue, svc.Devices))
				r.Get("/commands", pendingCommandsHandler(log, svc.Queue, svc.Devices))
				r.Get("/irrigation", irrigationHistoryHandler(log, svc.Ledger, svc.Devices))
				r.Get("/readings", getReadingsHandler(log, svc.Gateway, svc.Devices))
			})

			r.Get("/tools", listToolsHandler(svc.Tools))
			r.Post("/tools/{name}", invokeToolHandler(log, svc.Tools, svc.Devices))
		})
	})

	return router, nil
}

func withTraceID(ctx context.Context, span trace.Span, log zerolog.Logger) (context.Context, zerolog.Logger) {
	if span.SpanContext().HasTraceID() {
		log = log.With().Str("traceID", span.SpanContext().TraceID().String()).Logger()
	}
	return logging.NewContextWithLogger(ctx, log), log
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrTenantNotFound),
		errors.Is(err, farms.ErrDeviceNotFound),
		errors.Is(err, commandqueue.ErrCommandNotFound),
		errors.Is(err, agent.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrNotConnected),
		errors.Is(err, irrigation.ErrNoMatchingStart),
		errors.Is(err, commandqueue.ErrCommandState):
		return http.StatusConflict
	case errors.Is(err, sessions.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := statusFromError(err)

	message := err.Error()
	if errors.Is(err, irrigation.ErrNoMatchingStart) {
		message = "No matching START event found"
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		if status == http.StatusInternalServerError {
			message = http.StatusText(status)
		}
	} else {
		log.Info().Err(err).Int("status", status).Msg("request rejected")
	}

	writeError(w, status, message)
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return errors.Join(types.ErrValidation, err)
	}

	return nil
}

func limitFromQuery(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// requireDevice checks that the device belongs to a tenant the caller holds every scope for.
func requireDevice(ctx context.Context, devices DeviceLookup, deviceID string, scopes ...auth.Scope) error {
	device, err := devices.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	allowed := auth.GetTenantsWithAllowedScopes(ctx, scopes...)
	if len(lo.Intersect(allowed, device.Tenants)) == 0 {
		return fmt.Errorf("%w: %s", farms.ErrDeviceNotFound, deviceID)
	}

	return nil
}

func ingestReadingsHandler(log zerolog.Logger, gw ingestion.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ingest-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := withTraceID(ctx, span, log)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeServiceError(w, requestLogger, errors.Join(types.ErrValidation, err))
			return
		}

		readings, rejected, err := decodeReadings(body)
		if err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		for _, reason := range rejected {
			metrics.ReadingsRejected.WithLabelValues("timestamp").Inc()
			requestLogger.Warn().Err(reason).Msg("reading rejected")
		}

		for _, reading := range readings {
			if !deviceauth.IsDeviceAllowed(ctx, reading.DeviceID) {
				err = fmt.Errorf("token is not valid for device %s", reading.DeviceID)
				requestLogger.Warn().Err(err).Msg("reading rejected")
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
		}

		result, err := gw.Ingest(ctx, readings)
		if err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, result)
	}
}

func irrigationEventHandler(log zerolog.Logger, name string, record func(context.Context, types.IrrigationEvent) (types.IrrigationResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), name)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := withTraceID(ctx, span, log)

		var p irrigationPayload
		if err = decodeBody(r, &p); err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		if !deviceauth.IsDeviceAllowed(ctx, p.DeviceID) {
			err = fmt.Errorf("token is not valid for device %s", p.DeviceID)
			writeError(w, http.StatusForbidden, err.Error())
			return
		}

		result, err := record(ctx, types.IrrigationEvent{DeviceID: p.DeviceID, TenantID: p.TenantID, EpochSeconds: p.EpochSeconds})
		if err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, result)
	}
}

func irrigationStartHandler(log zerolog.Logger, ledger irrigation.Ledger) http.HandlerFunc {
	return irrigationEventHandler(log, "irrigation-start", ledger.RecordStart)
}

func irrigationStopHandler(log zerolog.Logger, ledger irrigation.Ledger) http.HandlerFunc {
	return irrigationEventHandler(log, "irrigation-stop", ledger.RecordStop)
}

func ackCommandHandler(log zerolog.Logger, queue commandqueue.CommandQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "ack-command")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := withTraceID(ctx, span, log)

		deviceID := chi.URLParam(r, "deviceID")
		commandID := chi.URLParam(r, "commandID")

		if !deviceauth.IsDeviceAllowed(ctx, deviceID) {
			err = fmt.Errorf("token is not valid for device %s", deviceID)
			writeError(w, http.StatusForbidden, err.Error())
			return
		}

		var p ackPayload
		if err = decodeBody(r, &p); err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		cmd, err := queue.Acknowledge(ctx, deviceID, commandID, p.Executed, p.Reason)
		if err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, cmd)
	}
}

func tenantHandler(log zerolog.Logger, name string, scope auth.Scope, handle func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), name)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		tenantID := chi.URLParam(r, "tenantID")
		ctx, requestLogger := withTraceID(ctx, span, log.With().Str("tenant", tenantID).Logger())

		if !auth.IsTenantAllowed(ctx, tenantID, scope) {
			err = fmt.Errorf("%w: %s", sessions.ErrTenantNotFound, tenantID)
			writeServiceError(w, requestLogger, err)
			return
		}

		err = handle(ctx, w, r.WithContext(ctx), tenantID, requestLogger)
	}
}

func connectionStatusHandler(log zerolog.Logger, mgr sessions.ConnectionManager) http.HandlerFunc {
	return tenantHandler(log, "connection-status", auth.ScopeFarmsRead, func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error {
		writeJSON(w, http.StatusOK, mgr.Status(tenantID))
		return nil
	})
}

func initializeConnectionHandler(log zerolog.Logger, mgr sessions.ConnectionManager) http.HandlerFunc {
	return tenantHandler(log, "initialize-connection", auth.ScopeFarmsWrite, func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error {
		if err := mgr.Initialize(ctx, tenantID); err != nil {
			writeServiceError(w, log, err)
			return err
		}
		writeJSON(w, http.StatusAccepted, mgr.Status(tenantID))
		return nil
	})
}

func logoutHandler(log zerolog.Logger, mgr sessions.ConnectionManager) http.HandlerFunc {
	return tenantHandler(log, "logout", auth.ScopeFarmsWrite, func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error {
		if err := mgr.Logout(ctx, tenantID); err != nil {
			writeServiceError(w, log, err)
			return err
		}
		writeJSON(w, http.StatusAccepted, mgr.Status(tenantID))
		return nil
	})
}

func sendMessageHandler(log zerolog.Logger, mgr sessions.ConnectionManager) http.HandlerFunc {
	return tenantHandler(log, "send-message", auth.ScopeFarmsWrite, func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error {
		var p messagePayload
		if err := decodeBody(r, &p); err != nil {
			writeServiceError(w, log, err)
			return err
		}

		if strings.TrimSpace(p.Text) == "" {
			err := fmt.Errorf("%w: text is required", types.ErrValidation)
			writeServiceError(w, log, err)
			return err
		}

		if err := mgr.Send(ctx, tenantID, p.To, p.Text); err != nil {
			writeServiceError(w, log, err)
			return err
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
		return nil
	})
}

func getAlertsHandler(log zerolog.Logger, gw ingestion.Gateway) http.HandlerFunc {
	return tenantHandler(log, "get-alerts", auth.ScopeFarmsRead, func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error {
		limit := limitFromQuery(r)

		alerts, err := gw.Alerts(ctx, tenantID, limit)
		if err != nil {
			writeServiceError(w, log, err)
			return err
		}

		writeJSON(w, http.StatusOK, newCollectionResponse(alerts, limit))
		return nil
	})
}

func eventsHandler(log zerolog.Logger, events http.Handler) http.HandlerFunc {
	return tenantHandler(log, "events", auth.ScopeFarmsRead, func(ctx context.Context, w http.ResponseWriter, r *http.Request, tenantID string, log zerolog.Logger) error {
		log.Debug().Msg("client subscribed to events")
		events.ServeHTTP(w, r)
		return nil
	})
}

func deviceHandler(log zerolog.Logger, name string, devices DeviceLookup, scope auth.Scope, handle func(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID string, log zerolog.Logger) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), name)
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		deviceID := chi.URLParam(r, "deviceID")
		ctx, requestLogger := withTraceID(ctx, span, log.With().Str("device_id", deviceID).Logger())

		if err = requireDevice(ctx, devices, deviceID, scope); err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		err = handle(ctx, w, r.WithContext(ctx), deviceID, requestLogger)
	}
}

func enqueueCommandHandler(log zerolog.Logger, queue commandqueue.CommandQueue, devices DeviceLookup) http.HandlerFunc {
	return deviceHandler(log, "enqueue-command", devices, auth.ScopeDevicesWrite, func(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID string, log zerolog.Logger) error {
		var p commandPayload
		if err := decodeBody(r, &p); err != nil {
			writeServiceError(w, log, err)
			return err
		}

		cmd, err := queue.Enqueue(ctx, deviceID, p.Type, p.Payload)
		if err != nil {
			writeServiceError(w, log, err)
			return err
		}

		writeJSON(w, http.StatusCreated, cmd)
		return nil
	})
}

func pendingCommandsHandler(log zerolog.Logger, queue commandqueue.CommandQueue, devices DeviceLookup) http.HandlerFunc {
	return deviceHandler(log, "pending-commands", devices, auth.ScopeFarmsRead, func(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID string, log zerolog.Logger) error {
		cmds, err := queue.Pending(ctx, deviceID)
		if err != nil {
			writeServiceError(w, log, err)
			return err
		}

		writeJSON(w, http.StatusOK, newCollectionResponse(cmds, 0))
		return nil
	})
}

func irrigationHistoryHandler(log zerolog.Logger, ledger irrigation.Ledger, devices DeviceLookup) http.HandlerFunc {
	return deviceHandler(log, "irrigation-history", devices, auth.ScopeFarmsRead, func(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID string, log zerolog.Logger) error {
		limit := limitFromQuery(r)

		history, err := ledger.History(ctx, deviceID, limit)
		if err != nil {
			writeServiceError(w, log, err)
			return err
		}

		writeJSON(w, http.StatusOK, newCollectionResponse(history, limit))
		return nil
	})
}

func getReadingsHandler(log zerolog.Logger, gw ingestion.Gateway, devices DeviceLookup) http.HandlerFunc {
	return deviceHandler(log, "get-readings", devices, auth.ScopeFarmsRead, func(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID string, log zerolog.Logger) error {
		limit := limitFromQuery(r)

		readings, err := gw.Readings(ctx, deviceID, limit)
		if err != nil {
			writeServiceError(w, log, err)
			return err
		}

		writeJSON(w, http.StatusOK, newCollectionResponse(readings, limit))
		return nil
	})
}

func listToolsHandler(tools agent.Toolbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, newCollectionResponse(tools.Definitions(), 0))
	}
}

func invokeToolHandler(log zerolog.Logger, tools agent.Toolbox, devices DeviceLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		name := chi.URLParam(r, "name")

		ctx, span := tracer.Start(r.Context(), "invoke-tool")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := withTraceID(ctx, span, log.With().Str("tool", name).Logger())

		args := map[string]any{}
		if err = decodeBody(r, &args); err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		scope := auth.ScopeDevicesWrite
		if name == agent.ToolGetPumpStatus {
			scope = auth.ScopeFarmsRead
		}

		if deviceID, ok := args["deviceId"].(string); ok && deviceID != "" {
			if err = requireDevice(ctx, devices, deviceID, scope); err != nil {
				writeServiceError(w, requestLogger, err)
				return
			}
		}

		result, err := tools.Invoke(ctx, name, args)
		if err != nil {
			writeServiceError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}
