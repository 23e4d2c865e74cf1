package timeseries

import (
	"context"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

//go:generate moq -rm -out writer_mock.go . Writer

// Writer is a best effort sink for historical data. Writes never block on the remote store.
type Writer interface {
	WriteReading(ctx context.Context, reading types.Reading) error
	WriteAlert(ctx context.Context, alert types.Alert) error
	WriteIrrigation(ctx context.Context, entry types.IrrigationLog) error
	Close(ctx context.Context) error
}

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type influxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      zerolog.Logger
	done     chan struct{}
}

func NewInfluxWriter(ctx context.Context, log zerolog.Logger, cfg Config) Writer {
	options := influxdb2.DefaultOptions().
		SetBatchSize(100).
		SetFlushInterval(1000)

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options)

	w := &influxWriter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		log:      log.With().Str("influx", cfg.URL).Logger(),
		done:     make(chan struct{}),
	}

	go w.watchErrors()

	return w
}

func (w *influxWriter) watchErrors() {
	errs := w.writeAPI.Errors()

	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			metrics.TimeSeriesWriteFailures.Inc()
			w.log.Error().Err(err).Msg("time series write failed")
		case <-w.done:
			return
		}
	}
}

func (w *influxWriter) WriteReading(ctx context.Context, reading types.Reading) error {
	fields := map[string]any{}

	if reading.Temperature != nil {
		fields["temperature"] = *reading.Temperature
	}
	if reading.Humidity != nil {
		fields["humidity"] = *reading.Humidity
	}
	if reading.Moisture != nil {
		fields["moisture"] = *reading.Moisture
	}
	fields["irrigating"] = reading.Irrigating

	tags := map[string]string{"device_id": reading.DeviceID}
	if reading.TenantID != "" {
		tags["farm_id"] = reading.TenantID
	}

	w.writeAPI.WritePoint(influxdb2.NewPoint("device_readings", tags, fields, reading.Timestamp))
	return nil
}

func (w *influxWriter) WriteAlert(ctx context.Context, alert types.Alert) error {
	w.writeAPI.WritePoint(influxdb2.NewPoint("farm_alerts",
		map[string]string{
			"farm_id":    alert.TenantID,
			"sensor_id":  alert.DeviceID,
			"alert_type": alert.Type,
			"status":     "active",
		},
		map[string]any{
			"message":   alert.Message,
			"value":     alert.Value,
			"threshold": alert.Threshold,
			"severity":  alert.Severity,
		},
		alert.Timestamp,
	))
	return nil
}

func (w *influxWriter) WriteIrrigation(ctx context.Context, entry types.IrrigationLog) error {
	w.writeAPI.WritePoint(influxdb2.NewPoint("irrigation_logs",
		map[string]string{
			"farm_id":   entry.TenantID,
			"device_id": entry.DeviceID,
		},
		map[string]any{
			"duration_minutes": entry.DurationMinutes,
			"duration_seconds": entry.DurationSeconds,
		},
		entry.StoppedAt,
	))
	return nil
}

// Close flushes buffered points and closes the client. If ctx expires before the flush
// completes the client is closed anyway and ctx.Err() is returned.
func (w *influxWriter) Close(ctx context.Context) error {
	flushed := make(chan struct{})

	go func() {
		w.writeAPI.Flush()
		close(flushed)
	}()

	defer close(w.done)

	select {
	case <-flushed:
		w.client.Close()
		return nil
	case <-ctx.Done():
		w.log.Warn().Msg("time series flush did not complete within the grace period")
		go w.client.Close()
		return ctx.Err()
	}
}

type noopWriter struct{}

// NewNoopWriter returns a Writer that discards everything, used when no time series store is configured.
func NewNoopWriter() Writer {
	return noopWriter{}
}

func (noopWriter) WriteReading(context.Context, types.Reading) error          { return nil }
func (noopWriter) WriteAlert(context.Context, types.Alert) error              { return nil }
func (noopWriter) WriteIrrigation(context.Context, types.IrrigationLog) error { return nil }
func (noopWriter) Close(context.Context) error                                { return nil }
