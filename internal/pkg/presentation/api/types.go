package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
)

type meta struct {
	TotalRecords uint64 `json:"totalRecords"`
	Limit        *int   `json:"limit,omitempty"`
	Count        uint64 `json:"count"`
}

type ApiResponse struct {
	Meta *meta `json:"meta,omitempty"`
	Data any   `json:"data"`
}

func (r ApiResponse) Byte() []byte {
	b, _ := json.Marshal(r)
	return b
}

func newCollectionResponse[T any](items []T, limit int) ApiResponse {
	if items == nil {
		items = []T{}
	}

	m := &meta{TotalRecords: uint64(len(items)), Count: uint64(len(items))}
	if limit > 0 {
		m.Limit = &limit
	}

	return ApiResponse{Meta: m, Data: items}
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

var errEmptyBatch = fmt.Errorf("%w: no readings in request", types.ErrValidation)
var errBadTimestamp = fmt.Errorf("%w: timestamp must be RFC3339", types.ErrValidation)

// readingPayload accepts both the current field names and the ones used by older firmware.
type readingPayload struct {
	DeviceID     string   `json:"deviceId"`
	SensorID     string   `json:"sensor_id"`
	TenantID     string   `json:"tenantId"`
	FarmID       string   `json:"farm_id"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	Moisture     *float64 `json:"moisture"`
	SoilMoisture *float64 `json:"soil_moisture"`
	Irrigating   bool     `json:"irrigating"`
	Timestamp    string   `json:"timestamp"`
}

func (p readingPayload) toReading() (types.Reading, error) {
	r := types.Reading{
		DeviceID:    firstOf(p.DeviceID, p.SensorID),
		TenantID:    firstOf(p.TenantID, p.FarmID),
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		Moisture:    p.Moisture,
		Irrigating:  p.Irrigating,
	}

	if r.Moisture == nil {
		r.Moisture = p.SoilMoisture
	}

	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return types.Reading{}, fmt.Errorf("%w: %q", errBadTimestamp, p.Timestamp)
		}
		r.Timestamp = ts.UTC()
	}

	return r, nil
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeReadings accepts a single reading, an array of readings or {"readings":[...]}. A reading
// that cannot be converted is returned in rejected and left out of the batch.
func decodeReadings(body []byte) (readings []types.Reading, rejected []error, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil, errEmptyBatch
	}

	var payloads []readingPayload

	if body[0] == '[' {
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, nil, errors.Join(types.ErrValidation, err)
		}
	} else {
		var batch struct {
			Readings *[]readingPayload `json:"readings"`
		}
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, nil, errors.Join(types.ErrValidation, err)
		}

		if batch.Readings != nil {
			payloads = *batch.Readings
		} else {
			var single readingPayload
			if err := json.Unmarshal(body, &single); err != nil {
				return nil, nil, errors.Join(types.ErrValidation, err)
			}
			payloads = []readingPayload{single}
		}
	}

	if len(payloads) == 0 {
		return nil, nil, errEmptyBatch
	}

	readings = make([]types.Reading, 0, len(payloads))
	for _, p := range payloads {
		r, err := p.toReading()
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		readings = append(readings, r)
	}

	return readings, rejected, nil
}

type irrigationPayload struct {
	DeviceID     string `json:"deviceId"`
	TenantID     string `json:"tenantId"`
	EpochSeconds int64  `json:"epochSeconds"`
}

type commandPayload struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ackPayload struct {
	Executed bool   `json:"executed"`
	Reason   string `json:"reason"`
}

type messagePayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}
