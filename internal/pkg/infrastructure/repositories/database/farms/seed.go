package farms

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/pkg/types"
)

// Seed reads a ; separated file with a header row and the columns
// tenantID;tenantName;deviceID;deviceName;soilMoistureMin;temperatureMax;humidityMin;humidityMax
// A row without a deviceID only creates the tenant.
func (f *farmRepository) Seed(ctx context.Context, reader io.Reader) error {
	r := csv.NewReader(reader)
	r.Comma = ';'
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return err
	}

	records, err := getRecordsFromRows(rows)
	if err != nil {
		return err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Msgf("loaded %d farm records from file", len(records))

	for _, record := range records {
		err := f.SaveTenant(ctx, types.Tenant{ID: record.tenantID, Name: record.tenantName})
		if err != nil {
			log.Error().Err(err).Str("tenant", record.tenantID).Msg("could not seed tenant")
			continue
		}

		if record.deviceID == "" {
			continue
		}

		err = f.SaveDevice(ctx, types.Device{
			DeviceID:   record.deviceID,
			Name:       record.deviceName,
			Thresholds: record.thresholds,
		})
		if err != nil {
			log.Error().Err(err).Str("device_id", record.deviceID).Msg("could not seed device")
			continue
		}

		err = f.LinkDevice(ctx, record.tenantID, record.deviceID)
		if err != nil {
			log.Error().Err(err).Str("tenant", record.tenantID).Str("device_id", record.deviceID).Msg("could not link device to tenant")
		}
	}

	return nil
}

type farmRecord struct {
	tenantID   string
	tenantName string
	deviceID   string
	deviceName string
	thresholds types.Thresholds
}

func newFarmRecord(line int, r []string) (farmRecord, error) {
	column := func(i int) string {
		if i < len(r) {
			return strings.TrimSpace(r[i])
		}
		return ""
	}

	strToThreshold := func(i int) (*float64, error) {
		s := column(i)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad threshold value %q: %w", line, s, err)
		}
		return &f, nil
	}

	fr := farmRecord{
		tenantID:   column(0),
		tenantName: column(1),
		deviceID:   strings.ToLower(column(2)),
		deviceName: column(3),
	}

	if fr.tenantID == "" {
		return farmRecord{}, fmt.Errorf("line %d: tenant id is required", line)
	}

	var err error
	targets := []**float64{
		&fr.thresholds.SoilMoistureMin,
		&fr.thresholds.TemperatureMax,
		&fr.thresholds.HumidityMin,
		&fr.thresholds.HumidityMax,
	}

	for i, target := range targets {
		if *target, err = strToThreshold(4 + i); err != nil {
			return farmRecord{}, err
		}
	}

	return fr, nil
}

func getRecordsFromRows(rows [][]string) ([]farmRecord, error) {
	records := []farmRecord{}

	for i, row := range rows {
		if i == 0 {
			continue
		}
		rec, err := newFarmRecord(i+1, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}
