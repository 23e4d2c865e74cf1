package ingestion

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/diwise/iot-farm-bridge/pkg/types"
	"gopkg.in/yaml.v2"
)

const (
	DefaultSoilMoistureMin float64 = 32
	DefaultTemperatureMax  float64 = 37
	DefaultHumidityMin     float64 = 30
	DefaultHumidityMax     float64 = 85
)

type Config struct {
	Thresholds types.Thresholds `yaml:"thresholds"`
}

func NewConfig(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Limits are the resolved thresholds a reading is evaluated against.
type Limits struct {
	SoilMoistureMin float64
	TemperatureMax  float64
	HumidityMin     float64
	HumidityMax     float64
}

func DefaultLimits() Limits {
	return Limits{
		SoilMoistureMin: DefaultSoilMoistureMin,
		TemperatureMax:  DefaultTemperatureMax,
		HumidityMin:     DefaultHumidityMin,
		HumidityMax:     DefaultHumidityMax,
	}
}

// Override returns a copy of l where every threshold set in t replaces the current value.
func (l Limits) Override(t types.Thresholds) Limits {
	if t.SoilMoistureMin != nil {
		l.SoilMoistureMin = *t.SoilMoistureMin
	}
	if t.TemperatureMax != nil {
		l.TemperatureMax = *t.TemperatureMax
	}
	if t.HumidityMin != nil {
		l.HumidityMin = *t.HumidityMin
	}
	if t.HumidityMax != nil {
		l.HumidityMax = *t.HumidityMax
	}
	return l
}

// Evaluate applies the threshold rules to a reading. The rules are independent except for
// humidity, where low and high exclude each other. Missing metrics never fire.
func Evaluate(reading types.Reading, limits Limits, at time.Time) []types.Alert {
	alerts := []types.Alert{}

	newAlert := func(alertType, severity, message string, value, threshold float64) types.Alert {
		return types.Alert{
			TenantID:  reading.TenantID,
			DeviceID:  reading.DeviceID,
			Type:      alertType,
			Message:   message,
			Value:     value,
			Threshold: threshold,
			Severity:  severity,
			Timestamp: at,
		}
	}

	if m := reading.Moisture; m != nil && *m < limits.SoilMoistureMin {
		alerts = append(alerts, newAlert(types.AlertSoilMoistureLow, types.SeverityWarning,
			fmt.Sprintf("Soil moisture %s%% dropped below %s%%", num(*m), num(limits.SoilMoistureMin)),
			*m, limits.SoilMoistureMin))
	}

	if t := reading.Temperature; t != nil && *t > limits.TemperatureMax {
		alerts = append(alerts, newAlert(types.AlertTemperatureHigh, types.SeverityWarning,
			fmt.Sprintf("Temperature %s°C exceeded %s°C", num(*t), num(limits.TemperatureMax)),
			*t, limits.TemperatureMax))
	}

	if h := reading.Humidity; h != nil {
		if *h < limits.HumidityMin {
			alerts = append(alerts, newAlert(types.AlertHumidityLow, types.SeverityNotice,
				fmt.Sprintf("Humidity %s%% dropped below %s%%", num(*h), num(limits.HumidityMin)),
				*h, limits.HumidityMin))
		} else if *h > limits.HumidityMax {
			alerts = append(alerts, newAlert(types.AlertHumidityHigh, types.SeverityNotice,
				fmt.Sprintf("Humidity %s%% exceeded %s%%", num(*h), num(limits.HumidityMax)),
				*h, limits.HumidityMax))
		}
	}

	return alerts
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
