package influx

import (
	"time"

	"nefit-easy-connector/internal/model"
)

// Measurement names shared by both InfluxDB channels.
const (
	MeasurementCurrent  = "nefit_easy_current"
	MeasurementGasUsage = "nefit_easy_daily_gas_usage"
)

// sample is a library neutral data point. A zero ts means "now".
type sample struct {
	measurement string
	fields      map[string]interface{}
	ts          time.Time
}

// statusSamples returns the current point when all six current fields are present and the
// daily gas usage point when it has a timestamp.
func statusSamples(s *model.StatusRecord) (out []sample, skipped []string) {
	if c := s.Current; c.Complete() {
		out = append(out, sample{
			measurement: MeasurementCurrent,
			fields: map[string]interface{}{
				"mode":                c.Mode,
				"setpoint":            *c.Setpoint,
				"indoor_temperature":  *c.IndoorTemperature,
				"outdoor_temperature": *c.OutdoorTemperature,
				"pressure":            *c.Pressure,
				"supply_temperature":  *c.SupplyTemperature,
			},
		})
	} else {
		skipped = append(skipped, MeasurementCurrent)
	}

	if u := s.DailyGasUsage; u != nil && u.HasTimestamp() {
		out = append(out, gasUsageSample(*u))
	} else {
		skipped = append(skipped, MeasurementGasUsage)
	}
	return out, skipped
}

// historySamples skips entries without a timestamp individually.
func historySamples(h *model.HistoryRecord) (out []sample, skipped int) {
	for _, u := range h.GasUsage {
		if !u.HasTimestamp() {
			skipped++
			continue
		}
		out = append(out, gasUsageSample(u))
	}
	return out, skipped
}

func gasUsageSample(u model.GasUsage) sample {
	return sample{
		measurement: MeasurementGasUsage,
		fields: map[string]interface{}{
			"heating":                     u.Heating,
			"hotwater":                    u.Hotwater,
			"average_outdoor_temperature": u.AverageOutdoorTemperature,
		},
		ts: u.Timestamp,
	}
}
