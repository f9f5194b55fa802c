package model

import "time"

// Thermostat user modes.
const (
	ModeManual = "manual"
	ModeClock  = "clock"
)

// StatusRecord is the normalized status built once per poll cycle. It is shared by every
// channel and must not be mutated after construction.
type StatusRecord struct {
	SerialNumber string       `json:"serialNumber"`
	Current      CurrentState `json:"current"`
	// DailyGasUsage is nil when the device returned no gas usage entries.
	DailyGasUsage *GasUsage `json:"dailyGasUsage,omitempty"`
}

// CurrentState holds the live readings. Numeric readings are nil when the device did not report them.
type CurrentState struct {
	Mode               string   `json:"mode"`
	Setpoint           *float64 `json:"setpoint"`
	IndoorTemperature  *float64 `json:"indoorTemperature"`
	OutdoorTemperature *float64 `json:"outdoorTemperature"`
	Pressure           *float64 `json:"pressure"`
	SupplyTemperature  *float64 `json:"supplyTemperature"`
	HotWaterActive     bool     `json:"hotWaterActive"`
	BoilerState        string   `json:"boilerState"`
}

// Complete reports whether all six fields written as the "current" measurement are present.
func (c CurrentState) Complete() bool {
	return c.Mode != "" &&
		c.Setpoint != nil &&
		c.IndoorTemperature != nil &&
		c.OutdoorTemperature != nil &&
		c.Pressure != nil &&
		c.SupplyTemperature != nil
}

// GasUsage is one day of gas usage, already scaled by the conversion factor.
// A zero Timestamp means the device date was missing or unreadable.
type GasUsage struct {
	Heating                   float64   `json:"heating"`
	Hotwater                  float64   `json:"hotwater"`
	AverageOutdoorTemperature float64   `json:"averageOutdoorTemperature"`
	Timestamp                 time.Time `json:"timestamp"`
}

// HasTimestamp reports whether the entry can be written as a time-series point.
func (g GasUsage) HasTimestamp() bool {
	return !g.Timestamp.IsZero()
}

// HistoryRecord carries every daily gas usage entry available on the device.
type HistoryRecord struct {
	SerialNumber string     `json:"serialNumber"`
	GasUsage     []GasUsage `json:"gasUsage"`
}

// Float returns a pointer to v. Handy when building records by hand.
func Float(v float64) *float64 {
	return &v
}
