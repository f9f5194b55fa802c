package storage

import (
	"time"

	"gorm.io/gorm"
)

// CycleRecord is one journaled scheduler tick.
type CycleRecord struct {
	gorm.Model
	Cycle      int64     `gorm:"index" json:"cycle"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Result     string    `gorm:"index" json:"result"`
	Error      string    `json:"error,omitempty"`

	// Comma separated channel names.
	FailedChannels string `json:"failed_channels,omitempty"`

	// Snapshot of the published status, empty unless the cycle succeeded.
	SerialNumber       string   `json:"serial_number,omitempty"`
	Mode               string   `json:"mode,omitempty"`
	Setpoint           *float64 `json:"setpoint,omitempty"`
	IndoorTemperature  *float64 `json:"indoor_temperature,omitempty"`
	OutdoorTemperature *float64 `json:"outdoor_temperature,omitempty"`
	Pressure           *float64 `json:"pressure,omitempty"`
	SupplyTemperature  *float64 `json:"supply_temperature,omitempty"`
	HotWaterActive     bool     `json:"hot_water_active"`
	BoilerState        string   `json:"boiler_state,omitempty"`
}

func (CycleRecord) TableName() string {
	return "cycle_records"
}

// ResultCount is the number of journaled cycles with a given result.
type ResultCount struct {
	Result string `json:"result"`
	Count  int64  `json:"count"`
}
