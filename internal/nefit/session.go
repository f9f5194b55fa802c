package nefit

import (
	"context"
	"time"
)

// DeviceStatus is the raw status block of a Nefit Easy thermostat.
type DeviceStatus struct {
	UserMode           string   `json:"user mode"`
	TempSetpoint       *float64 `json:"temp setpoint"`
	InHouseTemp        *float64 `json:"in house temp"`
	OutdoorTemp        *float64 `json:"outdoor temp"`
	HotWaterActive     bool     `json:"hot water active"`
	BoilerIndicator    string   `json:"boiler indicator"`
	InHouseStatus      string   `json:"in house status,omitempty"`
	OutdoorSourceType  string   `json:"outdoor source type,omitempty"`
	TempOverrideActive bool     `json:"temp override,omitempty"`
}

// Pressure is the central heating water pressure in bar.
type Pressure struct {
	Pressure *float64 `json:"pressure"`
	Unit     string   `json:"unit,omitempty"`
}

// SupplyTemperature is the boiler supply temperature in °C.
type SupplyTemperature struct {
	Temperature *float64 `json:"temperature"`
	Unit        string   `json:"unit,omitempty"`
}

// GasUsageEntry is one raw day of gas usage in m³. Date is zero when the device sent no
// readable date.
type GasUsageEntry struct {
	Date                      time.Time
	CentralHeating            float64
	HotWater                  float64
	AverageOutdoorTemperature float64
}

// Session is a live connection to one thermostat. A Session is not required to be safe for
// interleaved command sequences; callers serialize operations.
type Session interface {
	Status(ctx context.Context) (DeviceStatus, error)
	Pressure(ctx context.Context) (Pressure, error)
	SupplyTemperature(ctx context.Context) (SupplyTemperature, error)
	// GasUsage returns the entries of one history page. Pages start at 1.
	GasUsage(ctx context.Context, page int) ([]GasUsageEntry, error)
	GasUsagePageCount(ctx context.Context) (int, error)
	SetUserMode(ctx context.Context, mode string) error
	SetTemperature(ctx context.Context, celsius float64) error
	End() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Credentials identify the thermostat towards the remote service.
type Credentials struct {
	SerialNumber string
	AccessKey    string
	Password     string
}
