package connector

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"nefit-easy-connector/internal/model"
	"nefit-easy-connector/internal/nefit"
)

func (c *Connector) readStatus(ctx context.Context, s nefit.Session) (*model.StatusRecord, error) {
	var (
		status   nefit.DeviceStatus
		pressure nefit.Pressure
		supply   nefit.SupplyTemperature
		usage    []nefit.GasUsageEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if status, err = s.Status(gctx); err != nil {
			return fmt.Errorf("status: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if pressure, err = s.Pressure(gctx); err != nil {
			return fmt.Errorf("pressure: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if supply, err = s.SupplyTemperature(gctx); err != nil {
			return fmt.Errorf("supply temperature: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if usage, err = s.GasUsage(gctx, 1); err != nil {
			return fmt.Errorf("gas usage: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.log.Debugw("thermostat status", "status", status)

	rec := &model.StatusRecord{
		SerialNumber: c.opts.SerialNumber,
		Current: model.CurrentState{
			Mode:               status.UserMode,
			Setpoint:           status.TempSetpoint,
			IndoorTemperature:  status.InHouseTemp,
			OutdoorTemperature: status.OutdoorTemp,
			Pressure:           pressure.Pressure,
			SupplyTemperature:  supply.Temperature,
			HotWaterActive:     status.HotWaterActive,
			BoilerState:        status.BoilerIndicator,
		},
	}
	if latest, ok := latestGasUsage(usage); ok {
		u := c.toUsage(latest)
		rec.DailyGasUsage = &u
	}
	return rec, nil
}

func (c *Connector) readHistory(ctx context.Context, s nefit.Session) (*model.HistoryRecord, error) {
	pages, err := s.GasUsagePageCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas usage page count: %w", err)
	}
	if pages < 0 {
		return nil, fmt.Errorf("gas usage page count: invalid value %d", pages)
	}

	results := make([][]nefit.GasUsageEntry, pages)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pages; i++ {
		idx := i
		g.Go(func() error {
			entries, err := s.GasUsage(gctx, idx+1)
			if err != nil {
				return fmt.Errorf("gas usage page %d: %w", idx+1, err)
			}
			results[idx] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rec := &model.HistoryRecord{SerialNumber: c.opts.SerialNumber}
	for _, page := range results {
		for _, e := range page {
			rec.GasUsage = append(rec.GasUsage, c.toUsage(e))
		}
	}
	c.log.Debugw("gas usage history read", "pages", pages, "entries", len(rec.GasUsage))
	return rec, nil
}

// latestGasUsage picks the entry with the greatest date. Among equal dates the first
// encountered entry wins.
func latestGasUsage(entries []nefit.GasUsageEntry) (nefit.GasUsageEntry, bool) {
	if len(entries) == 0 {
		return nefit.GasUsageEntry{}, false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Date.After(best.Date) {
			best = e
		}
	}
	return best, true
}

func (c *Connector) toUsage(e nefit.GasUsageEntry) model.GasUsage {
	u := model.GasUsage{
		Heating:                   e.CentralHeating * c.opts.ConversionFactor,
		Hotwater:                  e.HotWater * c.opts.ConversionFactor,
		AverageOutdoorTemperature: e.AverageOutdoorTemperature,
	}
	if !e.Date.IsZero() {
		u.Timestamp = e.Date.Add(c.opts.TimezoneOffset)
	}
	return u
}
