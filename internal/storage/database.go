package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/scheduler"
)

// Database is the sqlite cycle journal.
type Database struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewDatabase(path string, log *logger.Logger) (*Database, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer; a single connection also keeps :memory: databases alive.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&CycleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db, log: log, now: time.Now}, nil
}

// RecordCycle journals a scheduler outcome. Failures are logged, never returned.
func (d *Database) RecordCycle(o scheduler.Outcome) {
	if err := d.SaveCycle(fromOutcome(o)); err != nil {
		d.log.Warnw("journaling cycle failed", "cycle", o.Index, "err", err)
	}
}

func (d *Database) SaveCycle(rec *CycleRecord) error {
	return d.db.Create(rec).Error
}

// RecentCycles returns up to limit records, newest first.
func (d *Database) RecentCycles(limit int) ([]CycleRecord, error) {
	var records []CycleRecord
	result := d.db.Order("timestamp desc").Order("cycle desc").Limit(limit).Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// CyclesByRange returns the cycles started between from and to, newest first.
func (d *Database) CyclesByRange(from, to time.Time) ([]CycleRecord, error) {
	var records []CycleRecord
	result := d.db.Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp desc").
		Find(&records)
	if result.Error != nil {
		return nil, result.Error
	}
	return records, nil
}

// CountByResult aggregates the journal per result.
func (d *Database) CountByResult() ([]ResultCount, error) {
	var counts []ResultCount
	result := d.db.Model(&CycleRecord{}).
		Select("result, COUNT(*) as count").
		Group("result").
		Order("result").
		Scan(&counts)
	if result.Error != nil {
		return nil, result.Error
	}
	return counts, nil
}

// Prune deletes records older than the retention and returns how many were removed.
func (d *Database) Prune(olderThan time.Duration) (int64, error) {
	cutoff := d.now().Add(-olderThan)
	result := d.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&CycleRecord{})
	return result.RowsAffected, result.Error
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromOutcome(o scheduler.Outcome) *CycleRecord {
	rec := &CycleRecord{
		Cycle:          o.Index,
		Timestamp:      o.Start,
		DurationMs:     o.Duration.Milliseconds(),
		Result:         string(o.Result),
		Error:          o.Err,
		FailedChannels: strings.Join(o.FailedChannels, ","),
	}
	if s := o.Status; s != nil {
		rec.SerialNumber = s.SerialNumber
		rec.Mode = s.Current.Mode
		rec.Setpoint = s.Current.Setpoint
		rec.IndoorTemperature = s.Current.IndoorTemperature
		rec.OutdoorTemperature = s.Current.OutdoorTemperature
		rec.Pressure = s.Current.Pressure
		rec.SupplyTemperature = s.Current.SupplyTemperature
		rec.HotWaterActive = s.Current.HotWaterActive
		rec.BoilerState = s.Current.BoilerState
	}
	return rec
}
