package scheduler

import (
	"time"

	"nefit-easy-connector/internal/model"
)

// Result classifies a cycle.
type Result string

const (
	ResultOK                Result = "ok"
	ResultFetchFailed       Result = "fetch_failed"
	ResultAwaitingReconnect Result = "awaiting_reconnect"
	ResultSkipped           Result = "skipped"
)

// Outcome describes one scheduled tick after it settled. Skipped ticks carry only Index,
// Start and Result.
type Outcome struct {
	Index          int64
	Start          time.Time
	Duration       time.Duration
	Result         Result
	Err            string
	FailedChannels []string
	Status         *model.StatusRecord
}

// Recorder observes cycle outcomes. RecordCycle runs on the cycle goroutine and should not block.
type Recorder interface {
	RecordCycle(Outcome)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Outcome)

func (f RecorderFunc) RecordCycle(o Outcome) { f(o) }
