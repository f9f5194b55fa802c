package importer

import (
	"context"
	"fmt"

	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

// Connector is the part of the thermostat connector used for a history import.
type Connector interface {
	FetchHistory(ctx context.Context) (*model.HistoryRecord, error)
	End() error
}

// WatchToggle switches the exit-on-config-change behaviour.
type WatchToggle interface {
	SetExitOnChange(bool)
}

// Summary reports a finished import.
type Summary struct {
	Entries        int
	FailedChannels []string
}

// Runner imports the full gas usage history once. It is the one-shot alternative to the
// scheduler.
type Runner struct {
	conn     Connector
	channels []channel.Channel
	watch    WatchToggle
	log      *logger.Logger
}

// NewRunner returns a runner. watch may be nil.
func NewRunner(conn Connector, channels []channel.Channel, watch WatchToggle, log *logger.Logger) *Runner {
	return &Runner{conn: conn, channels: channels, watch: watch, log: log}
}

// Run fetches the history, hands it to every channel concurrently and ends the connector and
// all channels, whatever the outcome. A fetch failure is returned without retry.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	if r.watch != nil {
		r.watch.SetExitOnChange(false)
	}
	defer r.end()

	r.log.Info("importing gas usage history")
	history, err := r.conn.FetchHistory(ctx)
	if err != nil {
		r.log.Errorw("unable to import history, fetch failed", "err", err)
		return Summary{}, fmt.Errorf("fetch history: %w", err)
	}
	r.log.Debugw("history fetched", "serial", history.SerialNumber, "entries", len(history.GasUsage))

	failed := channel.ImportAll(ctx, r.channels, history, r.log)
	r.log.Infow("completed import of history", "entries", len(history.GasUsage), "failed_channels", failed)
	return Summary{Entries: len(history.GasUsage), FailedChannels: failed}, nil
}

func (r *Runner) end() {
	if err := r.conn.End(); err != nil {
		r.log.Warnw("ending connector failed", "err", err)
	}
	channel.EndAll(r.channels, r.log)
}
