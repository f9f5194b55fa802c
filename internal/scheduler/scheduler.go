package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/connector"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

// idle is the activeCycleIndex sentinel.
const idle int64 = -1

// Fetcher produces one status record per cycle.
type Fetcher interface {
	FetchStatus(ctx context.Context) (*model.StatusRecord, error)
}

type Config struct {
	Fetcher   Fetcher
	Channels  []channel.Channel
	Interval  time.Duration
	Recorders []Recorder
}

// Scheduler polls the fetcher on a fixed cadence. At most one fetch-and-publish cycle is
// in flight; ticks that arrive while a cycle runs are skipped.
type Scheduler struct {
	fetcher   Fetcher
	channels  []channel.Channel
	interval  time.Duration
	recorders []Recorder
	log       *logger.Logger
	now       func() time.Time

	mu               sync.Mutex
	lastCycleIndex   int64
	activeCycleIndex int64

	wg sync.WaitGroup
}

func NewScheduler(cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		fetcher:          cfg.Fetcher,
		channels:         cfg.Channels,
		interval:         cfg.Interval,
		recorders:        cfg.Recorders,
		log:              log,
		now:              time.Now,
		activeCycleIndex: idle,
	}
}

// Run triggers one cycle immediately, then one per interval until ctx is done. It returns
// after the in-flight cycle, if any, has settled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %s", s.interval)
	}
	s.log.Infow("starting scheduler", "interval", s.interval, "channels", channelNames(s.channels))

	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping, waiting for in-flight cycle")
			s.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts a cycle unless one is already in flight. It reports whether a cycle started.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	thisCycle := s.lastCycleIndex
	s.lastCycleIndex++
	if active := s.activeCycleIndex; active != idle {
		s.mu.Unlock()
		s.log.Infow("previous cycle still running, skipping", "cycle", thisCycle, "active", active)
		s.record(Outcome{Index: thisCycle, Start: s.now(), Result: ResultSkipped})
		return false
	}
	s.activeCycleIndex = thisCycle
	s.wg.Add(1)
	s.mu.Unlock()

	// A cycle is allowed to settle after shutdown has been requested.
	go s.runCycle(context.WithoutCancel(ctx), thisCycle)
	return true
}

// Wait blocks until the in-flight cycle has settled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Active reports whether a cycle is in flight.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCycleIndex != idle
}

func (s *Scheduler) runCycle(ctx context.Context, index int64) {
	out := Outcome{Index: index, Start: s.now()}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("cycle panicked", "cycle", index, "panic", r, "stack", string(debug.Stack()))
			out.Result = ResultFetchFailed
			out.Err = fmt.Sprint(r)
		}
		out.Duration = s.now().Sub(out.Start)

		s.mu.Lock()
		s.activeCycleIndex = idle
		s.mu.Unlock()

		s.record(out)
		s.wg.Done()
	}()

	status, err := s.fetcher.FetchStatus(ctx)
	switch {
	case errors.Is(err, connector.ErrAwaitingReconnect):
		s.log.Infow("thermostat reconnect in progress, retrying next cycle", "cycle", index)
		out.Result = ResultAwaitingReconnect
		out.Err = err.Error()
		return
	case err != nil:
		s.log.Errorw("fetching status failed", "cycle", index, "err", err)
		out.Result = ResultFetchFailed
		out.Err = err.Error()
		return
	}

	out.Status = status
	out.FailedChannels = channel.PublishAll(ctx, s.channels, status, s.log)
	out.Result = ResultOK
	s.log.Infow("cycle completed", "cycle", index, "failed_channels", out.FailedChannels)
}

func (s *Scheduler) record(out Outcome) {
	for _, r := range s.recorders {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.log.Errorw("recorder panicked", "cycle", out.Index, "panic", p)
				}
			}()
			r.RecordCycle(out)
		}()
	}
}

func channelNames(channels []channel.Channel) []string {
	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, c.Name())
	}
	return names
}
