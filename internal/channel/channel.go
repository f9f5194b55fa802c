package channel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

// ErrNotSupported is returned by channels that cannot import history.
var ErrNotSupported = errors.New("not supported by channel")

// Channel is an output sink for normalized records. Implementations own their clients and
// must not mutate the records they receive.
type Channel interface {
	Name() string
	// Available reports whether the channel's configuration is present and well formed.
	Available() bool
	Publish(ctx context.Context, status *model.StatusRecord) error
	ImportHistory(ctx context.Context, history *model.HistoryRecord) error
	End() error
}

// Starter is implemented by channels that hold a long-lived connection. Start is called
// once before the first broadcast.
type Starter interface {
	Start() error
}

// PublishError is a failure isolated to one channel.
type PublishError struct {
	Channel string
	Op      string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Available filters the channels that participate in broadcasts.
func Available(channels []Channel) []Channel {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c.Available() {
			out = append(out, c)
		}
	}
	return out
}

// PublishAll sends status to every channel concurrently and waits for all of them. It never
// fails; the names of the channels that failed are returned sorted.
func PublishAll(ctx context.Context, channels []Channel, status *model.StatusRecord, log *logger.Logger) []string {
	return broadcast(channels, "publish", log, func(c Channel) error {
		return c.Publish(ctx, status)
	})
}

// ImportAll sends history to every channel concurrently. Channels without history support
// are logged at debug level and not reported as failed.
func ImportAll(ctx context.Context, channels []Channel, history *model.HistoryRecord, log *logger.Logger) []string {
	return broadcast(channels, "import history", log, func(c Channel) error {
		return c.ImportHistory(ctx, history)
	})
}

// StartAll starts every channel implementing Starter. Failures are logged; such a channel
// retries on its next publish.
func StartAll(channels []Channel, log *logger.Logger) {
	for _, c := range channels {
		s, ok := c.(Starter)
		if !ok {
			continue
		}
		if err := s.Start(); err != nil {
			log.Warnw("channel start failed", "channel", c.Name(), "err", err)
		}
	}
}

// EndAll releases every channel, logging failures.
func EndAll(channels []Channel, log *logger.Logger) {
	for _, c := range channels {
		if err := c.End(); err != nil {
			log.Warnw("channel end failed", "channel", c.Name(), "err", err)
		}
	}
}

func broadcast(channels []Channel, op string, log *logger.Logger, f func(Channel) error) []string {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, c := range channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			err := safeCall(c, f)
			if err == nil {
				return
			}
			if errors.Is(err, ErrNotSupported) {
				log.Debugw("channel skipped", "channel", c.Name(), "op", op)
				return
			}
			log.Warnw("channel failed", "channel", c.Name(), "op", op, "err", err)
			mu.Lock()
			failed = append(failed, c.Name())
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	sort.Strings(failed)
	return failed
}

func safeCall(c Channel, f func(Channel) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return f(c)
}
