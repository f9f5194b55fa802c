package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
	"nefit-easy-connector/internal/nefit"
)

var (
	// ErrAwaitingReconnect is returned while a reconnect is in progress. Callers retry on
	// their own schedule instead of queueing.
	ErrAwaitingReconnect = errors.New("awaiting reconnect to thermostat")

	// ErrEnded is returned after End.
	ErrEnded = errors.New("connector ended")
)

// FetchError wraps any failure reported by the remote session, including the connect step.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

const DefaultReconnectCooldown = 30 * time.Second

// Options configures a Connector.
type Options struct {
	SerialNumber      string
	ReconnectCooldown time.Duration
	// TimezoneOffset is added to every device date.
	TimezoneOffset time.Duration
	// ConversionFactor scales raw m³ gas readings.
	ConversionFactor float64
	// OnStateChange is called with the connector lock held; keep it fast.
	OnStateChange func(State)
}

// Connector owns the session to one thermostat and reconnects it transparently,
// waiting the cooldown before every reconnect except the very first connect.
type Connector struct {
	dialer nefit.Dialer
	opts   Options
	log    *logger.Logger

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time

	mu             sync.Mutex
	state          connState
	initialConnect bool
	ended          bool

	// execMu serializes command sequences on the session.
	execMu sync.Mutex
}

// New returns a disconnected connector.
func New(dialer nefit.Dialer, opts Options, log *logger.Logger) *Connector {
	if opts.ReconnectCooldown < 0 {
		opts.ReconnectCooldown = 0
	}
	if opts.ConversionFactor == 0 {
		opts.ConversionFactor = 1
	}
	return &Connector{
		dialer:         dialer,
		opts:           opts,
		log:            log,
		wait:           sleepContext,
		now:            time.Now,
		state:          disconnected{},
		initialConnect: true,
	}
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.kind()
}

// FetchStatus reads status, pressure, supply temperature and gas usage concurrently and
// returns the normalized record. Any failing read fails the whole fetch.
func (c *Connector) FetchStatus(ctx context.Context) (*model.StatusRecord, error) {
	var rec *model.StatusRecord
	err := c.execute(ctx, "fetch status", func(ctx context.Context, s nefit.Session) error {
		r, err := c.readStatus(ctx, s)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FetchHistory reads every gas usage page concurrently and returns all entries.
func (c *Connector) FetchHistory(ctx context.Context) (*model.HistoryRecord, error) {
	var rec *model.HistoryRecord
	err := c.execute(ctx, "fetch history", func(ctx context.Context, s nefit.Session) error {
		r, err := c.readHistory(ctx, s)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SetMode switches the user mode. The mode must already be validated.
func (c *Connector) SetMode(ctx context.Context, mode string) error {
	return c.execute(ctx, "set mode", func(ctx context.Context, s nefit.Session) error {
		return s.SetUserMode(ctx, mode)
	})
}

// SetTemperature changes the setpoint in °C.
func (c *Connector) SetTemperature(ctx context.Context, celsius float64) error {
	return c.execute(ctx, "set temperature", func(ctx context.Context, s nefit.Session) error {
		return s.SetTemperature(ctx, celsius)
	})
}

// End releases the session. The connector cannot be used afterwards.
func (c *Connector) End() error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	c.ended = true
	prev := c.state
	c.setState(disconnected{})
	c.mu.Unlock()

	if cs, ok := prev.(connected); ok {
		return cs.session.End()
	}
	return nil
}

// execute is the guarded execute wrapper: it makes sure a session is available, runs f
// against it and drops the session on any failure.
func (c *Connector) execute(ctx context.Context, op string, f func(context.Context, nefit.Session) error) error {
	sess, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	// A concurrent failure may have dropped the session while we waited.
	if !c.holds(sess) {
		return ErrAwaitingReconnect
	}

	if err := f(ctx, sess); err != nil {
		c.invalidate(sess)
		c.log.Warnw("operation failed, session dropped", "op", op, "err", err)
		return &FetchError{Op: op, Err: err}
	}
	return nil
}

func (c *Connector) acquire(ctx context.Context) (nefit.Session, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, ErrEnded
	}
	switch st := c.state.(type) {
	case connecting:
		c.mu.Unlock()
		return nil, ErrAwaitingReconnect
	case connected:
		c.mu.Unlock()
		return st.session, nil
	}

	first := c.initialConnect
	c.initialConnect = false
	c.setState(connecting{since: c.now()})
	c.mu.Unlock()

	if first {
		c.log.Infow("connecting to thermostat", "serial", c.opts.SerialNumber)
	} else {
		c.log.Infow("waiting before reconnecting", "cooldown", c.opts.ReconnectCooldown)
		if err := c.wait(ctx, c.opts.ReconnectCooldown); err != nil {
			c.mu.Lock()
			c.setState(disconnected{})
			c.mu.Unlock()
			return nil, err
		}
	}

	sess, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setState(disconnected{})
		c.log.Warnw("connect failed", "err", err)
		return nil, &FetchError{Op: "connect", Err: err}
	}
	if c.ended {
		c.setState(disconnected{})
		_ = sess.End()
		return nil, ErrEnded
	}
	c.setState(connected{session: sess, since: c.now()})
	c.log.Infow("connected to thermostat", "serial", c.opts.SerialNumber)
	return sess, nil
}

func (c *Connector) holds(sess nefit.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.state.(connected)
	return ok && cs.session == sess
}

// invalidate resets to Disconnected if sess is still the live session.
func (c *Connector) invalidate(sess nefit.Session) {
	c.mu.Lock()
	cs, ok := c.state.(connected)
	if !ok || cs.session != sess {
		c.mu.Unlock()
		return
	}
	c.setState(disconnected{})
	c.mu.Unlock()

	if err := sess.End(); err != nil {
		c.log.Debugw("ending dropped session", "err", err)
	}
}

// setState must be called with mu held.
func (c *Connector) setState(st connState) {
	prev := c.state
	c.state = st
	if c.opts.OnStateChange != nil && (prev == nil || prev.kind() != st.kind()) {
		c.opts.OnStateChange(st.kind())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
