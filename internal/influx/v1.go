package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

type V1Config struct {
	Host     string
	Port     int
	Protocol string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

func (c V1Config) Validate() error {
	if c.Host == "" {
		return errors.New("influxdb host is required")
	}
	if c.Database == "" {
		return errors.New("influxdb database is required")
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		return fmt.Errorf("influxdb protocol must be http or https, got %q", c.Protocol)
	}
	return nil
}

// Addr is the HTTP address of the server.
func (c V1Config) Addr() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

// batchWriter is the part of client.Client the channel uses.
type batchWriter interface {
	Write(bp client.BatchPoints) error
	Close() error
}

// V1 writes to an InfluxDB 1.x database. Data of a failed write is dropped and the client is
// rebuilt on the next call.
type V1 struct {
	cfg V1Config
	log *logger.Logger

	newClient func(V1Config) (batchWriter, error)
	now       func() time.Time

	mu     sync.Mutex
	client batchWriter
}

func NewV1(cfg V1Config, log *logger.Logger) *V1 {
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}
	if cfg.Port == 0 {
		cfg.Port = 8086
	}
	return &V1{cfg: cfg, log: log, newClient: newHTTPClient, now: time.Now}
}

func newHTTPClient(cfg V1Config) (batchWriter, error) {
	return client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
	})
}

func (v *V1) Name() string { return "influxdb" }

func (v *V1) Available() bool { return v.cfg.Validate() == nil }

func (v *V1) Publish(_ context.Context, status *model.StatusRecord) error {
	samples, skipped := statusSamples(status)
	for _, m := range skipped {
		v.log.Debugw("skipping measurement, data incomplete", "measurement", m)
	}
	return v.write("publish", status.SerialNumber, samples)
}

func (v *V1) ImportHistory(_ context.Context, history *model.HistoryRecord) error {
	samples, skipped := historySamples(history)
	if skipped > 0 {
		v.log.Debugw("skipping gas usage entries without timestamp", "count", skipped)
	}
	return v.write("import history", history.SerialNumber, samples)
}

func (v *V1) End() error {
	v.mu.Lock()
	c := v.client
	v.client = nil
	v.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

func (v *V1) write(op, serial string, samples []sample) error {
	if len(samples) == 0 {
		v.log.Debugw("no data points to write", "op", op)
		return nil
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: v.cfg.Database, Precision: "s"})
	if err != nil {
		return &channel.PublishError{Channel: v.Name(), Op: op, Err: err}
	}
	tags := map[string]string{"device_serial": serial}
	for _, s := range samples {
		ts := s.ts
		if ts.IsZero() {
			ts = v.now()
		}
		pt, err := client.NewPoint(s.measurement, tags, s.fields, ts)
		if err != nil {
			return &channel.PublishError{Channel: v.Name(), Op: op, Err: err}
		}
		bp.AddPoint(pt)
	}

	c, err := v.ensureClient()
	if err != nil {
		return &channel.PublishError{Channel: v.Name(), Op: op, Err: err}
	}
	if err := c.Write(bp); err != nil {
		v.invalidate(c)
		return &channel.PublishError{Channel: v.Name(), Op: op, Err: err}
	}
	v.log.Debugw("points written", "op", op, "addr", v.cfg.Addr(), "database", v.cfg.Database, "points", len(samples))
	return nil
}

func (v *V1) ensureClient() (batchWriter, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		return v.client, nil
	}
	v.log.Debug("building InfluxDB client")
	c, err := v.newClient(v.cfg)
	if err != nil {
		return nil, fmt.Errorf("influxdb client: %w", err)
	}
	v.client = c
	return c, nil
}

func (v *V1) invalidate(c batchWriter) {
	v.mu.Lock()
	if v.client == c {
		v.client = nil
	}
	v.mu.Unlock()
	_ = c.Close()
}
