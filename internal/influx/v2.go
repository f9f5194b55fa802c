package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

type V2Config struct {
	URL          string
	Token        string
	Organization string
	Bucket       string
	Timeout      time.Duration
}

func (c V2Config) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("influxdb2 url is required")
	case c.Token == "":
		return errors.New("influxdb2 token is required")
	case c.Organization == "":
		return errors.New("influxdb2 organization is required")
	case c.Bucket == "":
		return errors.New("influxdb2 bucket is required")
	}
	return nil
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
	Close()
}

type blockingWriter struct {
	client influxdb2.Client
	api.WriteAPIBlocking
}

func (b *blockingWriter) Close() { b.client.Close() }

// V2 writes to an InfluxDB 2.x bucket with second precision.
type V2 struct {
	cfg V2Config
	log *logger.Logger

	newWriter func(V2Config) pointWriter
	now       func() time.Time

	mu     sync.Mutex
	writer pointWriter
}

func NewV2(cfg V2Config, log *logger.Logger) *V2 {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &V2{cfg: cfg, log: log, newWriter: newBlockingWriter, now: time.Now}
}

func newBlockingWriter(cfg V2Config) pointWriter {
	opts := influxdb2.DefaultOptions().
		SetPrecision(time.Second).
		SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &blockingWriter{client: c, WriteAPIBlocking: c.WriteAPIBlocking(cfg.Organization, cfg.Bucket)}
}

func (v *V2) Name() string { return "influxdb2" }

func (v *V2) Available() bool { return v.cfg.Validate() == nil }

func (v *V2) Publish(ctx context.Context, status *model.StatusRecord) error {
	samples, skipped := statusSamples(status)
	for _, m := range skipped {
		v.log.Debugw("skipping measurement, data incomplete", "measurement", m)
	}
	return v.write(ctx, "publish", status.SerialNumber, samples)
}

func (v *V2) ImportHistory(ctx context.Context, history *model.HistoryRecord) error {
	samples, skipped := historySamples(history)
	if skipped > 0 {
		v.log.Debugw("skipping gas usage entries without timestamp", "count", skipped)
	}
	return v.write(ctx, "import history", history.SerialNumber, samples)
}

func (v *V2) End() error {
	v.mu.Lock()
	w := v.writer
	v.writer = nil
	v.mu.Unlock()
	if w != nil {
		w.Close()
	}
	return nil
}

func (v *V2) write(ctx context.Context, op, serial string, samples []sample) error {
	if len(samples) == 0 {
		v.log.Debugw("no data points to write", "op", op)
		return nil
	}

	tags := map[string]string{"serial": serial}
	points := make([]*write.Point, 0, len(samples))
	for _, s := range samples {
		ts := s.ts
		if ts.IsZero() {
			ts = v.now()
		}
		points = append(points, influxdb2.NewPoint(s.measurement, tags, s.fields, ts))
	}

	w := v.ensureWriter()
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	if err := w.WritePoint(ctx, points...); err != nil {
		v.invalidate(w)
		return &channel.PublishError{Channel: v.Name(), Op: op, Err: fmt.Errorf("write to %s/%s: %w", v.cfg.Organization, v.cfg.Bucket, err)}
	}
	v.log.Debugw("points written", "op", op, "url", v.cfg.URL, "bucket", v.cfg.Bucket, "points", len(points))
	return nil
}

func (v *V2) ensureWriter() pointWriter {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.writer == nil {
		v.log.Debug("building InfluxDB v2 client")
		v.writer = v.newWriter(v.cfg)
	}
	return v.writer
}

func (v *V2) invalidate(w pointWriter) {
	v.mu.Lock()
	if v.writer == w {
		v.writer = nil
	}
	v.mu.Unlock()
	w.Close()
}
