package influx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	client "github.com/influxdata/influxdb1-client/v2"

	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func completeStatus() *model.StatusRecord {
	return &model.StatusRecord{
		SerialNumber: "123456789",
		Current: model.CurrentState{
			Mode:               model.ModeManual,
			Setpoint:           model.Float(21),
			IndoorTemperature:  model.Float(20.4),
			OutdoorTemperature: model.Float(5.5),
			Pressure:           model.Float(1.8),
			SupplyTemperature:  model.Float(52),
		},
		DailyGasUsage: &model.GasUsage{
			Heating:   3.2,
			Hotwater:  0.8,
			Timestamp: time.Date(2026, 10, 13, 1, 0, 0, 0, time.UTC),
		},
	}
}

func TestStatusSamples(t *testing.T) {
	t.Parallel()

	full, skipped := statusSamples(completeStatus())
	if len(full) != 2 || len(skipped) != 0 {
		t.Fatalf("want 2 samples, got %d (skipped %v)", len(full), skipped)
	}
	if full[0].fields["mode"] != "manual" || full[0].fields["supply_temperature"] != 52.0 {
		t.Errorf("unexpected current fields: %v", full[0].fields)
	}

	partial := completeStatus()
	partial.Current.Pressure = nil
	partial.DailyGasUsage.Timestamp = time.Time{}
	got, skipped := statusSamples(partial)
	if len(got) != 0 {
		t.Fatalf("partial current and undated usage must both be skipped, got %v", got)
	}
	if len(skipped) != 2 {
		t.Fatalf("want two skipped measurements, got %v", skipped)
	}
}

func TestStatusSamples_NoGasUsage(t *testing.T) {
	t.Parallel()

	s := completeStatus()
	s.DailyGasUsage = nil
	got, skipped := statusSamples(s)
	if len(got) != 1 || got[0].measurement != MeasurementCurrent {
		t.Fatalf("want only the current sample, got %v", got)
	}
	if len(skipped) != 1 || skipped[0] != MeasurementGasUsage {
		t.Fatalf("want gas usage skipped, got %v", skipped)
	}
}

func TestHistorySamples_SkipsUndatedEntries(t *testing.T) {
	t.Parallel()

	h := &model.HistoryRecord{GasUsage: []model.GasUsage{
		{Heating: 1, Timestamp: fixedNow},
		{Heating: 2},
		{Heating: 3, Timestamp: fixedNow.Add(24 * time.Hour)},
	}}
	got, skipped := historySamples(h)
	if len(got) != 2 || skipped != 1 {
		t.Fatalf("want 2 samples and 1 skipped, got %d and %d", len(got), skipped)
	}
	if got[1].fields["heating"] != 3.0 {
		t.Errorf("remaining entries must still be processed: %v", got[1].fields)
	}
}

// ---- v1 ----

type fakeBatchWriter struct {
	mu      sync.Mutex
	err     error
	batches []client.BatchPoints
	closed  bool
}

func (f *fakeBatchWriter) Write(bp client.BatchPoints) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, bp)
	return nil
}

func (f *fakeBatchWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newTestV1(writers *[]*fakeBatchWriter, failFirst bool) *V1 {
	v := NewV1(V1Config{Host: "influx", Database: "nefit"}, logger.Nop())
	v.now = func() time.Time { return fixedNow }
	v.newClient = func(V1Config) (batchWriter, error) {
		w := &fakeBatchWriter{}
		if failFirst && len(*writers) == 0 {
			w.err = errors.New("connection reset")
		}
		*writers = append(*writers, w)
		return w, nil
	}
	return v
}

func TestV1_Defaults(t *testing.T) {
	t.Parallel()

	v := NewV1(V1Config{Host: "influx", Database: "nefit"}, logger.Nop())
	if v.cfg.Addr() != "http://influx:8086" {
		t.Fatalf("unexpected addr %s", v.cfg.Addr())
	}
	if !v.Available() {
		t.Fatalf("minimal config must be available")
	}
	if NewV1(V1Config{Host: "influx"}, logger.Nop()).Available() {
		t.Fatalf("missing database must be unavailable")
	}
}

func TestV1_Publish(t *testing.T) {
	var writers []*fakeBatchWriter
	v := newTestV1(&writers, false)

	if err := v.Publish(context.Background(), completeStatus()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writers) != 1 || len(writers[0].batches) != 1 {
		t.Fatalf("want one batch")
	}
	bp := writers[0].batches[0]
	if bp.Database() != "nefit" || bp.Precision() != "s" {
		t.Errorf("unexpected batch config %s/%s", bp.Database(), bp.Precision())
	}
	pts := bp.Points()
	if len(pts) != 2 {
		t.Fatalf("want 2 points, got %d", len(pts))
	}
	if pts[0].Name() != MeasurementCurrent || !pts[0].Time().Equal(fixedNow) {
		t.Errorf("unexpected current point %s", pts[0].String())
	}
	if pts[0].Tags()["device_serial"] != "123456789" {
		t.Errorf("missing serial tag: %v", pts[0].Tags())
	}
	if pts[1].Name() != MeasurementGasUsage || !pts[1].Time().Equal(completeStatus().DailyGasUsage.Timestamp) {
		t.Errorf("unexpected gas usage point %s", pts[1].String())
	}
}

func TestV1_NothingToWrite(t *testing.T) {
	var writers []*fakeBatchWriter
	v := newTestV1(&writers, false)

	if err := v.Publish(context.Background(), &model.StatusRecord{SerialNumber: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(writers) != 0 {
		t.Fatalf("no client must be built when nothing is written")
	}
}

func TestV1_FailureRebuildsClient(t *testing.T) {
	var writers []*fakeBatchWriter
	v := newTestV1(&writers, true)
	ctx := context.Background()

	err := v.Publish(ctx, completeStatus())
	var pe *channel.PublishError
	if !errors.As(err, &pe) || pe.Channel != "influxdb" {
		t.Fatalf("want PublishError, got %v", err)
	}
	if !writers[0].closed {
		t.Fatalf("failed client must be closed")
	}

	if err := v.Publish(ctx, completeStatus()); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if len(writers) != 2 {
		t.Fatalf("client must be rebuilt, got %d", len(writers))
	}
}

func TestV1_ImportHistory(t *testing.T) {
	var writers []*fakeBatchWriter
	v := newTestV1(&writers, false)

	h := &model.HistoryRecord{SerialNumber: "1", GasUsage: []model.GasUsage{
		{Heating: 1, Timestamp: fixedNow},
		{Heating: 2},
	}}
	if err := v.ImportHistory(context.Background(), h); err != nil {
		t.Fatalf("import: %v", err)
	}
	if n := len(writers[0].batches[0].Points()); n != 1 {
		t.Fatalf("want 1 point, got %d", n)
	}
	if err := v.End(); err != nil || !writers[0].closed {
		t.Fatalf("end must close the client: %v", err)
	}
}

// ---- v2 ----

type fakePointWriter struct {
	mu     sync.Mutex
	err    error
	points []*write.Point
	closed bool
}

func (f *fakePointWriter) WritePoint(_ context.Context, pts ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, pts...)
	return nil
}

func (f *fakePointWriter) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func newTestV2(writers *[]*fakePointWriter, failFirst bool) *V2 {
	v := NewV2(V2Config{URL: "http://influx:8086", Token: "t", Organization: "home", Bucket: "nefit"}, logger.Nop())
	v.now = func() time.Time { return fixedNow }
	v.newWriter = func(V2Config) pointWriter {
		w := &fakePointWriter{}
		if failFirst && len(*writers) == 0 {
			w.err = errors.New("401 unauthorized")
		}
		*writers = append(*writers, w)
		return w
	}
	return v
}

func TestV2_Validate(t *testing.T) {
	t.Parallel()

	ok := V2Config{URL: "u", Token: "t", Organization: "o", Bucket: "b"}
	if ok.Validate() != nil {
		t.Fatalf("complete config must validate")
	}
	for _, mutate := range []func(*V2Config){
		func(c *V2Config) { c.URL = "" },
		func(c *V2Config) { c.Token = "" },
		func(c *V2Config) { c.Organization = "" },
		func(c *V2Config) { c.Bucket = "" },
	} {
		c := ok
		mutate(&c)
		if c.Validate() == nil {
			t.Errorf("incomplete config validated: %+v", c)
		}
	}
}

func TestV2_Publish(t *testing.T) {
	var writers []*fakePointWriter
	v := newTestV2(&writers, false)

	if err := v.Publish(context.Background(), completeStatus()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	pts := writers[0].points
	if len(pts) != 2 {
		t.Fatalf("want 2 points, got %d", len(pts))
	}
	line := write.PointToLineProtocol(pts[0], time.Second)
	if !strings.HasPrefix(line, "nefit_easy_current,serial=123456789 ") || !strings.Contains(line, `mode="manual"`) {
		t.Errorf("unexpected line protocol: %s", line)
	}
	if !pts[1].Time().Equal(completeStatus().DailyGasUsage.Timestamp) {
		t.Errorf("gas usage point must carry the device timestamp: %v", pts[1].Time())
	}
}

func TestV2_FailureRebuildsWriter(t *testing.T) {
	var writers []*fakePointWriter
	v := newTestV2(&writers, true)
	ctx := context.Background()

	if err := v.Publish(ctx, completeStatus()); err == nil {
		t.Fatalf("expected error")
	}
	if !writers[0].closed {
		t.Fatalf("failed writer must be closed")
	}
	if err := v.ImportHistory(ctx, &model.HistoryRecord{GasUsage: []model.GasUsage{{Timestamp: fixedNow}}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(writers) != 2 || len(writers[1].points) != 1 {
		t.Fatalf("writer must be rebuilt and used")
	}
}
