package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

type stubChannel struct {
	name      string
	available bool
	err       error
	panics    bool
	published atomic.Int32
	imported  atomic.Int32
}

func (s *stubChannel) Name() string    { return s.name }
func (s *stubChannel) Available() bool { return s.available }
func (s *stubChannel) End() error      { return nil }

func (s *stubChannel) Publish(context.Context, *model.StatusRecord) error {
	if s.panics {
		panic("disk on fire")
	}
	s.published.Add(1)
	return s.err
}

func (s *stubChannel) ImportHistory(context.Context, *model.HistoryRecord) error {
	s.imported.Add(1)
	return s.err
}

func sampleStatus() *model.StatusRecord {
	return &model.StatusRecord{
		SerialNumber: "123456789",
		Current: model.CurrentState{
			Mode:     model.ModeClock,
			Setpoint: model.Float(20),
		},
	}
}

func TestPublishAll_IsolatesFailures(t *testing.T) {
	t.Parallel()

	ok := &stubChannel{name: "console", available: true}
	broken := &stubChannel{name: "file", available: true, err: errors.New("disk full")}
	crashing := &stubChannel{name: "mqtt", available: true, panics: true}

	failed := PublishAll(context.Background(), []Channel{ok, broken, crashing}, sampleStatus(), logger.Nop())

	if ok.published.Load() != 1 {
		t.Fatalf("healthy channel must still receive the record")
	}
	if len(failed) != 2 || failed[0] != "file" || failed[1] != "mqtt" {
		t.Fatalf("unexpected failed list: %v", failed)
	}
}

func TestImportAll_NotSupportedIsNotAFailure(t *testing.T) {
	t.Parallel()

	ok := &stubChannel{name: "influxdb", available: true}
	unsupported := &stubChannel{name: "file", available: true, err: ErrNotSupported}

	failed := ImportAll(context.Background(), []Channel{ok, unsupported}, &model.HistoryRecord{}, logger.Nop())
	if len(failed) != 0 {
		t.Fatalf("want no failures, got %v", failed)
	}
	if ok.imported.Load() != 1 || unsupported.imported.Load() != 1 {
		t.Fatalf("every channel must be called")
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()

	got := Available([]Channel{
		&stubChannel{name: "a", available: true},
		&stubChannel{name: "b"},
		&stubChannel{name: "c", available: true},
	})
	if len(got) != 2 || got[0].Name() != "a" || got[1].Name() != "c" {
		t.Fatalf("unexpected available channels: %v", got)
	}
}

func TestConsole_WritesPrettyJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewConsole(&buf)
	if !c.Available() {
		t.Fatalf("console must always be available")
	}
	if err := c.Publish(context.Background(), sampleStatus()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  \"serialNumber\": \"123456789\"") {
		t.Fatalf("expected indented JSON, got %s", buf.String())
	}
}

func TestFile_OverwritesOnPublish(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "status.log")
	f := NewFile(path)
	ctx := context.Background()

	first := sampleStatus()
	second := sampleStatus()
	second.SerialNumber = "987654321"

	if err := f.Publish(ctx, first); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := f.Publish(ctx, second); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.StatusRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("file must hold exactly one record: %v", err)
	}
	if got.SerialNumber != "987654321" {
		t.Fatalf("file not overwritten: %s", got.SerialNumber)
	}
}

func TestFile_PublishFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := NewFile(dir) // a directory cannot be written as a file

	err := f.Publish(context.Background(), sampleStatus())
	var pe *PublishError
	if !errors.As(err, &pe) || pe.Channel != "file" {
		t.Fatalf("want PublishError, got %v", err)
	}
}

func TestFile_ImportHistoryNotSupported(t *testing.T) {
	t.Parallel()

	f := NewFile("/tmp/x")
	if err := f.ImportHistory(context.Background(), &model.HistoryRecord{}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("want ErrNotSupported, got %v", err)
	}
	if NewFile("").Available() {
		t.Fatalf("empty path must be unavailable")
	}
}

type startingChannel struct {
	stubChannel
	startErr error
	started  atomic.Int32
}

func (s *startingChannel) Start() error {
	s.started.Add(1)
	return s.startErr
}

func TestStartAll(t *testing.T) {
	ok := &startingChannel{stubChannel: stubChannel{name: "ok", available: true}}
	broken := &startingChannel{stubChannel: stubChannel{name: "broken", available: true}, startErr: errors.New("refused")}
	plain := &stubChannel{name: "plain", available: true}

	StartAll([]Channel{ok, plain, broken}, logger.Nop())

	if ok.started.Load() != 1 || broken.started.Load() != 1 {
		t.Fatalf("want every starter started once, got ok=%d broken=%d", ok.started.Load(), broken.started.Load())
	}
}
