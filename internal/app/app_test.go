package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"nefit-easy-connector/config"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

type controllerStub struct{}

func (controllerStub) SetMode(context.Context, string) error         { return nil }
func (controllerStub) SetTemperature(context.Context, float64) error { return nil }

func baseConfig() *config.Config {
	return &config.Config{
		PollingInterval: 10,
		Nefit: config.NefitConfig{
			SerialNumber:       "123456789",
			AccessKey:          "key",
			Password:           "secret",
			ReconnectTimeout:   30,
			ConversionFactorM3: 1,
			RequestTimeout:     5,
		},
	}
}

func names(infos []ChannelInfo, pred func(ChannelInfo) bool) []string {
	var out []string
	for _, i := range infos {
		if pred(i) {
			out = append(out, i.Name)
		}
	}
	return out
}

func TestBuildChannelsFallsBackToConsole(t *testing.T) {
	channels, infos := BuildChannels(baseConfig(), controllerStub{}, logger.Nop())

	if len(channels) != 1 || channels[0].Name() != "console" {
		t.Fatalf("expected console fallback, got %v", channels)
	}
	if len(infos) != len(registry) {
		t.Fatalf("expected %d infos, got %d", len(registry), len(infos))
	}
	if got := names(infos, func(i ChannelInfo) bool { return i.Configured }); len(got) != 0 {
		t.Errorf("expected nothing configured, got %v", got)
	}
}

func TestBuildChannelsKeepsAvailableInOrder(t *testing.T) {
	cfg := baseConfig()
	cfg.File = &config.FileConfig{Path: filepath.Join(t.TempDir(), "status.log")}
	cfg.InfluxDB2 = &config.InfluxDB2Config{
		URL:          "http://localhost:8086",
		Token:        "token",
		Organization: "home",
		Bucket:       "nefit",
	}
	cfg.Console = &config.ConsoleConfig{}

	channels, _ := BuildChannels(cfg, controllerStub{}, logger.Nop())

	want := []string{"console", "file", "influxdb2"}
	if len(channels) != len(want) {
		t.Fatalf("expected %d channels, got %d", len(want), len(channels))
	}
	for i, ch := range channels {
		if ch.Name() != want[i] {
			t.Errorf("channel %d: expected %s, got %s", i, want[i], ch.Name())
		}
	}
	channels[2].End()
}

func TestBuildChannelsRecordsUnavailableReason(t *testing.T) {
	cfg := baseConfig()
	cfg.File = &config.FileConfig{Path: filepath.Join(t.TempDir(), "status.log")}
	cfg.MQTT = &config.MQTTConfig{BaseTopic: "nefit", Publish: "json"}

	channels, infos := BuildChannels(cfg, controllerStub{}, logger.Nop())

	if len(channels) != 1 || channels[0].Name() != "file" {
		t.Fatalf("expected only the file channel, got %v", channels)
	}
	var mqttInfo ChannelInfo
	for _, i := range infos {
		if i.Name == "mqtt" {
			mqttInfo = i
		}
	}
	if !mqttInfo.Configured || mqttInfo.Available {
		t.Errorf("expected mqtt configured but unavailable, got %+v", mqttInfo)
	}
	if mqttInfo.Reason == "" {
		t.Error("expected a reason for the unavailable mqtt channel")
	}
}

// gateway serves just enough of the bridge protocol for one status read.
type gateway struct {
	mu    sync.Mutex
	paths []string
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.paths = append(g.paths, r.URL.Path)
	g.mu.Unlock()

	switch r.URL.Path {
	case "/bridge/connect", "/bridge/disconnect":
		w.WriteHeader(http.StatusNoContent)
	case "/bridge/status":
		_, _ = io.WriteString(w, `{"user mode":"clock","temp setpoint":20.5,"in house temp":19.8,"outdoor temp":7,"hot water active":false,"boiler indicator":"off"}`)
	case "/bridge/pressure":
		_, _ = io.WriteString(w, `{"pressure":1.6,"unit":"bar"}`)
	case "/bridge/supply-temperature":
		_, _ = io.WriteString(w, `{"temperature":48.2,"unit":"C"}`)
	case "/bridge/gas-usage/1":
		_, _ = io.WriteString(w, `[{"date":"13-10-2026","central heating":2,"hot water":1,"average outdoor temperature":8.5}]`)
	default:
		http.NotFound(w, r)
	}
}

func (g *gateway) saw(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.paths {
		if p == path {
			return true
		}
	}
	return false
}

func TestReadOnce(t *testing.T) {
	gw := &gateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	cfg := baseConfig()
	cfg.Nefit.BridgeURL = srv.URL
	cfg.Nefit.ConversionFactorM3 = 10

	a := New(cfg, logger.Nop())
	var out bytes.Buffer
	if err := a.ReadOnce(context.Background(), &out); err != nil {
		t.Fatalf("ReadOnce failed: %v", err)
	}

	var rec model.StatusRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("output is not a status record: %v\n%s", err, out.String())
	}
	if rec.SerialNumber != "123456789" || rec.Current.Mode != "clock" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.DailyGasUsage == nil || rec.DailyGasUsage.Heating != 20 || rec.DailyGasUsage.Hotwater != 10 {
		t.Errorf("expected scaled gas usage, got %+v", rec.DailyGasUsage)
	}
	if !gw.saw("/bridge/disconnect") {
		t.Error("expected the session to be ended")
	}
}

func TestReadOnceReportsGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.Nefit.BridgeURL = srv.URL

	err := New(cfg, logger.Nop()).ReadOnce(context.Background(), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Fatalf("expected a connect error, got %v", err)
	}
}

func TestRunDaemonStopsOnCancel(t *testing.T) {
	gw := &gateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	cfg := baseConfig()
	cfg.Nefit.BridgeURL = srv.URL
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.File = &config.FileConfig{Path: filepath.Join(t.TempDir(), "status.log")}

	a := New(cfg, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.RunDaemon(ctx); err != nil {
		t.Fatalf("RunDaemon returned %v", err)
	}
	if !gw.saw("/bridge/status") {
		t.Error("expected the immediate first cycle to read the status")
	}
}
