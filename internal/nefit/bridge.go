package nefit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DateLayout is the day format used by the thermostat for gas usage entries.
const DateLayout = "02-01-2006"

const defaultRequestTimeout = 30 * time.Second

// BridgeDialer opens sessions on a protocol gateway that speaks the Nefit Easy XMPP
// protocol on our behalf and exposes it as JSON over HTTP.
type BridgeDialer struct {
	baseURL     string
	credentials Credentials
	client      *http.Client
}

// NewBridgeDialer returns a dialer for the gateway at baseURL. A zero timeout selects 30s.
func NewBridgeDialer(baseURL string, creds Credentials, timeout time.Duration) *BridgeDialer {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &BridgeDialer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: creds,
		client:      &http.Client{Timeout: timeout},
	}
}

// Dial performs the connect handshake and returns a live session.
func (d *BridgeDialer) Dial(ctx context.Context) (Session, error) {
	s := &bridgeSession{baseURL: d.baseURL, credentials: d.credentials, client: d.client}
	body := map[string]string{
		"serialNumber": d.credentials.SerialNumber,
		"accessKey":    d.credentials.AccessKey,
		"password":     d.credentials.Password,
	}
	if err := s.do(ctx, http.MethodPost, "/bridge/connect", body, nil); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.baseURL, err)
	}
	return s, nil
}

type bridgeSession struct {
	baseURL     string
	credentials Credentials
	client      *http.Client

	mu    sync.Mutex
	ended bool
}

type gasUsageWire struct {
	Date                      string  `json:"date"`
	CentralHeating            float64 `json:"central heating"`
	HotWater                  float64 `json:"hot water"`
	AverageOutdoorTemperature float64 `json:"average outdoor temperature"`
}

type pagesWire struct {
	Pages int `json:"pages"`
}

type valueWire struct {
	Value any `json:"value"`
}

func (s *bridgeSession) Status(ctx context.Context) (DeviceStatus, error) {
	var st DeviceStatus
	err := s.do(ctx, http.MethodGet, "/bridge/status", nil, &st)
	return st, err
}

func (s *bridgeSession) Pressure(ctx context.Context) (Pressure, error) {
	var p Pressure
	err := s.do(ctx, http.MethodGet, "/bridge/pressure", nil, &p)
	return p, err
}

func (s *bridgeSession) SupplyTemperature(ctx context.Context) (SupplyTemperature, error) {
	var t SupplyTemperature
	err := s.do(ctx, http.MethodGet, "/bridge/supply-temperature", nil, &t)
	return t, err
}

func (s *bridgeSession) GasUsage(ctx context.Context, page int) ([]GasUsageEntry, error) {
	if page < 1 {
		page = 1
	}
	var raw []gasUsageWire
	if err := s.do(ctx, http.MethodGet, "/bridge/gas-usage/"+strconv.Itoa(page), nil, &raw); err != nil {
		return nil, err
	}
	entries := make([]GasUsageEntry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, GasUsageEntry{
			Date:                      ParseDate(r.Date),
			CentralHeating:            r.CentralHeating,
			HotWater:                  r.HotWater,
			AverageOutdoorTemperature: r.AverageOutdoorTemperature,
		})
	}
	return entries, nil
}

func (s *bridgeSession) GasUsagePageCount(ctx context.Context) (int, error) {
	var p pagesWire
	if err := s.do(ctx, http.MethodGet, "/bridge/gas-usage/pages", nil, &p); err != nil {
		return 0, err
	}
	return p.Pages, nil
}

func (s *bridgeSession) SetUserMode(ctx context.Context, mode string) error {
	return s.do(ctx, http.MethodPut, "/bridge/mode", valueWire{Value: mode}, nil)
}

func (s *bridgeSession) SetTemperature(ctx context.Context, celsius float64) error {
	return s.do(ctx, http.MethodPut, "/bridge/temperature", valueWire{Value: celsius}, nil)
}

func (s *bridgeSession) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.send(ctx, http.MethodPost, "/bridge/disconnect", nil, nil)
}

func (s *bridgeSession) do(ctx context.Context, method, path string, in, out any) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return fmt.Errorf("session ended")
	}
	return s.send(ctx, method, path, in, out)
}

func (s *bridgeSession) send(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Serial-Number", s.credentials.SerialNumber)
	req.Header.Set("X-Access-Key", s.credentials.AccessKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s bad status: %s", path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", path, err)
	}
	return nil
}

// ParseDate parses a device day. Unreadable input yields the zero time.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation(DateLayout, s, time.UTC); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
