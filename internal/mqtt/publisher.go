package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
)

// Publish modes.
const (
	PublishJSON   = "json"
	PublishFields = "fields"
	PublishBoth   = "both"
)

const defaultTimeout = 10 * time.Second

var errTimeout = errors.New("timed out waiting for broker")

// Controller receives validated inbound commands.
type Controller interface {
	SetMode(ctx context.Context, mode string) error
	SetTemperature(ctx context.Context, celsius float64) error
}

type PublisherConfig struct {
	URL       string
	ClientID  string
	Username  string
	Password  string
	BaseTopic string
	Publish   string

	// WillTopic enables the last will. Offline is set as will, Online is published on connect.
	WillTopic   string
	WillOnline  string
	WillOffline string

	// Commands subscribes <base>/set/mode and <base>/set/setpoint.
	Commands bool
	Timeout  time.Duration
}

// Validate reports whether the configuration can be used.
func (c PublisherConfig) Validate() error {
	if c.URL == "" {
		return errors.New("mqtt url is required")
	}
	if c.BaseTopic == "" {
		return errors.New("mqtt base_topic is required")
	}
	switch c.Publish {
	case PublishJSON, PublishFields, PublishBoth:
	default:
		return fmt.Errorf("mqtt publish must be json, fields or both, got %q", c.Publish)
	}
	return nil
}

// Publisher is the MQTT channel. It holds one cached broker connection that is dropped on
// any publish failure and rebuilt on the next publish.
type Publisher struct {
	cfg  PublisherConfig
	ctrl Controller
	log  *logger.Logger

	newClient func(*paho.ClientOptions) paho.Client

	cmdCtx    context.Context
	cmdCancel context.CancelFunc

	mu     sync.Mutex
	client paho.Client
}

// NewPublisher returns an MQTT channel. ctrl may be nil when commands are disabled.
func NewPublisher(cfg PublisherConfig, ctrl Controller, log *logger.Logger) *Publisher {
	if cfg.Publish == "" {
		cfg.Publish = PublishJSON
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "nefit-easy-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseTopic = strings.TrimRight(cfg.BaseTopic, "/")

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		cfg:       cfg,
		ctrl:      ctrl,
		log:       log,
		newClient: paho.NewClient,
		cmdCtx:    ctx,
		cmdCancel: cancel,
	}
}

func (p *Publisher) Name() string { return "mqtt" }

func (p *Publisher) Available() bool {
	return p.cfg.Validate() == nil
}

// Start connects to the broker, publishing the online state and subscribing to commands
// without waiting for the first status. On failure Publish connects again.
func (p *Publisher) Start() error {
	if _, err := p.ensureClient(); err != nil {
		return &channel.PublishError{Channel: p.Name(), Op: "connect", Err: err}
	}
	return nil
}

// Publish sends the record as one JSON document to the base topic, one message per field
// under <base>/state/, or both.
func (p *Publisher) Publish(_ context.Context, status *model.StatusRecord) error {
	client, err := p.ensureClient()
	if err != nil {
		return &channel.PublishError{Channel: p.Name(), Op: "connect", Err: err}
	}

	if p.cfg.Publish == PublishJSON || p.cfg.Publish == PublishBoth {
		payload, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return &channel.PublishError{Channel: p.Name(), Op: "publish", Err: err}
		}
		if err := p.send(client, p.cfg.BaseTopic, 0, false, payload); err != nil {
			p.invalidate(client)
			return &channel.PublishError{Channel: p.Name(), Op: "publish", Err: err}
		}
	}

	if p.cfg.Publish == PublishFields || p.cfg.Publish == PublishBoth {
		for _, f := range stateFields(status) {
			topic := p.cfg.BaseTopic + "/state/" + f.name
			if err := p.send(client, topic, 0, false, f.value); err != nil {
				p.invalidate(client)
				return &channel.PublishError{Channel: p.Name(), Op: "publish " + f.name, Err: err}
			}
		}
	}

	p.log.Debugw("status published", "topic", p.cfg.BaseTopic, "mode", p.cfg.Publish)
	return nil
}

func (p *Publisher) ImportHistory(context.Context, *model.HistoryRecord) error {
	return channel.ErrNotSupported
}

// End publishes the offline payload and disconnects.
func (p *Publisher) End() error {
	p.cmdCancel()

	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	var err error
	if p.cfg.WillTopic != "" && client.IsConnected() {
		err = p.send(client, p.cfg.WillTopic, 2, true, p.cfg.WillOffline)
	}
	client.Disconnect(250)
	return err
}

func (p *Publisher) ensureClient() (paho.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	p.log.Debug("building MQTT client")
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.URL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(p.cfg.Timeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warnw("MQTT connection lost", "err", err)
		}).
		SetOnConnectHandler(p.onConnect)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.WillTopic != "" {
		opts.SetWill(p.cfg.WillTopic, p.cfg.WillOffline, 2, true)
	}

	client := p.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(p.cfg.Timeout) {
		return nil, fmt.Errorf("connect to %s: %w", p.cfg.URL, errTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", p.cfg.URL, err)
	}
	p.client = client
	return client, nil
}

func (p *Publisher) onConnect(client paho.Client) {
	p.log.Infow("MQTT connected", "broker", p.cfg.URL, "client_id", p.cfg.ClientID)

	if p.cfg.WillTopic != "" {
		if err := p.send(client, p.cfg.WillTopic, 2, true, p.cfg.WillOnline); err != nil {
			p.log.Warnw("publishing online state failed", "topic", p.cfg.WillTopic, "err", err)
		}
	}

	if p.cfg.Commands && p.ctrl != nil {
		topic := p.cfg.BaseTopic + "/set/+"
		token := client.Subscribe(topic, 1, p.onMessage)
		if !token.WaitTimeout(p.cfg.Timeout) {
			p.log.Warnw("subscribing to commands timed out", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.log.Warnw("subscribing to commands failed", "topic", topic, "err", err)
		}
	}
}

func (p *Publisher) onMessage(_ paho.Client, msg paho.Message) {
	cmd, err := ParseCommand(p.cfg.BaseTopic, msg.Topic(), msg.Payload())
	if err != nil {
		p.log.Warnw("dropping command", "topic", msg.Topic(), "err", err)
		return
	}
	if err := p.apply(cmd); err != nil {
		p.log.Warnw("command failed", "command", cmd.Kind, "err", err)
		return
	}
	p.log.Infow("command applied", "command", cmd.Kind, "value", cmd.String())
}

func (p *Publisher) apply(cmd Command) error {
	ctx, cancel := context.WithTimeout(p.cmdCtx, p.cfg.Timeout*3)
	defer cancel()
	switch cmd.Kind {
	case CommandMode:
		return p.ctrl.SetMode(ctx, cmd.Mode)
	case CommandSetpoint:
		return p.ctrl.SetTemperature(ctx, cmd.Setpoint)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
}

func (p *Publisher) send(client paho.Client, topic string, qos byte, retained bool, payload interface{}) error {
	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish %s: %w", topic, errTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) invalidate(client paho.Client) {
	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return
	}
	p.client = nil
	p.mu.Unlock()

	p.log.Debug("MQTT client invalidated")
	client.Disconnect(0)
}

type field struct {
	name  string
	value string
}

// stateFields flattens the current state. Readings the device did not report are left out.
func stateFields(s *model.StatusRecord) []field {
	out := []field{
		{"serialNumber", s.SerialNumber},
		{"mode", s.Current.Mode},
	}
	add := func(name string, v *float64) {
		if v != nil {
			out = append(out, field{name, strconv.FormatFloat(*v, 'f', -1, 64)})
		}
	}
	add("setpoint", s.Current.Setpoint)
	add("indoorTemperature", s.Current.IndoorTemperature)
	add("outdoorTemperature", s.Current.OutdoorTemperature)
	add("pressure", s.Current.Pressure)
	add("supplyTemperature", s.Current.SupplyTemperature)
	out = append(out,
		field{"hotWaterActive", strconv.FormatBool(s.Current.HotWaterActive)},
		field{"boilerState", s.Current.BoilerState},
	)
	return out
}
