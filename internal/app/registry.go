package app

import (
	"os"
	"time"

	"nefit-easy-connector/config"
	"nefit-easy-connector/internal/channel"
	"nefit-easy-connector/internal/influx"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/mqtt"
)

// factory builds one channel variant from its configuration block. build returns nil when
// the block is absent.
type factory struct {
	name  string
	build func(cfg *config.Config, ctrl mqtt.Controller, log *logger.Logger) (channel.Channel, error)
}

// registry lists every supported channel in broadcast order.
var registry = []factory{
	{"console", buildConsole},
	{"file", buildFile},
	{"mqtt", buildMQTT},
	{"influxdb", buildInfluxDB},
	{"influxdb2", buildInfluxDB2},
}

// ChannelInfo describes the configuration state of one channel.
type ChannelInfo struct {
	Name       string `yaml:"name"`
	Configured bool   `yaml:"configured"`
	Available  bool   `yaml:"available"`
	Reason     string `yaml:"reason,omitempty"`
}

// BuildChannels constructs every configured channel and keeps the available ones. The
// console channel is used when none is available.
func BuildChannels(cfg *config.Config, ctrl mqtt.Controller, log *logger.Logger) ([]channel.Channel, []ChannelInfo) {
	var (
		out   []channel.Channel
		infos []ChannelInfo
	)
	for _, f := range registry {
		info := ChannelInfo{Name: f.name}
		ch, err := f.build(cfg, ctrl, log.Named(f.name))
		switch {
		case err != nil:
			info.Configured = true
			info.Reason = err.Error()
			log.Warnw("channel unavailable", "channel", f.name, "reason", err)
		case ch == nil:
		default:
			info.Configured = true
			info.Available = true
			out = append(out, ch)
		}
		infos = append(infos, info)
	}

	if len(out) == 0 {
		log.Info("no channel available, falling back to console")
		out = append(out, channel.NewConsole(os.Stdout))
	}
	return out, infos
}

func buildConsole(cfg *config.Config, _ mqtt.Controller, _ *logger.Logger) (channel.Channel, error) {
	if cfg.Console == nil {
		return nil, nil
	}
	return channel.NewConsole(os.Stdout), nil
}

func buildFile(cfg *config.Config, _ mqtt.Controller, _ *logger.Logger) (channel.Channel, error) {
	if cfg.File == nil {
		return nil, nil
	}
	f := channel.NewFile(cfg.File.Path)
	if !f.Available() {
		return f, &config.ConfigError{Field: "file.path", Reason: "is required"}
	}
	return f, nil
}

func buildMQTT(cfg *config.Config, ctrl mqtt.Controller, log *logger.Logger) (channel.Channel, error) {
	m := cfg.MQTT
	if m == nil {
		return nil, nil
	}
	pc := mqtt.PublisherConfig{
		URL:       m.URL,
		ClientID:  m.ClientID,
		BaseTopic: m.BaseTopic,
		Publish:   m.Publish,
		Commands:  m.Commands,
	}
	if m.Credentials != nil {
		pc.Username = m.Credentials.Username
		pc.Password = m.Credentials.Password
	}
	if w := m.LastWill; w != nil && w.Topic != "" {
		pc.WillTopic = w.Topic
		pc.WillOnline = w.Payload.Online
		pc.WillOffline = w.Payload.Offline
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return mqtt.NewPublisher(pc, ctrl, log), nil
}

func buildInfluxDB(cfg *config.Config, _ mqtt.Controller, log *logger.Logger) (channel.Channel, error) {
	i := cfg.InfluxDB
	if i == nil {
		return nil, nil
	}
	vc := influx.V1Config{
		Host:     i.Host,
		Port:     i.Port,
		Protocol: i.Protocol,
		Database: i.Database,
		Timeout:  time.Duration(cfg.Nefit.RequestTimeout) * time.Second,
	}
	if i.Credentials != nil {
		vc.Username = i.Credentials.Username
		vc.Password = i.Credentials.Password
	}
	if err := vc.Validate(); err != nil {
		return nil, err
	}
	return influx.NewV1(vc, log), nil
}

func buildInfluxDB2(cfg *config.Config, _ mqtt.Controller, log *logger.Logger) (channel.Channel, error) {
	i := cfg.InfluxDB2
	if i == nil {
		return nil, nil
	}
	vc := influx.V2Config{
		URL:          i.URL,
		Token:        i.Token,
		Organization: i.Organization,
		Bucket:       i.Bucket,
		Timeout:      time.Duration(cfg.Nefit.RequestTimeout) * time.Second,
	}
	if err := vc.Validate(); err != nil {
		return nil, err
	}
	return influx.NewV2(vc, log), nil
}
