package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"nefit-easy-connector/internal/logger"
)

// DefaultPath is used when neither the flag nor the CONFIG variable name a file.
const DefaultPath = "./config.yaml"

const redacted = "********"

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Debug           string `mapstructure:"debug" yaml:"debug"`
	PollingInterval int    `mapstructure:"polling_interval" yaml:"polling_interval"`

	Nefit NefitConfig `mapstructure:"nefit" yaml:"nefit"`

	// Channel blocks are nil when absent from the file.
	Console   *ConsoleConfig   `mapstructure:"console" yaml:"console,omitempty"`
	File      *FileConfig      `mapstructure:"file" yaml:"file,omitempty"`
	MQTT      *MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt,omitempty"`
	InfluxDB  *InfluxDBConfig  `mapstructure:"influxdb" yaml:"influxdb,omitempty"`
	InfluxDB2 *InfluxDB2Config `mapstructure:"influxdb2" yaml:"influxdb2,omitempty"`

	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	v *viper.Viper
}

type NefitConfig struct {
	SerialNumber       string  `mapstructure:"serial_number" yaml:"serial_number"`
	AccessKey          string  `mapstructure:"access_key" yaml:"access_key"`
	Password           string  `mapstructure:"password" yaml:"password"`
	ReconnectTimeout   int     `mapstructure:"reconnect_timeout" yaml:"reconnect_timeout"`
	Timezone           float64 `mapstructure:"timezone" yaml:"timezone"`
	ConversionFactorM3 float64 `mapstructure:"conversion_factor_m3" yaml:"conversion_factor_m3"`
	BridgeURL          string  `mapstructure:"bridge_url" yaml:"bridge_url"`
	RequestTimeout     int     `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// ReconnectCooldown is the wait before every reconnect after the first connect.
func (n NefitConfig) ReconnectCooldown() time.Duration {
	return time.Duration(n.ReconnectTimeout) * time.Second
}

// TimezoneOffset is added to the device dates.
func (n NefitConfig) TimezoneOffset() time.Duration {
	return time.Duration(n.Timezone * float64(time.Hour))
}

type ConsoleConfig struct{}

type FileConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type Credentials struct {
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

type MQTTConfig struct {
	URL         string          `mapstructure:"url" yaml:"url"`
	ClientID    string          `mapstructure:"client_id" yaml:"client_id,omitempty"`
	Credentials *Credentials    `mapstructure:"credentials" yaml:"credentials,omitempty"`
	BaseTopic   string          `mapstructure:"base_topic" yaml:"base_topic"`
	Publish     string          `mapstructure:"publish" yaml:"publish"`
	LastWill    *LastWillConfig `mapstructure:"last_will" yaml:"last_will,omitempty"`
	Commands    bool            `mapstructure:"commands" yaml:"commands"`
}

type LastWillConfig struct {
	Topic   string          `mapstructure:"topic" yaml:"topic"`
	Payload LastWillPayload `mapstructure:"payload" yaml:"payload"`
}

type LastWillPayload struct {
	Online  string `mapstructure:"online" yaml:"online"`
	Offline string `mapstructure:"offline" yaml:"offline"`
}

type InfluxDBConfig struct {
	Host        string       `mapstructure:"host" yaml:"host"`
	Port        int          `mapstructure:"port" yaml:"port"`
	Protocol    string       `mapstructure:"protocol" yaml:"protocol"`
	Database    string       `mapstructure:"database" yaml:"database"`
	Credentials *Credentials `mapstructure:"credentials" yaml:"credentials,omitempty"`
}

type InfluxDB2Config struct {
	URL          string `mapstructure:"url" yaml:"url"`
	Token        string `mapstructure:"token" yaml:"token"`
	Organization string `mapstructure:"organization" yaml:"organization"`
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
}

type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type JournalConfig struct {
	Path      string        `mapstructure:"path" yaml:"path"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// ResolvePath picks the configuration file: the flag value, then $CONFIG, then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("debug", logger.InfoLevel)
	v.SetDefault("polling_interval", 10)
	v.SetDefault("nefit.serial_number", "")
	v.SetDefault("nefit.access_key", "")
	v.SetDefault("nefit.password", "")
	v.SetDefault("nefit.reconnect_timeout", 30)
	v.SetDefault("nefit.timezone", 0)
	v.SetDefault("nefit.conversion_factor_m3", 1.0)
	v.SetDefault("nefit.bridge_url", "http://127.0.0.1:3000")
	v.SetDefault("nefit.request_timeout", 30)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8045)
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.retention", "168h")

	// Credentials are commonly injected by the service manager.
	v.SetEnvPrefix("NEFIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("nefit.serial_number", "NEFIT_SERIAL_NUMBER")
	_ = v.BindEnv("nefit.access_key", "NEFIT_ACCESS_KEY")
	_ = v.BindEnv("nefit.password", "NEFIT_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg.v = v
	cfg.applyChannelDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyChannelDefaults fills channel blocks that are present in the file. Defaults are kept
// out of viper so that they do not make an absent block look present.
func (c *Config) applyChannelDefaults() {
	if c.Console == nil && c.present("console") {
		c.Console = &ConsoleConfig{}
	}

	if c.File == nil && c.present("file") {
		c.File = &FileConfig{}
	}
	if c.File != nil && c.File.Path == "" {
		c.File.Path = "/var/nefit-easy/status.log"
	}

	if c.MQTT == nil && c.present("mqtt") {
		c.MQTT = &MQTTConfig{}
	}
	if m := c.MQTT; m != nil {
		if m.Publish == "" {
			m.Publish = "json"
		}
		if w := m.LastWill; w != nil {
			if w.Payload.Online == "" {
				w.Payload.Online = "online"
			}
			if w.Payload.Offline == "" {
				w.Payload.Offline = "offline"
			}
		}
	}

	if c.InfluxDB == nil && c.present("influxdb") {
		c.InfluxDB = &InfluxDBConfig{}
	}
	if i := c.InfluxDB; i != nil {
		if i.Host == "" {
			i.Host = "localhost"
		}
		if i.Port == 0 {
			i.Port = 8086
		}
		if i.Protocol == "" {
			i.Protocol = "http"
		}
	}

	if c.InfluxDB2 == nil && c.present("influxdb2") {
		c.InfluxDB2 = &InfluxDB2Config{}
	}
}

// present reports whether key appears in the file, even with an empty value.
func (c *Config) present(key string) bool {
	if c.v == nil {
		return false
	}
	if c.v.InConfig(key) {
		return true
	}
	for _, k := range c.v.AllKeys() {
		if k == key || strings.HasPrefix(k, key+".") {
			return true
		}
	}
	return false
}

// Validate checks the fields the process cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Nefit.SerialNumber == "" {
		errs = append(errs, &ConfigError{Field: "nefit.serial_number", Reason: "is required"})
	}
	if c.Nefit.AccessKey == "" {
		errs = append(errs, &ConfigError{Field: "nefit.access_key", Reason: "is required"})
	}
	if c.Nefit.Password == "" {
		errs = append(errs, &ConfigError{Field: "nefit.password", Reason: "is required"})
	}
	if c.PollingInterval <= 0 {
		errs = append(errs, &ConfigError{Field: "polling_interval", Reason: "must be a positive number of seconds"})
	}
	if c.Nefit.ReconnectTimeout < 0 {
		errs = append(errs, &ConfigError{Field: "nefit.reconnect_timeout", Reason: "must not be negative"})
	}
	if c.Nefit.ConversionFactorM3 <= 0 {
		errs = append(errs, &ConfigError{Field: "nefit.conversion_factor_m3", Reason: "must be positive"})
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, &ConfigError{Field: "api.port", Reason: "must be a valid TCP port"})
	}
	return errors.Join(errs...)
}

func (c *Config) PollingPeriod() time.Duration {
	return time.Duration(c.PollingInterval) * time.Second
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	out.v = nil
	out.Nefit.AccessKey = mask(out.Nefit.AccessKey)
	out.Nefit.Password = mask(out.Nefit.Password)
	if c.MQTT != nil {
		m := *c.MQTT
		m.Credentials = maskCredentials(m.Credentials)
		out.MQTT = &m
	}
	if c.InfluxDB != nil {
		i := *c.InfluxDB
		i.Credentials = maskCredentials(i.Credentials)
		out.InfluxDB = &i
	}
	if c.InfluxDB2 != nil {
		i := *c.InfluxDB2
		i.Token = mask(i.Token)
		out.InfluxDB2 = &i
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

func maskCredentials(c *Credentials) *Credentials {
	if c == nil {
		return nil
	}
	return &Credentials{Username: c.Username, Password: mask(c.Password)}
}

// Watcher calls onChange when the configuration file changes, unless exit on change has
// been switched off.
type Watcher struct {
	exitOnChange atomic.Bool
	onChange     func()
	log          *logger.Logger
}

// WatchOption configures a Watcher before the file watch starts.
type WatchOption func(*Watcher)

// WithoutExitOnChange starts the watcher with exit on change switched off.
func WithoutExitOnChange() WatchOption {
	return func(w *Watcher) { w.exitOnChange.Store(false) }
}

// Watch starts watching the file the configuration was loaded from.
func (c *Config) Watch(log *logger.Logger, onChange func(), opts ...WatchOption) *Watcher {
	w := &Watcher{onChange: onChange, log: log}
	w.exitOnChange.Store(true)
	for _, opt := range opts {
		opt(w)
	}
	if c.v == nil {
		return w
	}
	c.v.OnConfigChange(w.handle)
	c.v.WatchConfig()
	return w
}

// SetExitOnChange switches the shutdown-on-change behaviour.
func (w *Watcher) SetExitOnChange(v bool) {
	w.exitOnChange.Store(v)
}

func (w *Watcher) ExitOnChange() bool {
	return w.exitOnChange.Load()
}

func (w *Watcher) handle(e fsnotify.Event) {
	if !w.exitOnChange.Load() {
		w.log.Debugw("configuration changed, ignored", "file", e.Name)
		return
	}
	w.log.Warnw("configuration changed, shutting down for restart", "file", e.Name, "op", e.Op.String())
	if w.onChange != nil {
		w.onChange()
	}
}
