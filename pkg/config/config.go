package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "EMP"

	DefaultBrokerHost      = "localhost"
	DefaultSendPort        = 18181
	DefaultFetchPort       = 18182
	DefaultMaxMsgSize      = 1024
	DefaultNetworkTimeout  = 5 * time.Second
	DefaultAcceptTimeout   = 500 * time.Millisecond
	DefaultFrameTimeout    = 250 * time.Millisecond
	DefaultMsgTTL          = 120 * time.Second
	DefaultRefreshInterval = time.Second
	DefaultMaxTries        = 3
	DefaultPIDFile         = "empbroker.pid"
	DefaultAcceptBurst     = 16
)

// Config holds every setting the broker, the client and the CLIs read.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	BrokerHost string `mapstructure:"broker_host"`
	SendPort   int    `mapstructure:"send_port"`
	FetchPort  int    `mapstructure:"fetch_port"`

	// MaxMsgSize bounds a single frame or fetch request, in bytes.
	MaxMsgSize     int           `mapstructure:"max_msg_size"`
	NetworkTimeout time.Duration `mapstructure:"network_timeout"`
	AcceptTimeout  time.Duration `mapstructure:"accept_timeout"`
	// FrameTimeout bounds the wait for the rest of a frame once its first
	// bytes have arrived on the publish channel.
	FrameTimeout   time.Duration `mapstructure:"frame_timeout"`

	// MsgTTLDefault applies to messages whose wire TTL is zero.
	MsgTTLDefault   time.Duration `mapstructure:"msg_ttl_default"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	MaxTries          int  `mapstructure:"max_tries"`
	QueueMaxLen       int  `mapstructure:"queue_max_len"`
	ServeConcurrently bool `mapstructure:"serve_concurrently"`

	// AcceptRate caps accepted connections per second on each port; 0 = no cap.
	AcceptRate  float64 `mapstructure:"accept_rate"`
	AcceptBurst int     `mapstructure:"accept_burst"`

	PIDFile string `mapstructure:"pid_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment:     "development",
		LogLevel:        "info",
		BrokerHost:      DefaultBrokerHost,
		SendPort:        DefaultSendPort,
		FetchPort:       DefaultFetchPort,
		MaxMsgSize:      DefaultMaxMsgSize,
		NetworkTimeout:  DefaultNetworkTimeout,
		AcceptTimeout:   DefaultAcceptTimeout,
		FrameTimeout:    DefaultFrameTimeout,
		MsgTTLDefault:   DefaultMsgTTL,
		RefreshInterval: DefaultRefreshInterval,
		MaxTries:        DefaultMaxTries,
		AcceptBurst:     DefaultAcceptBurst,
		PIDFile:         DefaultPIDFile,
	}
}

// SetDefaults registers every key and its default on v. Keys must be known to
// viper for EMP_* environment overrides to show up in AllSettings.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("environment", d.Environment)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("broker_host", d.BrokerHost)
	v.SetDefault("send_port", d.SendPort)
	v.SetDefault("fetch_port", d.FetchPort)
	v.SetDefault("max_msg_size", d.MaxMsgSize)
	v.SetDefault("network_timeout", d.NetworkTimeout.String())
	v.SetDefault("accept_timeout", d.AcceptTimeout.String())
	v.SetDefault("frame_timeout", d.FrameTimeout.String())
	v.SetDefault("msg_ttl_default", d.MsgTTLDefault.String())
	v.SetDefault("refresh_interval", d.RefreshInterval.String())
	v.SetDefault("max_tries", d.MaxTries)
	v.SetDefault("queue_max_len", d.QueueMaxLen)
	v.SetDefault("serve_concurrently", d.ServeConcurrently)
	v.SetDefault("accept_rate", d.AcceptRate)
	v.SetDefault("accept_burst", d.AcceptBurst)
	v.SetDefault("pid_file", d.PIDFile)
}

// NewViper returns a viper instance wired for config files and EMP_* env vars.
// An empty configFile searches ./config.yaml and $HOME/.emp/config.yaml.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.emp")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv exports the variables in a .env style file so EMP_* overrides can
// live next to the binary. A missing file is not an error and variables that
// are already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the config file (a missing file is not an error unless it was
// named explicitly) and decodes the result.
func Load(configFile string) (*Config, error) {
	return LoadWithOverrides(configFile, nil)
}

// LoadWithOverrides is Load with command-line values applied on top of the
// file and environment. Keys are config keys, e.g. "send_port".
func LoadWithOverrides(configFile string, overrides map[string]any) (*Config, error) {
	v := NewViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}
	return FromViper(v)
}

// FromViper decodes v into a validated Config.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// secondsToDurationHook lets durations be written as plain seconds
// ("network_timeout: 5" or "2.5").
func secondsToDurationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	durationType := reflect.TypeOf(time.Duration(0))
	if to != durationType || from == durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
	case reflect.String:
		s := strings.TrimSpace(data.(string))
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return s, nil
	}
	return data, nil
}

// Validate rejects settings the broker cannot run with.
func (c *Config) Validate() error {
	if c.BrokerHost == "" {
		return errors.New("config: broker_host is required")
	}
	if err := validPort("send_port", c.SendPort); err != nil {
		return err
	}
	if err := validPort("fetch_port", c.FetchPort); err != nil {
		return err
	}
	if c.SendPort != 0 && c.SendPort == c.FetchPort {
		return fmt.Errorf("config: send_port and fetch_port must differ (both %d)", c.SendPort)
	}
	if c.MaxMsgSize <= 0 {
		return fmt.Errorf("config: max_msg_size must be positive, got %d", c.MaxMsgSize)
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("config: network_timeout must be positive, got %s", c.NetworkTimeout)
	}
	if c.AcceptTimeout <= 0 {
		return fmt.Errorf("config: accept_timeout must be positive, got %s", c.AcceptTimeout)
	}
	if c.FrameTimeout <= 0 {
		return fmt.Errorf("config: frame_timeout must be positive, got %s", c.FrameTimeout)
	}
	if c.MsgTTLDefault <= 0 {
		return fmt.Errorf("config: msg_ttl_default must be positive, got %s", c.MsgTTLDefault)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("config: refresh_interval must be positive, got %s", c.RefreshInterval)
	}
	if c.MaxTries < 1 {
		return fmt.Errorf("config: max_tries must be at least 1, got %d", c.MaxTries)
	}
	if c.QueueMaxLen < 0 {
		return fmt.Errorf("config: queue_max_len cannot be negative, got %d", c.QueueMaxLen)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("config: accept_rate cannot be negative, got %v", c.AcceptRate)
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("config: accept_burst must be at least 1 when accept_rate is set, got %d", c.AcceptBurst)
	}
	return nil
}

func validPort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("config: %s out of range: %d", key, port)
	}
	return nil
}

// SendAddr is the publish channel address.
func (c *Config) SendAddr() string {
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.SendPort))
}

// FetchAddr is the fetch channel address.
func (c *Config) FetchAddr() string {
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.FetchPort))
}
