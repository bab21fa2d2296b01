// Package relayconfig loads the settings shared by the relay binaries.
//
// Sources are applied in order, later ones winning: built-in defaults, a YAML
// file, a .env file, SENSORRELAY_* environment variables. Command-line flags
// are applied on top by each main.
package relayconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Upstream kinds
const (
	UpstreamSerial  = "serial"
	UpstreamStdin   = "stdin"
	UpstreamFile    = "file"
	UpstreamDS18B20 = "ds18b20"
)

// ConfigPathEnv names a YAML file to load when no path is passed to Load.
const ConfigPathEnv = "SENSORRELAY_CONFIG"

type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Client   ClientConfig   `yaml:"client"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
}

// RelayConfig the broadcast server
type RelayConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	FaultyThreshold int           `yaml:"faultyThreshold"`
}

// UpstreamConfig where the relay reads telemetry lines from
type UpstreamConfig struct {
	Kind         string        `yaml:"kind"`
	SerialPort   string        `yaml:"serialPort"`
	BaudRate     int           `yaml:"baudRate"`
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// ClientConfig how consumers reach the relay
type ClientConfig struct {
	Address        string        `yaml:"address"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

// RecorderConfig snapshot persistence
type RecorderConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	Interval       time.Duration `yaml:"interval"`
	TemperatureKey string        `yaml:"temperatureKey"`
	HumidityKey    string        `yaml:"humidityKey"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Address:         "127.0.0.1:5000",
			RetryDelay:      time.Second,
			FaultyThreshold: 10,
		},
		Upstream: UpstreamConfig{
			Kind:         UpstreamSerial,
			SerialPort:   "COM8",
			BaudRate:     9600,
			PollInterval: 5 * time.Second,
		},
		Client: ClientConfig{
			Address:        "127.0.0.1:5000",
			ReconnectDelay: 2 * time.Second,
		},
		Recorder: RecorderConfig{
			Driver:         "sqlite",
			DSN:            "registros.db",
			Interval:       time.Minute,
			TemperatureKey: "temperatura",
			HumidityKey:    "humedad",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration. path may be empty, in which case the file
// named by SENSORRELAY_CONFIG is used if set. A missing .env is not an error.
// The result is not validated; call Validate once command line flags have
// been applied on top of it.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	//godotenv never overrides variables that are already set
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"SENSORRELAY_RELAY_ADDR":      &cfg.Relay.Address,
		"SENSORRELAY_METRICS_ADDR":    &cfg.Relay.MetricsAddress,
		"SENSORRELAY_UPSTREAM":        &cfg.Upstream.Kind,
		"SENSORRELAY_SERIAL_PORT":     &cfg.Upstream.SerialPort,
		"SENSORRELAY_UPSTREAM_PATH":   &cfg.Upstream.Path,
		"SENSORRELAY_CLIENT_ADDR":     &cfg.Client.Address,
		"SENSORRELAY_DB_DRIVER":       &cfg.Recorder.Driver,
		"SENSORRELAY_DB_DSN":          &cfg.Recorder.DSN,
		"SENSORRELAY_TEMPERATURE_KEY": &cfg.Recorder.TemperatureKey,
		"SENSORRELAY_HUMIDITY_KEY":    &cfg.Recorder.HumidityKey,
		"SENSORRELAY_LOG_FILE":        &cfg.Log.File,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SENSORRELAY_BAUD_RATE":        &cfg.Upstream.BaudRate,
		"SENSORRELAY_FAULTY_THRESHOLD": &cfg.Relay.FaultyThreshold,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SENSORRELAY_RETRY_DELAY":       &cfg.Relay.RetryDelay,
		"SENSORRELAY_POLL_INTERVAL":     &cfg.Upstream.PollInterval,
		"SENSORRELAY_RECONNECT_DELAY":   &cfg.Client.ReconnectDelay,
		"SENSORRELAY_SNAPSHOT_INTERVAL": &cfg.Recorder.Interval,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the values every binary relies on.
func (c *Config) Validate() error {
	if c.Relay.Address == "" {
		return errors.New("relay address is required")
	}
	if c.Client.Address == "" {
		return errors.New("client address is required")
	}
	if c.Relay.RetryDelay <= 0 {
		return fmt.Errorf("relay retry delay must be positive, got %s", c.Relay.RetryDelay)
	}
	if c.Client.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.Client.ReconnectDelay)
	}
	if c.Recorder.Interval <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %s", c.Recorder.Interval)
	}

	switch c.Upstream.Kind {
	case UpstreamSerial:
		if c.Upstream.SerialPort == "" {
			return errors.New("serial upstream needs a serial port")
		}
		if c.Upstream.BaudRate <= 0 {
			return fmt.Errorf("invalid baud rate %d", c.Upstream.BaudRate)
		}
	case UpstreamFile:
		if c.Upstream.Path == "" {
			return errors.New("file upstream needs a path")
		}
	case UpstreamStdin, UpstreamDS18B20:
	default:
		return fmt.Errorf("unknown upstream kind %q", c.Upstream.Kind)
	}

	switch c.Recorder.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Recorder.Driver)
	}
	if c.Recorder.DSN == "" {
		return errors.New("database dsn is required")
	}
	return nil
}
