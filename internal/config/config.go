package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Listen is one bind address.
type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Config carries everything the process consumes at startup. The core
// server only reads the two listener addresses and the protocol limits;
// store endpoints are dialed in cmd and injected as connected handles.
type Config struct {
	TCP Listen `yaml:"tcp"`
	WS  Listen `yaml:"ws"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
	MaxFrameSize   int           `yaml:"max_frame_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	BadgerDir string `yaml:"badger_dir"`
	RedisAddr string `yaml:"redis_addr"`

	StoreRetries      int           `yaml:"store_retries"`
	StoreRetryBackoff time.Duration `yaml:"store_retry_backoff"`

	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		TCP:               Listen{Host: "0.0.0.0", Port: 2222},
		WS:                Listen{Host: "0.0.0.0", Port: 9000},
		SessionTimeout:    30 * time.Minute,
		MaxFrameSize:      1 << 20,
		WriteTimeout:      10 * time.Second,
		BadgerDir:         "data/messages",
		RedisAddr:         "127.0.0.1:6379",
		StoreRetries:      5,
		StoreRetryBackoff: 5 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads a yaml file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	return cfg, nil
}
