package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/opd-ai/courier/interfaces"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage backends accepted in StorageConfig.Backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Push channel kinds accepted in PushConfig.Kind.
const (
	PushNone      = "none"
	PushWebSocket = "websocket"
	PushNATS      = "nats"
)

// Config is the file configuration of a courier process.
type Config struct {
	Log          LogConfig          `toml:"log" yaml:"log"`
	Transport    TransportConfig    `toml:"transport" yaml:"transport"`
	Queue        QueueConfig        `toml:"queue" yaml:"queue"`
	Messages     MessagesConfig     `toml:"messages" yaml:"messages"`
	Outbox       OutboxConfig       `toml:"outbox" yaml:"outbox"`
	Storage      StorageConfig      `toml:"storage" yaml:"storage"`
	Push         PushConfig         `toml:"push" yaml:"push"`
	Connectivity ConnectivityConfig `toml:"connectivity" yaml:"connectivity"`
	API          APIConfig          `toml:"api" yaml:"api"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // text | json
}

// TransportConfig configures the messaging server transport.
type TransportConfig struct {
	Simulation      bool     `toml:"simulation" yaml:"simulation"`
	BaseURL         string   `toml:"base_url" yaml:"base_url"`
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`
	AuthToken       string   `toml:"auth_token" yaml:"auth_token"`
	MaxConnsPerHost int      `toml:"max_conns_per_host" yaml:"max_conns_per_host"`
}

// QueueConfig configures the send queue.
type QueueConfig struct {
	Workers       int      `toml:"workers" yaml:"workers"`
	Capacity      int      `toml:"capacity" yaml:"capacity"`
	RateLimit     float64  `toml:"rate_limit" yaml:"rate_limit"`
	Burst         int      `toml:"burst" yaml:"burst"`
	BackoffBase   Duration `toml:"backoff_base" yaml:"backoff_base"`
	BackoffCap    Duration `toml:"backoff_cap" yaml:"backoff_cap"`
	JitterPercent int      `toml:"jitter_percent" yaml:"jitter_percent"`
}

// MessagesConfig configures the message lifecycle.
type MessagesConfig struct {
	SendTimeout     Duration  `toml:"send_timeout" yaml:"send_timeout"`
	MatchWindow     Duration  `toml:"match_window" yaml:"match_window"`
	MaxRetries      int       `toml:"max_retries" yaml:"max_retries"`
	MaxContentBytes SizeBytes `toml:"max_content_bytes" yaml:"max_content_bytes"`
	Retention       Duration  `toml:"retention" yaml:"retention"`
	GCSchedule      string    `toml:"gc_schedule" yaml:"gc_schedule"`
}

// OutboxConfig configures the offline outbox.
type OutboxConfig struct {
	MaxEntries int      `toml:"max_entries" yaml:"max_entries"`
	BatchSize  int      `toml:"batch_size" yaml:"batch_size"`
	BatchDelay Duration `toml:"batch_delay" yaml:"batch_delay"`
}

// StorageConfig selects the outbox DurableStore.
type StorageConfig struct {
	Backend    string      `toml:"backend" yaml:"backend"`
	Path       string      `toml:"path" yaml:"path"`
	Passphrase string      `toml:"passphrase" yaml:"passphrase"`
	Prefix     string      `toml:"prefix" yaml:"prefix"`
	Redis      RedisConfig `toml:"redis" yaml:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `toml:"addr" yaml:"addr"`
	Password  string `toml:"password" yaml:"password"`
	DB        int    `toml:"db" yaml:"db"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// PushConfig selects the push channel.
type PushConfig struct {
	Kind           string   `toml:"kind" yaml:"kind"`
	URL            string   `toml:"url" yaml:"url"`
	Subject        string   `toml:"subject" yaml:"subject"`
	ReconnectDelay Duration `toml:"reconnect_delay" yaml:"reconnect_delay"`
}

// ConnectivityConfig configures the health probe.
type ConnectivityConfig struct {
	AssumeOnline  bool     `toml:"assume_online" yaml:"assume_online"`
	ProbeInterval Duration `toml:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout" yaml:"probe_timeout"`
}

// APIConfig configures the local HTTP sidecar.
type APIConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Transport: TransportConfig{
			RequestTimeout:  Duration(10 * time.Second),
			MaxConnsPerHost: 16,
		},
		Queue: QueueConfig{
			Workers:       3,
			Capacity:      1000,
			BackoffBase:   Duration(time.Second),
			BackoffCap:    Duration(30 * time.Second),
			JitterPercent: 20,
		},
		Messages: MessagesConfig{
			SendTimeout:     Duration(30 * time.Second),
			MatchWindow:     Duration(time.Minute),
			MaxRetries:      5,
			MaxContentBytes: 16 * 1024,
			Retention:       Duration(24 * time.Hour),
			GCSchedule:      "@every 1m",
		},
		Outbox: OutboxConfig{
			MaxEntries: 500,
			BatchSize:  20,
			BatchDelay: Duration(250 * time.Millisecond),
		},
		Storage: StorageConfig{Backend: BackendMemory},
		Push:    PushConfig{Kind: PushNone, ReconnectDelay: Duration(2 * time.Second)},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		API: APIConfig{Addr: "127.0.0.1:8765"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, .yaml or .yml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"path":     path,
		}).Info("Config file not found, using defaults")
		return cfg, nil
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config extension %q", ErrInvalidConfig, ext)
	}

	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Queue.Workers > 0, "queue.workers must be positive")
	check(c.Queue.Capacity > 0, "queue.capacity must be positive")
	check(c.Queue.RateLimit >= 0, "queue.rate_limit must not be negative")
	check(c.Queue.JitterPercent >= 0 && c.Queue.JitterPercent <= 100, "queue.jitter_percent must be within [0, 100]")
	check(c.Messages.MaxRetries >= 0, "messages.max_retries must not be negative")
	check(c.Messages.SendTimeout > 0, "messages.send_timeout must be positive")
	check(c.Outbox.MaxEntries > 0, "outbox.max_entries must be positive")
	check(c.Outbox.BatchSize > 0, "outbox.batch_size must be positive")

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendFile, BackendPebble, BackendSQLite:
		check(c.Storage.Path != "", "storage.path is required for the %s backend", c.Storage.Backend)
	default:
		check(false, "storage.backend %q is not one of memory, file, pebble, sqlite, redis", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendRedis {
		check(c.Storage.Redis.Addr != "", "storage.redis.addr is required for the redis backend")
	}

	switch c.Push.Kind {
	case "", PushNone:
	case PushWebSocket, PushNATS:
		check(c.Push.URL != "", "push.url is required for %s", c.Push.Kind)
	default:
		check(false, "push.kind %q is not one of none, websocket, nats", c.Push.Kind)
	}

	check(c.Transport.Simulation || c.Transport.BaseURL != "", "transport.base_url is required unless transport.simulation is set")

	if c.Messages.GCSchedule != "" {
		_, err := cron.ParseStandard(c.Messages.GCSchedule)
		check(err == nil, "messages.gc_schedule %q: %v", c.Messages.GCSchedule, err)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		check(false, "log.level: %v", err)
	}
	check(c.Log.Format == "" || c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// TransportSettings converts the transport section for the factory.
func (c *Config) TransportSettings() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		UseSimulation:   c.Transport.Simulation,
		BaseURL:         c.Transport.BaseURL,
		RequestTimeout:  int(c.Transport.RequestTimeout.Std().Milliseconds()),
		AuthToken:       c.Transport.AuthToken,
		MaxConnsPerHost: c.Transport.MaxConnsPerHost,
	}
}

// ConfigureLogging applies the log section to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
