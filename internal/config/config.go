package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/junbin-yang/go-tripfsm/pkg/logger"
)

// Config tripd 配置
type Config struct {
	App      AppConfig      `yaml:"app" json:"app"`
	Logger   LoggerConfig   `yaml:"logger" json:"logger"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	NATS     NATSConfig     `yaml:"nats" json:"nats"`
	Registry RegistryConfig `yaml:"registry" json:"registry"`
}

type AppConfig struct {
	Name            string   `yaml:"name" json:"name" env:"TRIPD_NAME"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"TRIPD_SHUTDOWN_TIMEOUT"`
}

// LoggerConfig 日志输出配置，Output 为 file 时按 Rotate 选择轮转方式
type LoggerConfig struct {
	Level        string   `yaml:"level" json:"level" env:"TRIPD_LOG_LEVEL"`
	Output       string   `yaml:"output" json:"output" env:"TRIPD_LOG_OUTPUT"` // stderr | stdout | file
	Filename     string   `yaml:"filename" json:"filename" env:"TRIPD_LOG_FILE"`
	Rotate       string   `yaml:"rotate" json:"rotate"` // size | time
	MaxSize      int      `yaml:"max_size" json:"max_size"`
	MaxBackups   int      `yaml:"max_backups" json:"max_backups"`
	MaxAge       int      `yaml:"max_age" json:"max_age"`
	Compress     bool     `yaml:"compress" json:"compress"`
	RotationTime Duration `yaml:"rotation_time" json:"rotation_time"`
	LocalTime    bool     `yaml:"local_time" json:"local_time"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"TRIPD_METRICS_ENABLED"`
	Addr    string `yaml:"addr" json:"addr" env:"TRIPD_METRICS_ADDR"`
	Path    string `yaml:"path" json:"path"`
}

type NATSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled" env:"TRIPD_NATS_ENABLED"`
	URL           string   `yaml:"url" json:"url" env:"TRIPD_NATS_URL"`
	Name          string   `yaml:"name" json:"name"`
	SubjectPrefix string   `yaml:"subject_prefix" json:"subject_prefix" env:"TRIPD_NATS_PREFIX"`
	QueueGroup    string   `yaml:"queue_group" json:"queue_group"` // 为空时普通订阅
	ReconnectWait Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
	MaxReconnects int      `yaml:"max_reconnects" json:"max_reconnects"`
}

type RegistryConfig struct {
	QueueSize       int  `yaml:"queue_size" json:"queue_size" env:"TRIPD_QUEUE_SIZE"`
	TombstoneLimit  int  `yaml:"tombstone_limit" json:"tombstone_limit"`
	AutoOpen        bool `yaml:"auto_open" json:"auto_open"`
	ArchiveTerminal bool `yaml:"archive_terminal" json:"archive_terminal"`
	History         bool `yaml:"history" json:"history"`
}

// Default 返回默认配置，配置文件中缺省的字段保持默认值
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:            "tripd",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logger: LoggerConfig{
			Level:        "info",
			Output:       "stderr",
			Rotate:       "size",
			MaxSize:      100,
			MaxBackups:   30,
			MaxAge:       30,
			RotationTime: Duration(24 * time.Hour),
			LocalTime:    true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9102",
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "tripd",
			SubjectPrefix: "trips",
			ReconnectWait: Duration(2 * time.Second),
			MaxReconnects: -1,
		},
		Registry: RegistryConfig{
			QueueSize:       64,
			TombstoneLimit:  10000,
			AutoOpen:        true,
			ArchiveTerminal: true,
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.Logger.Level); err != nil {
		errs = append(errs, fmt.Errorf("logger.level: %w", err))
	}
	switch c.Logger.Output {
	case "", "stderr", "stdout":
	case "file":
		if c.Logger.Filename == "" {
			errs = append(errs, errors.New("logger.filename is required when output is file"))
		}
		if c.Logger.Rotate != "" && c.Logger.Rotate != "size" && c.Logger.Rotate != "time" {
			errs = append(errs, fmt.Errorf("logger.rotate: unknown mode %q", c.Logger.Rotate))
		}
	default:
		errs = append(errs, fmt.Errorf("logger.output: unknown output %q", c.Logger.Output))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			errs = append(errs, errors.New("metrics.addr is required"))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("metrics.path must start with /: %q", c.Metrics.Path))
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
		if err := validSubjectPrefix(c.NATS.SubjectPrefix); err != nil {
			errs = append(errs, fmt.Errorf("nats.subject_prefix: %w", err))
		}
	}

	if c.Registry.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("registry.queue_size must be positive, got %d", c.Registry.QueueSize))
	}
	if c.Registry.TombstoneLimit < 0 {
		errs = append(errs, fmt.Errorf("registry.tombstone_limit must not be negative, got %d", c.Registry.TombstoneLimit))
	}
	if c.App.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("app.shutdown_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func validSubjectPrefix(p string) error {
	if p == "" {
		return errors.New("empty")
	}
	for _, tok := range strings.Split(p, ".") {
		if tok == "" || tok == "*" || tok == ">" || strings.ContainsAny(tok, " \t\r\n*>") {
			return fmt.Errorf("invalid subject prefix %q", p)
		}
	}
	return nil
}

// Duration 支持 "10s" 形式的时长，JSON 中也接受纳秒整数
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x))
		return nil
	case string:
		return d.UnmarshalText([]byte(x))
	}
	return fmt.Errorf("invalid duration %s", b)
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
