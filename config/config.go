package config

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/telemetry/internal/aggregator"
	"github.com/angeloszaimis/telemetry/internal/alert"
	"github.com/angeloszaimis/telemetry/internal/cachemonitor"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/httpserver"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/monitoring"
	"github.com/angeloszaimis/telemetry/internal/promexport"
	"github.com/angeloszaimis/telemetry/internal/slo"
	"github.com/angeloszaimis/telemetry/internal/stream"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

type RecorderConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	WindowSize       int           `mapstructure:"window_size"`
	HistorySize      int           `mapstructure:"history_size"`
	CollectorBuffer  int           `mapstructure:"collector_buffer"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SLOConfig struct {
	Targets           slo.Targets   `mapstructure:"targets"`
	Windows           slo.Windows   `mapstructure:"windows"`
	RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
	ErrorBudgetFlush  time.Duration `mapstructure:"error_budget_flush"`
}

type AlertConfig struct {
	Throttle    time.Duration `mapstructure:"throttle"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	HistorySize int           `mapstructure:"history_size"`
	Console     bool          `mapstructure:"console"`
	NoColor     bool          `mapstructure:"no_color"`
	WebhookURL  string        `mapstructure:"webhook_url"`
	PagerURL    string        `mapstructure:"pager_url"`
}

type AggregatorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxRawSamples int           `mapstructure:"max_raw_samples"`
	RawRetention  time.Duration `mapstructure:"raw_retention"`
}

type StreamConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CacheConfig struct {
	RistrettoEnabled bool          `mapstructure:"ristretto_enabled"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxCost          int64         `mapstructure:"max_cost"`
	TTL              time.Duration `mapstructure:"ttl"`
}

type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Recorder   RecorderConfig    `mapstructure:"recorder"`
	Health     HealthConfig      `mapstructure:"health"`
	SLO        SLOConfig         `mapstructure:"slo"`
	Alert      AlertConfig       `mapstructure:"alert"`
	Aggregator AggregatorConfig  `mapstructure:"aggregator"`
	Exporter   promexport.Config `mapstructure:"exporter"`
	Stream     StreamConfig      `mapstructure:"stream"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Cache      CacheConfig       `mapstructure:"cache"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", httpserver.DefaultReadTimeout)
	v.SetDefault("server.write_timeout", httpserver.DefaultWriteTimeout)
	v.SetDefault("server.idle_timeout", httpserver.DefaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", httpserver.DefaultShutdownTimeout)

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("recorder.snapshot_interval", metrics.DefaultSnapshotInterval)
	v.SetDefault("recorder.window_size", metrics.DefaultWindowSize)
	v.SetDefault("recorder.history_size", metrics.DefaultHistorySize)
	v.SetDefault("recorder.collector_buffer", monitoring.DefaultCollectorBuffer)

	v.SetDefault("health.interval", healthcheck.DefaultInterval)

	sloDefaults := slo.DefaultConfig()
	v.SetDefault("slo.targets.availability", sloDefaults.Targets.Availability)
	v.SetDefault("slo.targets.performance_p95", sloDefaults.Targets.PerformanceP95)
	v.SetDefault("slo.targets.error_rate", sloDefaults.Targets.ErrorRate)
	v.SetDefault("slo.targets.compliance", sloDefaults.Targets.Compliance)
	v.SetDefault("slo.windows.availability", sloDefaults.Windows.Availability)
	v.SetDefault("slo.windows.performance", sloDefaults.Windows.Performance)
	v.SetDefault("slo.windows.error_budget", sloDefaults.Windows.ErrorBudget)
	v.SetDefault("slo.recompute_interval", slo.DefaultRecomputeInterval)
	v.SetDefault("slo.error_budget_flush", monitoring.DefaultErrorBudgetFlush)

	v.SetDefault("alert.throttle", alert.DefaultThrottle)
	v.SetDefault("alert.send_timeout", alert.DefaultSendTimeout)
	v.SetDefault("alert.history_size", alert.DefaultHistorySize)
	v.SetDefault("alert.console", true)
	v.SetDefault("alert.no_color", false)
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.pager_url", "")

	v.SetDefault("aggregator.interval", aggregator.DefaultInterval)
	v.SetDefault("aggregator.max_raw_samples", aggregator.DefaultMaxRawSamples)
	v.SetDefault("aggregator.raw_retention", aggregator.DefaultRawRetention)

	v.SetDefault("exporter.prefix", "telemetry")
	v.SetDefault("exporter.include_system_metrics", true)

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.path", "/metrics/stream")
	v.SetDefault("stream.default_interval", stream.DefaultInterval)
	v.SetDefault("stream.queue_size", stream.DefaultQueueSize)

	v.SetDefault("database.dsn", "")

	v.SetDefault("cache.ristretto_enabled", true)
	v.SetDefault("cache.poll_interval", cachemonitor.DefaultPollInterval)
	v.SetDefault("cache.max_cost", 64<<20)
	v.SetDefault("cache.ttl", 5*time.Second)
}

// Load reads defaults, then the config file, then the environment. An empty
// path searches ./config and . for config.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc, ok := value.(ServerConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a ServerConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Environment,
					validation.Required,
					validation.In(EnvDev, EnvStaging, EnvProd),
				),
				validation.Field(&sc.Address,
					validation.Required,
					validation.By(httpserver.ValidateHostPort),
				),
				validation.Field(&sc.ReadTimeout, validation.By(nonNegative)),
				validation.Field(&sc.WriteTimeout, validation.By(nonNegative)),
				validation.Field(&sc.IdleTimeout, validation.By(nonNegative)),
				validation.Field(&sc.ShutdownTimeout, validation.By(positive)),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc, ok := value.(LoggingConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
			}
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
		validation.Field(&c.Recorder, validation.By(func(value interface{}) error {
			rc, ok := value.(RecorderConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a RecorderConfig")
			}
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.SnapshotInterval, validation.By(positive)),
				validation.Field(&rc.WindowSize, validation.Min(1)),
				validation.Field(&rc.HistorySize, validation.Min(1)),
				validation.Field(&rc.CollectorBuffer, validation.Min(1)),
			)
		})),
		validation.Field(&c.Health, validation.By(func(value interface{}) error {
			hc, ok := value.(HealthConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a HealthConfig")
			}
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.Interval, validation.By(positive)),
			)
		})),
		validation.Field(&c.SLO, validation.By(func(value interface{}) error {
			sc, ok := value.(SLOConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a SLOConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Targets, validation.By(validateTargets)),
				validation.Field(&sc.RecomputeInterval, validation.By(positive)),
				validation.Field(&sc.ErrorBudgetFlush, validation.By(positive)),
			)
		})),
		validation.Field(&c.Alert, validation.By(func(value interface{}) error {
			ac, ok := value.(AlertConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be an AlertConfig")
			}
			return validation.ValidateStruct(&ac,
				validation.Field(&ac.Throttle, validation.By(nonNegative)),
				validation.Field(&ac.SendTimeout, validation.By(positive)),
				validation.Field(&ac.HistorySize, validation.Min(1)),
				validation.Field(&ac.WebhookURL, is.URL),
				validation.Field(&ac.PagerURL, is.URL),
			)
		})),
		validation.Field(&c.Aggregator, validation.By(func(value interface{}) error {
			ac, ok := value.(AggregatorConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be an AggregatorConfig")
			}
			return validation.ValidateStruct(&ac,
				validation.Field(&ac.Interval, validation.By(positive)),
				validation.Field(&ac.MaxRawSamples, validation.Min(1)),
				validation.Field(&ac.RawRetention, validation.By(positive)),
			)
		})),
		validation.Field(&c.Exporter, validation.By(func(value interface{}) error {
			ec, ok := value.(promexport.Config)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be an exporter config")
			}
			return validation.ValidateStruct(&ec,
				validation.Field(&ec.Prefix, validation.Match(metricPrefix)),
			)
		})),
		validation.Field(&c.Stream, validation.By(func(value interface{}) error {
			sc, ok := value.(StreamConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a StreamConfig")
			}
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Path, validation.When(sc.Enabled, validation.Required, validation.By(validatePath))),
				validation.Field(&sc.DefaultInterval, validation.By(func(value interface{}) error {
					if d, _ := value.(time.Duration); d < stream.MinInterval {
						return validation.NewError("validation_interval_too_small", "must be at least 100ms")
					}
					return nil
				})),
				validation.Field(&sc.QueueSize, validation.Min(1)),
			)
		})),
		validation.Field(&c.Cache, validation.By(func(value interface{}) error {
			cc, ok := value.(CacheConfig)
			if !ok {
				return validation.NewError("validation_invalid_type", "must be a CacheConfig")
			}
			return validation.ValidateStruct(&cc,
				validation.Field(&cc.PollInterval, validation.When(cc.RistrettoEnabled, validation.By(positive))),
				validation.Field(&cc.MaxCost, validation.When(cc.RistrettoEnabled, validation.Min(int64(1)))),
				validation.Field(&cc.TTL, validation.When(cc.RistrettoEnabled, validation.By(positive))),
			)
		})),
	)
}

// HTTPServer returns the listener settings.
func (c *Config) HTTPServer() httpserver.Config {
	return httpserver.Config{
		Address:         c.Server.Address,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		IdleTimeout:     c.Server.IdleTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
	}
}

// Monitoring returns the component settings.
func (c *Config) Monitoring() monitoring.Config {
	sloCfg := slo.DefaultConfig()
	sloCfg.Targets = c.SLO.Targets
	sloCfg.Windows = c.SLO.Windows
	sloCfg.RecomputeInterval = c.SLO.RecomputeInterval

	streamCfg := stream.DefaultConfig()
	streamCfg.DefaultInterval = c.Stream.DefaultInterval
	streamCfg.QueueSize = c.Stream.QueueSize

	return monitoring.Config{
		Recorder: metrics.Config{
			WindowSize:       c.Recorder.WindowSize,
			HistorySize:      c.Recorder.HistorySize,
			SnapshotInterval: c.Recorder.SnapshotInterval,
		},
		CollectorBuffer: c.Recorder.CollectorBuffer,
		HealthInterval:  c.Health.Interval,
		SLO:             sloCfg,
		Alert: alert.Config{
			Throttle:    c.Alert.Throttle,
			SendTimeout: c.Alert.SendTimeout,
			HistorySize: c.Alert.HistorySize,
		},
		Aggregator: aggregator.Config{
			Interval:      c.Aggregator.Interval,
			MaxRawSamples: c.Aggregator.MaxRawSamples,
			RawRetention:  c.Aggregator.RawRetention,
		},
		Exporter:         c.Exporter,
		Stream:           streamCfg,
		ErrorBudgetFlush: c.SLO.ErrorBudgetFlush,
	}
}

var metricPrefix = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

func positive(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}
	if d <= 0 {
		return validation.NewError("validation_duration_not_positive", "must be positive")
	}
	return nil
}

func nonNegative(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}
	if d < 0 {
		return validation.NewError("validation_duration_negative", "cant be negative")
	}
	return nil
}

func validatePath(value interface{}) error {
	p, _ := value.(string)
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	return nil
}

func validateTargets(value interface{}) error {
	t, ok := value.(slo.Targets)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be SLO targets")
	}
	return validation.ValidateStruct(&t,
		validation.Field(&t.Availability, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&t.PerformanceP95, validation.By(positive)),
		validation.Field(&t.ErrorRate, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&t.Compliance, validation.Min(0.0), validation.Max(100.0)),
	)
}
