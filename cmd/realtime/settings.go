package main

import (
	"time"

	"github.com/tokmz/realtime"
	"github.com/tokmz/realtime/pkg/auth"
	"github.com/tokmz/realtime/pkg/backbone"
	"github.com/tokmz/realtime/pkg/config"
	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/orm"
	"github.com/tokmz/realtime/pkg/store"
	"github.com/tokmz/realtime/pkg/tracing"
	"github.com/tokmz/realtime/pkg/ws"
)

const envPrefix = "REALTIME"

// 离线队列驱动
const (
	queueMemory = "memory"
	queueStore  = "store"
	queueSQL    = "sql"
)

// Settings 进程配置树
type Settings struct {
	Server   realtime.Config  `mapstructure:"server"`
	Log      LogSettings      `mapstructure:"log"`
	Store    store.Config     `mapstructure:"store"`
	WS       ws.Config        `mapstructure:"ws"`
	Auth     auth.Config      `mapstructure:"auth"`
	Queue    QueueSettings    `mapstructure:"queue"`
	Backbone BackboneSettings `mapstructure:"backbone"`
	Database orm.Config       `mapstructure:"database"`
	Tracing  tracing.Config   `mapstructure:"tracing"`
	Metrics  MetricsSettings  `mapstructure:"metrics"`
}

// LogSettings 日志
type LogSettings struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
	// 文件轮转，0 表示不轮转
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
	Caller     bool `mapstructure:"caller"`
	Stacktrace bool `mapstructure:"stacktrace"`
	// 每秒前 N 条全记录，之后每 M 条记录 1 条；0 表示不采样
	SamplingInitial    int `mapstructure:"sampling_initial"`
	SamplingThereafter int `mapstructure:"sampling_thereafter"`
}

// QueueSettings 离线队列
type QueueSettings struct {
	Driver string        `mapstructure:"driver"` // memory | store | sql
	TTL    time.Duration `mapstructure:"ttl"`    // store 驱动的列表过期时间
}

// BackboneSettings 跨实例中继，关闭时仅单实例投递
type BackboneSettings struct {
	Enabled         bool `mapstructure:"enabled"`
	backbone.Config `mapstructure:",squash"`
}

// MetricsSettings Prometheus
type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled"`
}

// defaultSettings 各组件默认值
func defaultSettings() *Settings {
	return &Settings{
		Log: LogSettings{
			Level:   "info",
			Format:  string(logger.JSONFormat),
			Console: true,
		},
		Store:    storeDefaults(),
		WS:       *ws.DefaultConfig(),
		Auth:     auth.Config{TTL: 24 * time.Hour},
		Queue:    QueueSettings{Driver: queueMemory, TTL: 7 * 24 * time.Hour},
		Backbone: BackboneSettings{Config: *backbone.DefaultConfig()},
		Database: *orm.DefaultConfig(),
		Tracing:  *tracing.DefaultConfig(),
		Metrics:  MetricsSettings{Enabled: true},
	}
}

func storeDefaults() store.Config {
	cfg := *store.DefaultConfig()
	cfg.Redis = store.DefaultRedisConfig()
	return cfg
}

// envKeys 需要支持纯环境变量覆盖的键，viper 只对已知键生效
var envKeys = map[string]any{
	"server.addr":                          ":8080",
	"server.mode":                          "release",
	"log.level":                            "info",
	"log.format":                           "json",
	"log.file":                             "",
	"log.sampling_initial":                 0,
	"store.driver":                         string(store.DriverMemory),
	"store.key_prefix":                     "",
	"store.redis.addr":                     store.DefaultRedisConfig().Addr,
	"store.redis.password":                 "",
	"auth.secret":                          "",
	"auth.issuer":                          "",
	"queue.driver":                         queueMemory,
	"backbone.enabled":                     false,
	"backbone.driver":                      string(backbone.DriverStore),
	"backbone.amqp.url":                    "",
	"database.type":                        string(orm.SQLite),
	"database.dsn":                         orm.DefaultConfig().DSN,
	"tracing.enabled":                      false,
	"tracing.exporter":                     tracing.ExporterNoop,
	"tracing.endpoint":                     "",
	"metrics.enabled":                      true,
	"ws.limits.max_requests_per_window":    100,
	"ws.limits.max_connections_per_client": 10,
	"ws.upgrader.allow_all_origins":        false,
}

// loadSettings 读取配置文件与 REALTIME_ 环境变量
func loadSettings(path string, opts ...config.Option) (*config.Config, *Settings, error) {
	base := []config.Option{
		config.WithEnvPrefix(envPrefix),
		config.WithDefaults(envKeys),
		config.WithOptional(true),
	}
	if path != "" {
		base = append(base, config.WithConfigFile(path))
	} else {
		base = append(base,
			config.WithConfigName("config"),
			config.WithConfigType("yaml"),
			config.WithConfigPaths(".", "./configs", "/etc/realtime"),
		)
	}

	cfg := config.New(append(base, opts...)...)
	if err := cfg.Load(); err != nil {
		return nil, nil, err
	}

	s := defaultSettings()
	if err := cfg.Unmarshal(s); err != nil {
		return nil, nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, s, nil
}

// Validate 跨组件校验，组件内部校验在各自构造函数中完成
func (s *Settings) Validate() error {
	switch s.Queue.Driver {
	case queueMemory, queueStore, queueSQL:
	default:
		return config.ErrConfigInvalid.WithMessagef("unknown queue driver %q", s.Queue.Driver)
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		return config.ErrConfigInvalid.WithError(err)
	}
	if s.Auth.Secret == "" {
		return config.ErrConfigInvalid.WithError(auth.ErrMissingSecret)
	}
	if s.Backbone.Enabled && s.Backbone.Driver == backbone.DriverStore && s.Store.Driver == store.DriverMemory {
		return config.ErrConfigInvalid.WithMessage("backbone over the memory store cannot reach other instances")
	}
	return nil
}

// options 转换为 logger 选项
func (l LogSettings) options() []logger.Option {
	level, _ := logger.ParseLevel(l.Level)
	opts := []logger.Option{
		logger.WithLevel(level),
		logger.WithFormat(logger.Format(l.Format)),
		logger.WithCaller(l.Caller),
		logger.WithStacktrace(l.Stacktrace),
	}
	if l.Console {
		opts = append(opts, logger.WithConsoleOutput())
	}
	switch {
	case l.File != "" && l.MaxSizeMB > 0:
		opts = append(opts, logger.WithRotateOutput(&logger.RotateConfig{
			Filename:   l.File,
			MaxSize:    l.MaxSizeMB,
			MaxAge:     l.MaxAgeDays,
			MaxBackups: l.MaxBackups,
			Compress:   l.Compress,
		}))
	case l.File != "":
		opts = append(opts, logger.WithFileOutput(l.File))
	}
	if l.SamplingInitial > 0 {
		opts = append(opts, logger.WithSampling(&logger.SamplingConfig{
			Initial:    l.SamplingInitial,
			Thereafter: l.SamplingThereafter,
		}))
	}
	return opts
}
