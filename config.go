package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	// Addr 监听地址，默认 ":8080"
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout 对已升级的 WebSocket 连接无效，连接由 Hub 自行控制写超时
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// ShutdownConfig 关机配置
type ShutdownConfig struct {
	// Timeout 关机超时，覆盖 HTTP Server 与 Hub 的关闭
	Timeout        time.Duration `mapstructure:"timeout"`
	BeforeShutdown func()        `mapstructure:"-"`
	AfterShutdown  func()        `mapstructure:"-"`
}

// RouteConfig 路由路径
type RouteConfig struct {
	WebSocket string `mapstructure:"websocket"`
	Stats     string `mapstructure:"stats"`
	Events    string `mapstructure:"events"`
	Limits    string `mapstructure:"limits"`
	Metrics   string `mapstructure:"metrics"`
	Health    string `mapstructure:"health"`
}

// Config 服务配置
type Config struct {
	// Mode 运行模式：debug, release, test
	Mode           string         `mapstructure:"mode"`
	Server         ServerConfig   `mapstructure:",squash"`
	Shutdown       ShutdownConfig `mapstructure:"shutdown"`
	Routes         RouteConfig    `mapstructure:"routes"`
	TrustedProxies []string       `mapstructure:"trusted_proxies"`
	// CORS 为空时不注册跨域中间件
	CORS CORSConfig `mapstructure:"cors"`
	// Banner 启动时打印 banner 与路由表
	Banner bool `mapstructure:"banner"`
	// EventsLimit /ws/events 默认返回条数
	EventsLimit int `mapstructure:"events_limit"`

	// Metrics Prometheus 暴露端点，nil 时不注册 /metrics
	Metrics http.Handler `mapstructure:"-"`
	// Tracing 为 HTTP 请求创建 span
	Tracing bool `mapstructure:"tracing"`
}

// Option 配置选项函数
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Mode: gin.ReleaseMode,
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1MB
		},
		Shutdown: ShutdownConfig{
			Timeout: 10 * time.Second,
		},
		Routes: RouteConfig{
			WebSocket: "/ws",
			Stats:     "/ws/stats",
			Events:    "/ws/events",
			Limits:    "/ws/limits/:client",
			Metrics:   "/metrics",
			Health:    "/healthz",
		},
		EventsLimit: 100,
	}
}

// WithConfig 整体覆盖配置，零值字段保留默认
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		if cfg.Mode != "" {
			c.Mode = cfg.Mode
		}
		mergeServer(&c.Server, cfg.Server)
		if cfg.Shutdown.Timeout > 0 {
			c.Shutdown.Timeout = cfg.Shutdown.Timeout
		}
		mergeRoutes(&c.Routes, cfg.Routes)
		if cfg.TrustedProxies != nil {
			c.TrustedProxies = cfg.TrustedProxies
		}
		if len(cfg.CORS.AllowOrigins) > 0 {
			c.CORS = cfg.CORS
		}
		if cfg.EventsLimit > 0 {
			c.EventsLimit = cfg.EventsLimit
		}
		c.Banner = cfg.Banner
		c.Tracing = cfg.Tracing
	}
}

func mergeServer(dst *ServerConfig, src ServerConfig) {
	if src.Addr != "" {
		dst.Addr = src.Addr
	}
	if src.ReadTimeout > 0 {
		dst.ReadTimeout = src.ReadTimeout
	}
	if src.WriteTimeout > 0 {
		dst.WriteTimeout = src.WriteTimeout
	}
	if src.IdleTimeout > 0 {
		dst.IdleTimeout = src.IdleTimeout
	}
	if src.MaxHeaderBytes > 0 {
		dst.MaxHeaderBytes = src.MaxHeaderBytes
	}
}

func mergeRoutes(dst *RouteConfig, src RouteConfig) {
	for _, p := range []struct {
		d *string
		s string
	}{
		{&dst.WebSocket, src.WebSocket},
		{&dst.Stats, src.Stats},
		{&dst.Events, src.Events},
		{&dst.Limits, src.Limits},
		{&dst.Metrics, src.Metrics},
		{&dst.Health, src.Health},
	} {
		if p.s != "" {
			*p.d = p.s
		}
	}
}

// WithMode 设置运行模式
func WithMode(mode string) Option {
	return func(c *Config) {
		c.Mode = mode
	}
}

// WithAddr 设置监听地址
func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Server.Addr = addr
	}
}

// WithShutdownTimeout 设置关机超时时间
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Shutdown.Timeout = timeout
	}
}

// WithBeforeShutdown 关机前回调
func WithBeforeShutdown(fn func()) Option {
	return func(c *Config) {
		c.Shutdown.BeforeShutdown = fn
	}
}

// WithAfterShutdown 关机后回调
func WithAfterShutdown(fn func()) Option {
	return func(c *Config) {
		c.Shutdown.AfterShutdown = fn
	}
}

// WithTrustedProxies 设置信任的代理
func WithTrustedProxies(proxies ...string) Option {
	return func(c *Config) {
		c.TrustedProxies = proxies
	}
}

// WithCORS 为监控接口开启跨域
func WithCORS(cfg CORSConfig) Option {
	return func(c *Config) {
		c.CORS = cfg
	}
}

// WithWebSocketPath 设置握手路径
func WithWebSocketPath(path string) Option {
	return func(c *Config) {
		c.Routes.WebSocket = path
	}
}

// WithMetricsHandler 注册 /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(c *Config) {
		c.Metrics = h
	}
}

// WithTracing 开启 HTTP 链路追踪
func WithTracing() Option {
	return func(c *Config) {
		c.Tracing = true
	}
}

// WithBanner 启动时打印 banner
func WithBanner() Option {
	return func(c *Config) {
		c.Banner = true
	}
}
