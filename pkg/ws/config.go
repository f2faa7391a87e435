package ws

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/store"
)

// Scope 限流身份维度
type Scope string

const (
	ScopeUser   Scope = "user"   // 按用户
	ScopeIP     Scope = "ip"     // 按来源 IP
	ScopeClient Scope = "client" // 按握手参数 client_id，缺失时回退 IP
)

// Config Hub 配置
type Config struct {
	// 连接
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	SendBufferSize   int           `mapstructure:"send_buffer_size"` // 每连接出站缓冲

	// 心跳
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	// 离线队列
	QueueCapacity  int `mapstructure:"queue_capacity"`
	DrainBatchSize int `mapstructure:"drain_batch_size"`

	// 外部依赖超时
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	PresenceTTL    time.Duration `mapstructure:"presence_ttl"`

	// 连续无效消息超过该值断开连接
	MaxInvalidMessages int `mapstructure:"max_invalid_messages"`
	// 最近生命周期事件保留条数
	EventLogSize int `mapstructure:"event_log_size"`
	// 关闭时并发关闭连接的上限
	ShutdownConcurrency int `mapstructure:"shutdown_concurrency"`

	// 握手参数名
	TokenParam    string `mapstructure:"token_param"`
	ClientIDParam string `mapstructure:"client_id_param"`

	Limits   LimitConfig    `mapstructure:"limits"`
	Upgrader UpgraderConfig `mapstructure:"upgrader"`

	// 协作组件，未设置时使用默认实现
	Store    store.Store   `mapstructure:"-"`
	Queue    OfflineQueue  `mapstructure:"-"`
	Verifier TokenVerifier `mapstructure:"-"`
	Backbone Backbone      `mapstructure:"-"`
	Logger   logger.Logger `mapstructure:"-"`
	Metrics  Metrics       `mapstructure:"-"`
}

// LimitConfig 准入控制配置
type LimitConfig struct {
	Window                  time.Duration `mapstructure:"window"`
	MaxRequestsPerWindow    int64         `mapstructure:"max_requests_per_window"`
	MaxConnectionsPerClient int64         `mapstructure:"max_connections_per_client"` // 0 不限制
	ConnectionTTL           time.Duration `mapstructure:"connection_ttl"`
	Scope                   Scope         `mapstructure:"scope"`
	KeyPrefix               string        `mapstructure:"key_prefix"`

	// 进程内全局令牌桶，GlobalRate <= 0 关闭
	GlobalRate  float64 `mapstructure:"global_rate"`
	GlobalBurst int     `mapstructure:"global_burst"`
}

// UpgraderConfig Upgrader 配置
type UpgraderConfig struct {
	AllowedOrigins    []string                 `mapstructure:"allowed_origins"` // 白名单
	AllowAllOrigins   bool                     `mapstructure:"allow_all_origins"`
	EnableCompression bool                     `mapstructure:"enable_compression"`
	CheckOrigin       func(*http.Request) bool `mapstructure:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
		HandshakeTimeout:    10 * time.Second,
		MaxMessageSize:      64 * 1024,
		WriteWait:           10 * time.Second,
		SendBufferSize:      256,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		QueueCapacity:       1000,
		DrainBatchSize:      50,
		StoreTimeout:        2 * time.Second,
		PublishTimeout:      2 * time.Second,
		PresenceTTL:         90 * time.Second,
		MaxInvalidMessages:  10,
		EventLogSize:        100,
		ShutdownConcurrency: 64,
		TokenParam:          "token",
		ClientIDParam:       "client_id",
		Limits: LimitConfig{
			Window:                  60 * time.Second,
			MaxRequestsPerWindow:    100,
			MaxConnectionsPerClient: 10,
			ConnectionTTL:           time.Hour,
			Scope:                   ScopeUser,
			KeyPrefix:               "ratelimit",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case c.ReadBufferSize <= 0 || c.WriteBufferSize <= 0:
		return ErrInvalidConfig.WithMessage("buffer sizes must be positive")
	case c.MaxMessageSize <= 0:
		return ErrInvalidConfig.WithMessagef("MaxMessageSize must be positive, got %d", c.MaxMessageSize)
	case c.SendBufferSize <= 0:
		return ErrInvalidConfig.WithMessagef("SendBufferSize must be positive, got %d", c.SendBufferSize)
	case c.WriteWait <= 0 || c.HandshakeTimeout <= 0:
		return ErrInvalidConfig.WithMessage("WriteWait and HandshakeTimeout must be positive")
	case c.HeartbeatInterval <= 0:
		return ErrInvalidConfig.WithMessagef("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return ErrInvalidConfig.WithMessagef("HeartbeatTimeout (%v) must be greater than HeartbeatInterval (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.HeartbeatTimeout > 3*c.HeartbeatInterval:
		return ErrInvalidConfig.WithMessagef("HeartbeatTimeout (%v) must not exceed 3x HeartbeatInterval (%v)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.QueueCapacity <= 0:
		return ErrInvalidConfig.WithMessagef("QueueCapacity must be positive, got %d", c.QueueCapacity)
	case c.DrainBatchSize <= 0:
		return ErrInvalidConfig.WithMessagef("DrainBatchSize must be positive, got %d", c.DrainBatchSize)
	case c.StoreTimeout <= 0 || c.PublishTimeout <= 0:
		return ErrInvalidConfig.WithMessage("StoreTimeout and PublishTimeout must be positive")
	case c.TokenParam == "":
		return ErrInvalidConfig.WithMessage("TokenParam is required")
	}
	return c.Limits.Validate()
}

// Validate 校验准入配置
func (l *LimitConfig) Validate() error {
	switch {
	case l.Window <= 0:
		return ErrInvalidConfig.WithMessagef("Limits.Window must be positive, got %v", l.Window)
	case l.MaxRequestsPerWindow <= 0:
		return ErrInvalidConfig.WithMessagef("Limits.MaxRequestsPerWindow must be positive, got %d", l.MaxRequestsPerWindow)
	case l.MaxConnectionsPerClient < 0:
		return ErrInvalidConfig.WithMessage("Limits.MaxConnectionsPerClient must not be negative")
	case l.MaxConnectionsPerClient > 0 && l.ConnectionTTL <= 0:
		return ErrInvalidConfig.WithMessage("Limits.ConnectionTTL must be positive")
	case l.GlobalRate > 0 && l.GlobalBurst <= 0:
		return ErrInvalidConfig.WithMessage("Limits.GlobalBurst must be positive when GlobalRate is set")
	}
	switch l.Scope {
	case ScopeUser, ScopeIP, ScopeClient:
		return nil
	default:
		return ErrInvalidConfig.WithMessagef("invalid Limits.Scope %q", l.Scope)
	}
}

// Option 配置选项
type Option func(*Config)

// WithConfig 整体替换配置（协作组件字段保留调用方设置）
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		keep := *c
		*c = cfg
		if c.Store == nil {
			c.Store = keep.Store
		}
		if c.Queue == nil {
			c.Queue = keep.Queue
		}
		if c.Verifier == nil {
			c.Verifier = keep.Verifier
		}
		if c.Backbone == nil {
			c.Backbone = keep.Backbone
		}
		if c.Logger == nil {
			c.Logger = keep.Logger
		}
		if c.Metrics == nil {
			c.Metrics = keep.Metrics
		}
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithLimits 设置准入控制
func WithLimits(l LimitConfig) Option {
	return func(c *Config) {
		c.Limits = l
	}
}

// WithQueueCapacity 设置每用户离线队列上限
func WithQueueCapacity(n int) Option {
	return func(c *Config) {
		c.QueueCapacity = n
	}
}

// WithStore 设置共享存储
func WithStore(s store.Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithQueue 设置离线队列实现
func WithQueue(q OfflineQueue) Option {
	return func(c *Config) {
		c.Queue = q
	}
}

// WithVerifier 设置令牌校验器
func WithVerifier(v TokenVerifier) Option {
	return func(c *Config) {
		c.Verifier = v
	}
}

// WithBackbone 设置跨实例广播通道
func WithBackbone(b Backbone) Option {
	return func(c *Config) {
		c.Backbone = b
	}
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics 设置监控
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithCheckOriginWhitelist 设置 Origin 白名单
func WithCheckOriginWhitelist(origins ...string) Option {
	return func(c *Config) {
		c.Upgrader.AllowedOrigins = origins
	}
}

// WithAllowAllOrigins 允许所有来源（仅用于开发环境）
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.Upgrader.AllowAllOrigins = true
	}
}

// sameOrigin 默认同源检查；无 Origin 头的非浏览器客户端放行
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func whitelistChecker(allowed []string) func(*http.Request) bool {
	whitelist := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		whitelist[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := whitelist[r.Header.Get("Origin")]
		return ok
	}
}

// newUpgrader 根据配置创建 gorilla Upgrader
func newUpgrader(c *Config) *websocket.Upgrader {
	check := c.Upgrader.CheckOrigin
	switch {
	case check != nil:
	case c.Upgrader.AllowAllOrigins:
		check = func(*http.Request) bool { return true }
	case len(c.Upgrader.AllowedOrigins) > 0:
		check = whitelistChecker(c.Upgrader.AllowedOrigins)
	default:
		check = sameOrigin
	}

	return &websocket.Upgrader{
		ReadBufferSize:    c.ReadBufferSize,
		WriteBufferSize:   c.WriteBufferSize,
		HandshakeTimeout:  c.HandshakeTimeout,
		CheckOrigin:       check,
		EnableCompression: c.Upgrader.EnableCompression,
		Subprotocols:      []string{bearerProtocol},
	}
}
