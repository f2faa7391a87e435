package orm

import (
	"time"

	"github.com/tokmz/realtime/pkg/logger"
)

// DBType 数据库类型
type DBType string

const (
	MySQL      DBType = "mysql"
	PostgreSQL DBType = "postgres"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Type DBType `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`

	// 连接池
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	SkipDefaultTransaction bool `mapstructure:"skip_default_transaction"`
	PrepareStmt            bool `mapstructure:"prepare_stmt"`

	// 日志级别 (1:Silent 2:Error 3:Warn 4:Info)
	LogLevel      int           `mapstructure:"log_level"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`

	TablePrefix string `mapstructure:"table_prefix"`

	// 为每条语句创建 otel span
	Tracing bool `mapstructure:"tracing"`

	ReadWriteSplit *ReadWriteSplitConfig `mapstructure:"read_write_split"`

	// SQL 日志输出，nil 时静默
	Logger logger.Logger `mapstructure:"-"`
}

// ReadWriteSplitConfig 读写分离配置
type ReadWriteSplitConfig struct {
	Sources []string `mapstructure:"sources"` // 从库 DSN
	Policy  string   `mapstructure:"policy"`  // random | round_robin

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DefaultConfig 默认配置（sqlite 内存库，便于本地运行）
func DefaultConfig() *Config {
	return &Config{
		Type:            SQLite,
		DSN:             "file::memory:?cache=shared",
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		LogLevel:        2,
		SlowThreshold:   200 * time.Millisecond,
	}
}
