package tracing

import (
	"time"

	"github.com/tokmz/realtime/pkg/errors"
)

// 导出器类型
const (
	ExporterOTLP     = "otlp"
	ExporterOTLPGRPC = "otlp_grpc"
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

var (
	// ErrInvalidConfig 追踪配置无效
	ErrInvalidConfig = errors.New(3201, "invalid tracing config")
	// ErrExporter 导出器创建失败
	ErrExporter = errors.New(3202, "tracing exporter init failed")
)

// Config 链路追踪配置
type Config struct {
	// 服务名称（必填）
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	// 环境（dev/staging/prod）
	Environment string `mapstructure:"environment"`

	// 导出器类型（otlp/otlp_grpc/stdout/noop）
	ExporterType     string            `mapstructure:"exporter"`
	ExporterEndpoint string            `mapstructure:"endpoint"`
	ExporterHeaders  map[string]string `mapstructure:"headers"`
	// 是否使用非 TLS 连接
	Insecure bool `mapstructure:"insecure"`

	// 采样率（0.0-1.0）
	SamplingRate float64 `mapstructure:"sampling_rate"`
	// 采样类型（always/never/ratio/parent_based）
	SamplingType string `mapstructure:"sampling_type"`

	Enabled bool `mapstructure:"enabled"`

	ResourceAttributes map[string]string `mapstructure:"resource_attributes"`

	BatchTimeout       time.Duration `mapstructure:"batch_timeout"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size"`
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "realtime",
		ServiceVersion:     "1.0.0",
		Environment:        "development",
		ExporterType:       ExporterNoop,
		SamplingRate:       1.0,
		SamplingType:       "parent_based",
		Enabled:            false,
		ResourceAttributes: make(map[string]string),
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig.WithMessage("service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig.WithMessage("sampling rate must be between 0.0 and 1.0")
	}
	switch c.ExporterType {
	case ExporterOTLP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
	default:
		return ErrInvalidConfig.WithMessagef("invalid exporter type: %s", c.ExporterType)
	}
	return nil
}
