package logger

import "go.uber.org/zap/zapcore"

// Config 日志配置
type Config struct {
	Level  Level  // 日志级别（默认 InfoLevel）
	Format Format // 日志格式（默认 json）

	Console bool                // 输出到 stdout
	File    string              // 输出文件路径
	Rotate  *RotateConfig       // 轮转输出
	Writer  zapcore.WriteSyncer // 自定义输出（测试或转发）

	Sampling *SamplingConfig // 采样配置，nil 不采样

	EnableCaller     bool
	EnableStacktrace bool

	Hooks []Hook
}

// RotateConfig 文件轮转配置（lumberjack）
type RotateConfig struct {
	Filename   string // 文件路径
	MaxSize    int    // 单文件最大 MB，默认 100
	MaxAge     int    // 保留天数，默认 30
	MaxBackups int    // 保留个数，默认 10
	LocalTime  bool
	Compress   bool
}

// SamplingConfig 采样配置
type SamplingConfig struct {
	Initial    int // 每秒前 N 条必定记录
	Thereafter int // 之后每 M 条记录 1 条
}

// Hook 日志写入钩子
type Hook interface {
	OnWrite(entry zapcore.Entry, fields []zapcore.Field) error
}

func (c *Config) setDefaults() {
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil && c.Writer == nil {
		c.Console = true
	}
	if c.Rotate != nil {
		if c.Rotate.MaxSize == 0 {
			c.Rotate.MaxSize = 100
		}
		if c.Rotate.MaxAge == 0 {
			c.Rotate.MaxAge = 30
		}
		if c.Rotate.MaxBackups == 0 {
			c.Rotate.MaxBackups = 10
		}
	}
	if c.Sampling != nil {
		if c.Sampling.Initial == 0 {
			c.Sampling.Initial = 100
		}
		if c.Sampling.Thereafter == 0 {
			c.Sampling.Thereafter = 100
		}
	}
}
