package logger

import "go.uber.org/zap/zapcore"

// Option 配置选项函数
type Option func(*Config)

// WithLevel 设置日志级别
func WithLevel(level Level) Option {
	return func(c *Config) {
		c.Level = level
	}
}

// WithFormat 设置日志格式
func WithFormat(format Format) Option {
	return func(c *Config) {
		c.Format = format
	}
}

// WithConsoleOutput 启用控制台输出
func WithConsoleOutput() Option {
	return func(c *Config) {
		c.Console = true
	}
}

// WithFileOutput 设置文件输出
func WithFileOutput(filename string) Option {
	return func(c *Config) {
		c.File = filename
	}
}

// WithRotateOutput 设置轮转输出
func WithRotateOutput(rc *RotateConfig) Option {
	return func(c *Config) {
		c.Rotate = rc
	}
}

// WithWriter 设置自定义输出
func WithWriter(w zapcore.WriteSyncer) Option {
	return func(c *Config) {
		c.Writer = w
	}
}

// WithSampling 设置采样
func WithSampling(sc *SamplingConfig) Option {
	return func(c *Config) {
		c.Sampling = sc
	}
}

// WithCaller 是否记录调用位置
func WithCaller(enable bool) Option {
	return func(c *Config) {
		c.EnableCaller = enable
	}
}

// WithStacktrace 是否记录 Error 以上堆栈
func WithStacktrace(enable bool) Option {
	return func(c *Config) {
		c.EnableStacktrace = enable
	}
}

// WithHook 添加 Hook
func WithHook(hook Hook) Option {
	return func(c *Config) {
		c.Hooks = append(c.Hooks, hook)
	}
}
