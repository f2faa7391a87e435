package config

import "github.com/tokmz/realtime/pkg/errors"

// 配置包错误（2000 段）
var (
	// ErrConfigNotFound 配置文件未找到
	ErrConfigNotFound = errors.New(2001, "配置文件未找到")
	// ErrConfigReadFailed 配置读取失败
	ErrConfigReadFailed = errors.New(2002, "配置读取失败")
	// ErrConfigDecode 配置反序列化失败
	ErrConfigDecode = errors.New(2003, "配置解析失败")
	// ErrConfigInvalid 配置校验失败
	ErrConfigInvalid = errors.New(2004, "配置无效")
)
