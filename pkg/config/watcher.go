package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// startWatch 注册 viper 文件监控，调用方需持有 mu
func (c *Config) startWatch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.RLock()
		watching := c.watching
		handlers := append([]func(fsnotify.Event){}, c.onChange...)
		c.mu.RUnlock()

		if !watching {
			return
		}
		for _, fn := range handlers {
			c.safeCall(fn, e)
		}
	})
	c.viper.WatchConfig()
	c.watching = true
}

// StartWatch 开始监控配置文件，重复调用无副作用
func (c *Config) StartWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching {
		return nil
	}
	if c.viper.ConfigFileUsed() == "" {
		return ErrConfigNotFound.WithMessage("未加载配置文件，无法监控")
	}
	c.startWatch()
	return nil
}

// StopWatch 停止监控
// viper 无法关闭底层 fsnotify watcher，这里只屏蔽回调
func (c *Config) StopWatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = false
}

// OnChange 追加变更回调
func (c *Config) OnChange(fn func(fsnotify.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

func (c *Config) safeCall(fn func(fsnotify.Event), e fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.reportError(fmt.Errorf("config change handler panic: %v", r))
		}
	}()
	fn(e)
}

// reportError 优先交给 onError，否则写 stderr
func (c *Config) reportError(err error) {
	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()

	if onError != nil {
		onError(err)
		return
	}
	fmt.Fprintf(os.Stderr, "[config] %v\n", err)
}
