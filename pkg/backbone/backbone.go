// Package backbone 实例间中继通道：共享存储发布订阅、Kafka 与 AMQP
package backbone

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/store"
)

// Backbone 中继通道；同一发送方的消息按发布顺序送达，handler 顺序执行
type Backbone interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func(payload []byte)) (io.Closer, error)
	Close() error
}

var (
	ErrInvalidConfig = errors.New(3101, "invalid backbone config")
	ErrClosed        = errors.New(3102, "backbone closed", http.StatusServiceUnavailable)
	ErrPublish       = errors.New(3103, "backbone publish failed", http.StatusServiceUnavailable)
	ErrSubscribe     = errors.New(3104, "backbone subscribe failed", http.StatusServiceUnavailable)
)

// Driver 通道类型
type Driver string

const (
	DriverStore Driver = "store"
	DriverKafka Driver = "kafka"
	DriverAMQP  Driver = "amqp"
)

// Config 中继配置
type Config struct {
	Driver Driver `mapstructure:"driver"`
	// Channel 发布订阅频道 / Kafka topic / AMQP exchange
	Channel string      `mapstructure:"channel"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
	AMQP    AMQPConfig  `mapstructure:"amqp"`
}

// KafkaConfig Kafka 连接
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Version  string   `mapstructure:"version"`
	ClientID string   `mapstructure:"client_id"`
}

// AMQPConfig RabbitMQ 连接
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// DefaultConfig 默认使用共享存储
func DefaultConfig() *Config {
	return &Config{
		Driver:  DriverStore,
		Channel: "realtime:relay",
		Kafka:   KafkaConfig{ClientID: "realtime"},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Channel) == "" {
		return ErrInvalidConfig.WithMessage("channel is required")
	}
	switch c.Driver {
	case DriverStore:
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return ErrInvalidConfig.WithMessage("kafka.brokers is required")
		}
	case DriverAMQP:
		if c.AMQP.URL == "" {
			return ErrInvalidConfig.WithMessage("amqp.url is required")
		}
	default:
		return ErrInvalidConfig.WithMessagef("unsupported driver %q", c.Driver)
	}
	return nil
}

// New 按配置创建中继通道；store 驱动使用传入的共享存储
func New(cfg *Config, st store.Store, log logger.Logger) (Backbone, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.With(zap.String("component", "backbone"), zap.String("driver", string(cfg.Driver)))

	switch cfg.Driver {
	case DriverKafka:
		return NewKafka(&cfg.Kafka, cfg.Channel, log)
	case DriverAMQP:
		return NewAMQP(cfg.AMQP.URL, cfg.Channel, log)
	default:
		if st == nil {
			return nil, ErrInvalidConfig.WithMessage("store driver requires a shared store")
		}
		return NewStore(st, cfg.Channel), nil
	}
}
