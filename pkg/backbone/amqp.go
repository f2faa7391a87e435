package backbone

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/tracing"
)

// AMQPBackbone 基于 RabbitMQ fanout exchange 的中继
//
// 每个订阅声明一个独占、自动删除的队列绑定到 exchange。
type AMQPBackbone struct {
	conn     *amqp.Connection
	exchange string
	log      logger.Logger

	mu     sync.Mutex // amqp.Channel 不支持并发发布
	pubCh  *amqp.Channel
	closed atomic.Bool
}

// NewAMQP 连接 RabbitMQ 并声明 fanout exchange
func NewAMQP(url, exchange string, log logger.Logger) (*AMQPBackbone, error) {
	if log == nil {
		log = logger.Nop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, ErrSubscribe.WithError(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, ErrSubscribe.WithError(err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, ErrSubscribe.WithError(err)
	}
	return &AMQPBackbone{conn: conn, exchange: exchange, log: log, pubCh: ch}, nil
}

func (b *AMQPBackbone) Publish(ctx context.Context, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "backbone.amqp.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	tracing.SetAttributes(span, map[string]any{
		"messaging.system":            "rabbitmq",
		"messaging.destination.name":  b.exchange,
		"messaging.message.body.size": len(payload),
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.pubCh.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return ErrPublish.WithError(err)
	}
	return nil
}

func (b *AMQPBackbone) Subscribe(_ context.Context, handler func([]byte)) (io.Closer, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, ErrSubscribe.WithError(err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, ErrSubscribe.WithError(err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, ErrSubscribe.WithError(err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, ErrSubscribe.WithError(err)
	}

	sub := &amqpSubscription{ch: ch, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for d := range deliveries {
			handler(d.Body)
		}
		b.log.Debug("amqp deliveries closed", zap.String("queue", q.Name))
	}()
	return sub, nil
}

func (b *AMQPBackbone) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.conn.Close()
}

type amqpSubscription struct {
	ch   *amqp.Channel
	done chan struct{}
	once sync.Once
	err  error
}

func (s *amqpSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ch.Close()
		<-s.done
	})
	return s.err
}
