package backbone

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/tracing"
)

// kafkaPartition 所有中继帧写入同一分区，保证全局顺序
const kafkaPartition int32 = 0

// KafkaBackbone 基于 Kafka 单分区的中继
//
// 每个实例独立消费该分区（不使用消费组），从最新位点开始。
type KafkaBackbone struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	log      logger.Logger

	mu     sync.Mutex // SyncProducer 串行发送，保持调用顺序
	closed atomic.Bool
}

// NewKafka 连接 Kafka 集群
func NewKafka(cfg *KafkaConfig, topic string, log logger.Logger) (*KafkaBackbone, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, ErrInvalidConfig.WithError(err)
		}
		sc.Version = v
	}
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	sc.Consumer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, ErrSubscribe.WithError(err)
	}
	consumer, err := sarama.NewConsumer(cfg.Brokers, sc)
	if err != nil {
		_ = producer.Close()
		return nil, ErrSubscribe.WithError(err)
	}
	return NewKafkaWith(producer, consumer, topic, log), nil
}

// NewKafkaWith 使用已有的 producer/consumer
func NewKafkaWith(producer sarama.SyncProducer, consumer sarama.Consumer, topic string, log logger.Logger) *KafkaBackbone {
	if log == nil {
		log = logger.Nop()
	}
	return &KafkaBackbone{producer: producer, consumer: consumer, topic: topic, log: log}
}

func (b *KafkaBackbone) Publish(ctx context.Context, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return ErrPublish.WithError(err)
	}

	_, span := tracing.StartSpan(ctx, "backbone.kafka.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	tracing.SetAttributes(span, map[string]any{
		"messaging.system":            "kafka",
		"messaging.destination.name":  b.topic,
		"messaging.message.body.size": len(payload),
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	_, offset, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     b.topic,
		Partition: kafkaPartition,
		Value:     sarama.ByteEncoder(payload),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return ErrPublish.WithError(err)
	}
	tracing.AddEvent(span, "produced", map[string]any{"offset": offset})
	return nil
}

func (b *KafkaBackbone) Subscribe(_ context.Context, handler func([]byte)) (io.Closer, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	pc, err := b.consumer.ConsumePartition(b.topic, kafkaPartition, sarama.OffsetNewest)
	if err != nil {
		return nil, ErrSubscribe.WithError(err)
	}

	sub := &kafkaSubscription{pc: pc, done: make(chan struct{})}
	go sub.run(handler, b.log)
	return sub, nil
}

func (b *KafkaBackbone) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

type kafkaSubscription struct {
	pc   sarama.PartitionConsumer
	done chan struct{}
	once sync.Once
	err  error
}

func (s *kafkaSubscription) run(handler func([]byte), log logger.Logger) {
	defer close(s.done)

	messages, errs := s.pc.Messages(), s.pc.Errors()
	for messages != nil || errs != nil {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			handler(msg.Value)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("kafka consume error", zap.Error(err))
		}
	}
}

// Close 停止消费并等待 handler 返回
func (s *kafkaSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pc.Close()
		<-s.done
	})
	return s.err
}
