package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "realtime.store"

// tracedStore 链路追踪装饰器
type tracedStore struct {
	Store
	tracer trace.Tracer
}

// NewTracing 为存储操作添加 Span
func NewTracing(s Store) Store {
	return &tracedStore{Store: s, tracer: otel.Tracer(tracerName)}
}

// wrapOperation 包装操作，自动处理 Span；ErrNotFound 不视为错误
func (t *tracedStore) wrapOperation(ctx context.Context, operation, key string, fn func(ctx context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, "store."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("store.key", key),
		attribute.String("store.operation", operation),
	)

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("store.duration_ms", time.Since(start).Milliseconds()))

	if err != nil && err != ErrNotFound {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return err
}

func (t *tracedStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (n int64, err error) {
	err = t.wrapOperation(ctx, "incr", key, func(ctx context.Context) error {
		n, err = t.Store.IncrWithTTL(ctx, key, ttl)
		return err
	})
	return
}

func (t *tracedStore) IncrBy(ctx context.Context, key string, delta int64) (n int64, err error) {
	err = t.wrapOperation(ctx, "incr_by", key, func(ctx context.Context) error {
		n, err = t.Store.IncrBy(ctx, key, delta)
		return err
	})
	return
}

func (t *tracedStore) DecrFloor(ctx context.Context, key string) (n int64, err error) {
	err = t.wrapOperation(ctx, "decr", key, func(ctx context.Context) error {
		n, err = t.Store.DecrFloor(ctx, key)
		return err
	})
	return
}

func (t *tracedStore) GetInt(ctx context.Context, key string) (n int64, err error) {
	err = t.wrapOperation(ctx, "get_int", key, func(ctx context.Context) error {
		n, err = t.Store.GetInt(ctx, key)
		return err
	})
	return
}

func (t *tracedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.wrapOperation(ctx, "set", key, func(ctx context.Context) error {
		return t.Store.Set(ctx, key, value, ttl)
	})
}

func (t *tracedStore) Get(ctx context.Context, key string) (v []byte, err error) {
	err = t.wrapOperation(ctx, "get", key, func(ctx context.Context) error {
		v, err = t.Store.Get(ctx, key)
		return err
	})
	return
}

func (t *tracedStore) PushCapped(ctx context.Context, key string, value []byte, max int64, ttl time.Duration) (n int64, err error) {
	err = t.wrapOperation(ctx, "push_capped", key, func(ctx context.Context) error {
		n, err = t.Store.PushCapped(ctx, key, value, max, ttl)
		return err
	})
	return
}

func (t *tracedStore) Range(ctx context.Context, key string, start, stop int64) (v [][]byte, err error) {
	err = t.wrapOperation(ctx, "range", key, func(ctx context.Context) error {
		v, err = t.Store.Range(ctx, key, start, stop)
		return err
	})
	return
}

func (t *tracedStore) RemoveHead(ctx context.Context, key string, values [][]byte) (n int64, err error) {
	err = t.wrapOperation(ctx, "remove_head", key, func(ctx context.Context) error {
		n, err = t.Store.RemoveHead(ctx, key, values)
		return err
	})
	return
}

func (t *tracedStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.wrapOperation(ctx, "publish", channel, func(ctx context.Context) error {
		return t.Store.Publish(ctx, channel, payload)
	})
}
