// Package store 实例间共享状态：计数器、有界列表、键值与发布订阅
//
// 提供 Redis（单机/集群/哨兵）与内存两种驱动，内存驱动用于单实例与测试。
package store

import (
	"context"
	"time"
)

// Store 共享存储接口
type Store interface {
	Counter
	KV
	Lists
	PubSub

	Ping(ctx context.Context) error
	Close() error
}

// Counter 原子计数器
type Counter interface {
	// IncrWithTTL 自增 1；键首次创建（或无过期时间）时设置 ttl，窗口内不续期
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy 增加 delta（可为负），不改变过期时间
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// DecrFloor 自减 1，结果 <= 0 时删除键并返回 0
	DecrFloor(ctx context.Context, key string) (int64, error)
	// GetInt 读取计数，不存在返回 0
	GetInt(ctx context.Context, key string) (int64, error)
}

// KV 键值操作
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get 不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// TTL 剩余存活时间，键不存在或无过期时间返回 0
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Lists 有界 FIFO 列表
type Lists interface {
	// PushCapped 追加到尾部，超过 max 时从头部淘汰，返回淘汰条数
	PushCapped(ctx context.Context, key string, value []byte, max int64, ttl time.Duration) (int64, error)
	// Range 按下标读取，语义同 LRANGE
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// RemoveHead 依次比对头部元素，相等则弹出；已被淘汰的元素自动跳过
	RemoveHead(ctx context.Context, key string, values [][]byte) (int64, error)
	Len(ctx context.Context, key string) (int64, error)
}

// PubSub 发布订阅
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe 订阅确认后返回；handler 在单个 goroutine 中按发布顺序调用
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)
}

// Subscription 订阅句柄
type Subscription interface {
	Close() error
}
