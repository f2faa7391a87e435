package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// 自增，仅在键无过期时间时设置窗口
	incrWithTTLScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n`)

	decrFloorScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return n`)

	pushCappedScript = redis.NewScript(`
local len = redis.call('RPUSH', KEYS[1], ARGV[1])
local max = tonumber(ARGV[2])
local evicted = 0
if max > 0 and len > max then
  evicted = len - max
  redis.call('LTRIM', KEYS[1], evicted, -1)
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return evicted`)

	removeHeadScript = redis.NewScript(`
local removed = 0
for i = 1, #ARGV do
  if redis.call('LINDEX', KEYS[1], 0) == ARGV[i] then
    redis.call('LPOP', KEYS[1])
    removed = removed + 1
  end
end
return removed`)
)

// redisStore Redis 驱动
type redisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func newRedisStore(cfg *Config) *redisStore {
	return &redisStore{
		client:    newRedisClient(cfg.Redis),
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewFromClient 使用已有客户端创建（共享连接池或测试）
func NewFromClient(client redis.UniversalClient, keyPrefix string) Store {
	return &redisStore{client: client, keyPrefix: keyPrefix}
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	switch cfg.Mode {
	case RedisCluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	case RedisSentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addrs,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	default:
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}
}

func (r *redisStore) key(k string) string {
	return r.keyPrefix + k
}

// wrap 将驱动错误归一为 ErrUnavailable
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed.WithError(err)
	}
	return ErrUnavailable.WithError(err)
}

func (r *redisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrWithTTLScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Int64()
	return n, wrap(err)
}

func (r *redisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, r.key(key), delta).Result()
	return n, wrap(err)
}

func (r *redisStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	n, err := decrFloorScript.Run(ctx, r.client, []string{r.key(key)}).Int64()
	return n, wrap(err)
}

func (r *redisStore) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, wrap(err)
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrap(r.client.Set(ctx, r.key(key), value, ttl).Err())
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		return nil, wrap(err)
	}
	return b, nil
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, wrap(err)
}

func (r *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return wrap(r.client.Del(ctx, full...).Err())
}

func (r *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.PTTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, wrap(err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (r *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(r.client.PExpire(ctx, r.key(key), ttl).Err())
}

func (r *redisStore) PushCapped(ctx context.Context, key string, value []byte, max int64, ttl time.Duration) (int64, error) {
	n, err := pushCappedScript.Run(ctx, r.client, []string{r.key(key)}, value, max, ttl.Milliseconds()).Int64()
	return n, wrap(err)
}

func (r *redisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, r.key(key), start, stop).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *redisStore) RemoveHead(ctx context.Context, key string, values [][]byte) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := removeHeadScript.Run(ctx, r.client, []string{r.key(key)}, args...).Int64()
	return n, wrap(err)
}

func (r *redisStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, r.key(key)).Result()
	return n, wrap(err)
}

func (r *redisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrap(r.client.Publish(ctx, r.key(channel), payload).Err())
}

func (r *redisStore) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.key(channel))
	// 等待订阅确认，保证返回后发布的消息不会丢失
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrap(err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		defer close(sub.done)
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

func (r *redisStore) Ping(ctx context.Context) error {
	return wrap(r.client.Ping(ctx).Err())
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
