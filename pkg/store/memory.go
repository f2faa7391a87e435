package store

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore 单进程驱动，键值与计数由 go-cache 管理过期
type memoryStore struct {
	cache     *gocache.Cache
	keyPrefix string
	mu        sync.Mutex

	subMu     sync.RWMutex
	subs      map[string]map[*memorySubscription]struct{}
	subBuffer int

	closed atomic.Bool
}

type memoryList struct {
	items [][]byte
}

func newMemoryStore(cfg *Config) *memoryStore {
	mc := cfg.Memory
	if mc == nil {
		mc = DefaultMemoryConfig()
	}
	buffer := mc.SubscriberBuffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &memoryStore{
		cache:     gocache.New(gocache.NoExpiration, mc.CleanupInterval),
		keyPrefix: cfg.KeyPrefix,
		subs:      make(map[string]map[*memorySubscription]struct{}),
		subBuffer: buffer,
	}
}

// NewMemory 创建内存存储
func NewMemory() Store {
	return newMemoryStore(DefaultConfig())
}

func (m *memoryStore) key(k string) string {
	return m.keyPrefix + k
}

func (m *memoryStore) check() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func ttlOrNever(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (m *memoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	k := m.key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	v, exp, found := m.cache.GetWithExpiration(k)
	if !found {
		m.cache.Set(k, int64(1), ttlOrNever(ttl))
		return 1, nil
	}
	n := v.(int64) + 1
	if exp.IsZero() {
		m.cache.Set(k, n, ttlOrNever(ttl))
		return n, nil
	}
	// IncrementInt64 保留原有过期时间
	return m.cache.IncrementInt64(k, 1)
}

func (m *memoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	k := m.key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.cache.Get(k); !found {
		m.cache.Set(k, delta, gocache.NoExpiration)
		return delta, nil
	}
	return m.cache.IncrementInt64(k, delta)
}

func (m *memoryStore) DecrFloor(_ context.Context, key string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	k := m.key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	v, found := m.cache.Get(k)
	if !found {
		return 0, nil
	}
	n, _ := v.(int64)
	if n-1 <= 0 {
		m.cache.Delete(k)
		return 0, nil
	}
	return m.cache.DecrementInt64(k, 1)
}

func (m *memoryStore) GetInt(_ context.Context, key string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	v, found := m.cache.Get(m.key(key))
	if !found {
		return 0, nil
	}
	n, _ := v.(int64)
	return n, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	m.cache.Set(m.key(key), bytes.Clone(value), ttlOrNever(ttl))
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	v, found := m.cache.Get(m.key(key))
	if !found {
		return nil, ErrNotFound
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(b), nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	_, found := m.cache.Get(m.key(key))
	return found, nil
}

func (m *memoryStore) Delete(_ context.Context, keys ...string) error {
	if err := m.check(); err != nil {
		return err
	}
	for _, k := range keys {
		m.cache.Delete(m.key(k))
	}
	return nil
}

func (m *memoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	_, exp, found := m.cache.GetWithExpiration(m.key(key))
	if !found || exp.IsZero() {
		return 0, nil
	}
	if d := time.Until(exp); d > 0 {
		return d, nil
	}
	return 0, nil
}

func (m *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := m.check(); err != nil {
		return err
	}
	k := m.key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, found := m.cache.Get(k); found {
		m.cache.Set(k, v, ttlOrNever(ttl))
	}
	return nil
}

func (m *memoryStore) list(k string) (*memoryList, bool) {
	v, found := m.cache.Get(k)
	if !found {
		return nil, false
	}
	l, ok := v.(*memoryList)
	return l, ok
}

func (m *memoryStore) PushCapped(_ context.Context, key string, value []byte, max int64, ttl time.Duration) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	k := m.key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.list(k)
	if !ok {
		l = &memoryList{}
	}
	l.items = append(l.items, bytes.Clone(value))

	var evicted int64
	if max > 0 && int64(len(l.items)) > max {
		evicted = int64(len(l.items)) - max
		l.items = append([][]byte(nil), l.items[evicted:]...)
	}

	if ttl > 0 || !ok {
		m.cache.Set(k, l, ttlOrNever(ttl))
	}
	return evicted, nil
}

func (m *memoryStore) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := m.check(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.list(m.key(key))
	if !ok {
		return nil, nil
	}
	n := int64(len(l.items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, item := range l.items[start : stop+1] {
		out = append(out, bytes.Clone(item))
	}
	return out, nil
}

func (m *memoryStore) RemoveHead(_ context.Context, key string, values [][]byte) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	k := m.key(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.list(k)
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, v := range values {
		if len(l.items) > 0 && bytes.Equal(l.items[0], v) {
			l.items = l.items[1:]
			removed++
		}
	}
	if len(l.items) == 0 {
		m.cache.Delete(k)
	}
	return removed, nil
}

func (m *memoryStore) Len(_ context.Context, key string) (int64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.list(m.key(key))
	if !ok {
		return 0, nil
	}
	return int64(len(l.items)), nil
}

func (m *memoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := m.check(); err != nil {
		return err
	}

	m.subMu.RLock()
	targets := make([]*memorySubscription, 0, len(m.subs[m.key(channel)]))
	for s := range m.subs[m.key(channel)] {
		targets = append(targets, s)
	}
	m.subMu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, bytes.Clone(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryStore) Subscribe(_ context.Context, channel string, handler func([]byte)) (Subscription, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	k := m.key(channel)
	s := &memorySubscription{
		store:   m,
		channel: k,
		ch:      make(chan []byte, m.subBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	m.subMu.Lock()
	if m.subs[k] == nil {
		m.subs[k] = make(map[*memorySubscription]struct{})
	}
	m.subs[k][s] = struct{}{}
	m.subMu.Unlock()

	go s.run(handler)
	return s, nil
}

func (m *memoryStore) Ping(context.Context) error {
	return m.check()
}

func (m *memoryStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.subMu.Lock()
	var all []*memorySubscription
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.subMu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
	m.cache.Flush()
	return nil
}

// memorySubscription 每个订阅一个投递 goroutine，保证顺序
type memorySubscription struct {
	store   *memoryStore
	channel string
	ch      chan []byte
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) deliver(ctx context.Context, payload []byte) error {
	select {
	case s.ch <- payload:
		return nil
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ErrUnavailable.WithError(ctx.Err())
	}
}

func (s *memorySubscription) run(handler func([]byte)) {
	defer close(s.done)
	for {
		select {
		case payload := <-s.ch:
			handler(payload)
		case <-s.quit:
			return
		}
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		delete(s.store.subs[s.channel], s)
		if len(s.store.subs[s.channel]) == 0 {
			delete(s.store.subs, s.channel)
		}
		s.store.subMu.Unlock()

		close(s.quit)
		<-s.done
	})
	return nil
}
