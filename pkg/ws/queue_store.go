package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tokmz/realtime/pkg/store"
)

// StoreQueue 基于共享存储列表的离线队列，实例重启或切换后仍可投递
type StoreQueue struct {
	store    store.Store
	capacity int64
	ttl      time.Duration
	prefix   string
}

// NewStoreQueue 创建存储队列；ttl <= 0 表示列表不过期
func NewStoreQueue(s store.Store, capacity int, ttl time.Duration) *StoreQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &StoreQueue{store: s, capacity: int64(capacity), ttl: ttl, prefix: "queue:"}
}

func (q *StoreQueue) key(userID string) string {
	return q.prefix + userID
}

func (q *StoreQueue) depthKey() string {
	return q.prefix + "depth"
}

func (q *StoreQueue) Enqueue(ctx context.Context, userID string, msg QueuedMessage) (int, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	evicted, err := q.store.PushCapped(ctx, q.key(userID), b, q.capacity, q.ttl)
	if err != nil {
		return 0, ErrStoreUnavailable.WithError(err)
	}
	if delta := 1 - evicted; delta != 0 {
		if _, err := q.store.IncrBy(ctx, q.depthKey(), delta); err != nil {
			return int(evicted), ErrStoreUnavailable.WithError(err)
		}
	}
	return int(evicted), nil
}

func (q *StoreQueue) Peek(ctx context.Context, userID string, n int) ([]QueuedMessage, error) {
	if n <= 0 {
		n = int(q.capacity)
	}
	raws, err := q.store.Range(ctx, q.key(userID), 0, int64(n)-1)
	if err != nil {
		return nil, ErrStoreUnavailable.WithError(err)
	}

	out := make([]QueuedMessage, 0, len(raws))
	for _, raw := range raws {
		var m QueuedMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Ack 重新读取头部原始字节后按值移除，避免误删确认前新淘汰位置上的消息
func (q *StoreQueue) Ack(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}

	raws, err := q.store.Range(ctx, q.key(userID), 0, int64(len(ids))-1)
	if err != nil {
		return ErrStoreUnavailable.WithError(err)
	}
	head := make([][]byte, 0, len(raws))
	for _, raw := range raws {
		var m QueuedMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			break
		}
		if _, ok := acked[m.ID]; !ok {
			break
		}
		head = append(head, raw)
	}
	if len(head) == 0 {
		return nil
	}

	removed, err := q.store.RemoveHead(ctx, q.key(userID), head)
	if err != nil {
		return ErrStoreUnavailable.WithError(err)
	}
	if removed > 0 {
		if _, err := q.store.IncrBy(ctx, q.depthKey(), -removed); err != nil {
			return ErrStoreUnavailable.WithError(err)
		}
	}
	return nil
}

func (q *StoreQueue) Len(ctx context.Context, userID string) (int, error) {
	n, err := q.store.Len(ctx, q.key(userID))
	if err != nil {
		return 0, ErrStoreUnavailable.WithError(err)
	}
	return int(n), nil
}

// Depth 计数器近似值；列表过期不会回减
func (q *StoreQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.GetInt(ctx, q.depthKey())
	if err != nil {
		return 0, ErrStoreUnavailable.WithError(err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}
