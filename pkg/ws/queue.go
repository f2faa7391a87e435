package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// QueuedMessage 待投递给离线用户的消息
type QueuedMessage struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// delivery 转换为 notifications 帧中的条目
func (m QueuedMessage) delivery() QueuedDelivery {
	return QueuedDelivery{Event: m.Event, Data: m.Data, Timestamp: m.EnqueuedAt.UnixMilli()}
}

// OfflineQueue 每用户有界 FIFO，超出容量淘汰最旧消息
type OfflineQueue interface {
	// Enqueue 追加消息，返回被淘汰的条数
	Enqueue(ctx context.Context, userID string, msg QueuedMessage) (evicted int, err error)
	// Peek 从最旧开始读取至多 n 条，不移除
	Peek(ctx context.Context, userID string, n int) ([]QueuedMessage, error)
	// Ack 移除已投递的消息
	Ack(ctx context.Context, userID string, ids []string) error
	Len(ctx context.Context, userID string) (int, error)
	// Depth 全部用户的排队总数
	Depth(ctx context.Context) (int64, error)
}

// MemoryQueue 进程内离线队列
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]QueuedMessage
	depth    int64
}

// NewMemoryQueue 创建内存队列，capacity 为每用户上限
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryQueue{
		capacity: capacity,
		queues:   make(map[string][]QueuedMessage),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, userID string, msg QueuedMessage) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := append(q.queues[userID], msg)
	evicted := 0
	if len(items) > q.capacity {
		evicted = len(items) - q.capacity
		items = append([]QueuedMessage(nil), items[evicted:]...)
	}
	q.queues[userID] = items
	q.depth += int64(1 - evicted)
	return evicted, nil
}

func (q *MemoryQueue) Peek(_ context.Context, userID string, n int) ([]QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.queues[userID]
	if n <= 0 || n > len(items) {
		n = len(items)
	}
	return append([]QueuedMessage(nil), items[:n]...), nil
}

// Ack 仅移除头部连续命中的消息，期间被淘汰的 ID 自动忽略
func (q *MemoryQueue) Ack(_ context.Context, userID string, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}

	items := q.queues[userID]
	i := 0
	for i < len(items) {
		if _, ok := acked[items[i].ID]; !ok {
			break
		}
		i++
	}
	if i == 0 {
		return nil
	}

	q.depth -= int64(i)
	if i == len(items) {
		delete(q.queues, userID)
		return nil
	}
	q.queues[userID] = append([]QueuedMessage(nil), items[i:]...)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID]), nil
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth, nil
}
