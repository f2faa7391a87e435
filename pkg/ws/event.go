package ws

import (
	"sync"
	"sync/atomic"
	"time"
)

// LifecycleType 连接生命周期事件类型
type LifecycleType string

const (
	// LifecycleConnected 连接注册完成
	LifecycleConnected LifecycleType = "client.connected"
	// LifecycleDisconnected 连接释放
	LifecycleDisconnected LifecycleType = "client.disconnected"
	// LifecycleRejected 握手被拒绝（认证或准入）
	LifecycleRejected LifecycleType = "client.rejected"
	// LifecyclePruned 心跳超时被清理
	LifecyclePruned LifecycleType = "client.pruned"
	// LifecycleSubscribed 订阅主题
	LifecycleSubscribed LifecycleType = "topic.subscribed"
	// LifecycleUnsubscribed 退订主题
	LifecycleUnsubscribed LifecycleType = "topic.unsubscribed"
	// LifecycleQueued 消息转入离线队列
	LifecycleQueued LifecycleType = "message.queued"
)

// LifecycleEvent 生命周期事件
type LifecycleEvent struct {
	Type     LifecycleType `json:"type"`
	ConnID   string        `json:"conn_id,omitempty"`
	UserID   string        `json:"user_id,omitempty"`
	ClientID string        `json:"client_id,omitempty"`
	Code     int           `json:"code,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Data     any           `json:"data,omitempty"`
	Time     time.Time     `json:"time"`
}

// EventHandler 事件处理器
type EventHandler func(LifecycleEvent)

const (
	eventWorkers   = 4
	eventQueueSize = 1024
)

// EventBus 异步事件总线，同时保留最近的事件
type EventBus struct {
	handlers map[LifecycleType][]EventHandler
	mu       sync.RWMutex

	workerCh chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Int64

	logMu sync.Mutex
	ring  []LifecycleEvent
	next  int
	full  bool
}

// NewEventBus 创建事件总线，logSize 为保留的最近事件数
func NewEventBus(logSize int) *EventBus {
	if logSize <= 0 {
		logSize = 1
	}
	eb := &EventBus{
		handlers: make(map[LifecycleType][]EventHandler),
		workerCh: make(chan func(), eventQueueSize),
		stopCh:   make(chan struct{}),
		ring:     make([]LifecycleEvent, logSize),
	}
	for i := 0; i < eventWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			eb.run(task)
		case <-eb.stopCh:
			return
		}
	}
}

// run 执行处理器，panic 不影响 worker
func (eb *EventBus) run(task func()) {
	defer func() {
		if recover() != nil {
			eb.dropped.Add(1)
		}
	}()
	task()
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(t LifecycleType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[t] = append(eb.handlers[t], handler)
}

// Publish 记录事件并异步分发
func (eb *EventBus) Publish(e LifecycleEvent) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	eb.record(e)

	if eb.closed.Load() {
		return
	}

	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		// 连接/断开事件短暂阻塞等待，其余事件队列满即丢弃
		if e.Type == LifecycleConnected || e.Type == LifecycleDisconnected {
			select {
			case eb.workerCh <- func() { h(e) }:
			case <-time.After(100 * time.Millisecond):
				eb.dropped.Add(1)
			}
			continue
		}
		select {
		case eb.workerCh <- func() { h(e) }:
		default:
			eb.dropped.Add(1)
		}
	}
}

func (eb *EventBus) record(e LifecycleEvent) {
	eb.logMu.Lock()
	eb.ring[eb.next] = e
	eb.next = (eb.next + 1) % len(eb.ring)
	if eb.next == 0 {
		eb.full = true
	}
	eb.logMu.Unlock()
}

// Recent 最近的事件，按时间倒序，limit <= 0 返回全部
func (eb *EventBus) Recent(limit int) []LifecycleEvent {
	eb.logMu.Lock()
	defer eb.logMu.Unlock()

	size := eb.next
	if eb.full {
		size = len(eb.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]LifecycleEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (eb.next - i + len(eb.ring)) % len(eb.ring)
		out = append(out, eb.ring[idx])
	}
	return out
}

// Dropped 被丢弃的事件数量
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// Close 停止 worker；未执行的任务被丢弃
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stopCh)
	eb.wg.Wait()
}
