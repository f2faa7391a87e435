package ws

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Backbone 实例间广播通道
//
// 同一实例的 Publish 按调用顺序送达；handler 在单个 goroutine 中顺序执行。
type Backbone interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func(payload []byte)) (io.Closer, error)
	Close() error
}

// 中继模式
const (
	modeAll   = "all"
	modeTopic = "topic"
	modeUser  = "user"
)

// relayFrame 跨实例中继帧
type relayFrame struct {
	Origin    string          `json:"origin"`
	Seq       uint64          `json:"seq"`
	Mode      string          `json:"mode"`
	Target    string          `json:"target,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	// Fallback 发送方未入队，由 Holders 中的实例在投递失败时负责入队
	Fallback  bool     `json:"fallback,omitempty"`
	Holders   []string `json:"holders,omitempty"`
	EmittedAt int64    `json:"emitted_at"` // 毫秒
}

// newMessage 构造一次发送的消息体
func newMessage(event string, data any) (*QueuedMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, ErrInvalidMessage.WithError(err)
	}
	return &QueuedMessage{
		ID:         newID(),
		Event:      event,
		Data:       raw,
		EnqueuedAt: time.Now(),
	}, nil
}

// emission 一次发送，记录已接受该消息的连接
type emission struct {
	msg *QueuedMessage

	mu       sync.Mutex
	accepted map[string]struct{}
}

func newEmission(msg *QueuedMessage) *emission {
	return &emission{msg: msg, accepted: make(map[string]struct{})}
}

func (e *emission) accept(connID string) {
	e.mu.Lock()
	e.accepted[connID] = struct{}{}
	e.mu.Unlock()
}

func (e *emission) acceptedBy(connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.accepted[connID]
	return ok
}

// BroadcastAll 发送给全部在线连接（含其他实例）
func (h *Hub) BroadcastAll(ctx context.Context, event string, data any) error {
	msg, err := newMessage(event, data)
	if err != nil {
		return err
	}

	ctx, span := h.tracer.Start(ctx, "ws.broadcast_all", trace.WithAttributes(attribute.String("ws.event", event)))
	defer span.End()

	start := time.Now()
	n := h.fanOut(ctx, h.registry.Snapshot(), msg)
	span.SetAttributes(attribute.Int("ws.recipients", n))

	h.publish(ctx, relayFrame{Mode: modeAll, Event: event, Data: msg.Data, MessageID: msg.ID})
	h.metrics.RecordBroadcastLatency(modeAll, time.Since(start))
	return nil
}

// BroadcastToTopic 发送给订阅了 topic 的连接（含其他实例）
func (h *Hub) BroadcastToTopic(ctx context.Context, topic, event string, data any) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	msg, err := newMessage(event, data)
	if err != nil {
		return err
	}

	ctx, span := h.tracer.Start(ctx, "ws.broadcast_topic", trace.WithAttributes(
		attribute.String("ws.event", event),
		attribute.String("ws.topic", topic),
	))
	defer span.End()

	start := time.Now()
	n := h.fanOut(ctx, h.topics.Members(topic), msg)
	span.SetAttributes(attribute.Int("ws.recipients", n))

	h.publish(ctx, relayFrame{Mode: modeTopic, Target: topic, Event: event, Data: msg.Data, MessageID: msg.ID})
	h.metrics.RecordBroadcastLatency(modeTopic, time.Since(start))
	return nil
}

// SendToUser 发送给用户的全部连接；用户不在线时写入离线队列
func (h *Hub) SendToUser(ctx context.Context, userID, event string, data any) error {
	msg, err := newMessage(event, data)
	if err != nil {
		return err
	}

	ctx, span := h.tracer.Start(ctx, "ws.send_to_user", trace.WithAttributes(
		attribute.String("ws.event", event),
		attribute.String("ws.user_id", userID),
	))
	defer span.End()

	start := time.Now()
	var (
		queueErr error
		holders  []string
	)

	h.lockUser(userID)
	if conns := h.registry.ConnectionsFor(userID); len(conns) > 0 {
		if h.deliver(conns, newEmission(msg)) == 0 {
			queueErr = h.enqueueOffline(ctx, userID, msg)
		}
	} else if holders = h.remoteHolders(ctx, userID); len(holders) == 0 {
		queueErr = h.enqueueOffline(ctx, userID, msg)
	}
	h.unlockUser(userID)

	fallback := len(holders) > 0
	err = h.publish(ctx, relayFrame{
		Mode:      modeUser,
		Target:    userID,
		Event:     event,
		Data:      msg.Data,
		MessageID: msg.ID,
		Fallback:  fallback,
		Holders:   holders,
	})
	if err != nil && fallback {
		// 持有方收不到中继，改为入队
		h.lockUser(userID)
		queueErr = h.enqueueOffline(ctx, userID, msg)
		h.unlockUser(userID)
	}

	h.metrics.RecordBroadcastLatency(modeUser, time.Since(start))
	if queueErr != nil {
		span.RecordError(queueErr)
		span.SetStatus(codes.Error, queueErr.Error())
	}
	return queueErr
}

// deliver 写入各连接的发送缓冲，返回接受的连接数；调用方持有用户锁
func (h *Hub) deliver(conns []*Conn, em *emission) int {
	msg := em.msg
	data, err := Encode(msg.Event, msg.Data)
	if err != nil {
		h.log.Error("encode message failed", zap.String("event", msg.Event), zap.Error(err))
		return 0
	}

	accepted := 0
	for _, c := range conns {
		if err := c.enqueue(frame{data: data, em: em}); err != nil {
			h.log.Debug("delivery failed",
				zap.String("conn_id", c.id),
				zap.String("user_id", c.userID),
				zap.String("event", msg.Event),
				zap.Error(ErrDeliveryFailure.WithError(err)),
			)
			continue
		}
		em.accept(c.id)
		accepted++
	}
	return accepted
}

// fanOut 投递到一组连接；某用户的连接全部失败时为其入队
func (h *Hub) fanOut(ctx context.Context, conns []*Conn, msg *QueuedMessage) int {
	byUser := make(map[string][]*Conn)
	for _, c := range conns {
		byUser[c.userID] = append(byUser[c.userID], c)
	}

	em := newEmission(msg)
	total := 0
	for userID, userConns := range byUser {
		h.lockUser(userID)
		n := h.deliver(userConns, em)
		if n == 0 {
			_ = h.enqueueOffline(ctx, userID, msg)
		}
		h.unlockUser(userID)
		total += n
	}
	return total
}

// remoteHolders 其他存活实例中持有该用户连接的实例；查询失败视为无
func (h *Hub) remoteHolders(ctx context.Context, userID string) []string {
	if h.presence == nil || h.backbone == nil {
		return nil
	}
	ids, err := h.presence.lookup(ctx, userID)
	if err != nil {
		h.log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(ErrStoreUnavailable.WithError(err)))
		return nil
	}
	return ids
}

// enqueueOffline 写入离线队列，调用方持有用户锁
func (h *Hub) enqueueOffline(ctx context.Context, userID string, msg *QueuedMessage) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.StoreTimeout)
	defer cancel()

	evicted, err := h.queue.Enqueue(ctx, userID, *msg)
	if err != nil {
		h.metrics.IncrementDropped()
		h.stats.dropped.Add(1)
		h.log.Error("offline enqueue failed",
			zap.String("user_id", userID),
			zap.String("event", msg.Event),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return err
	}

	h.metrics.IncrementQueued()
	h.stats.queued.Add(1)
	if evicted > 0 {
		h.metrics.AddEvicted(evicted)
		h.stats.evicted.Add(int64(evicted))
	}
	h.events.Publish(LifecycleEvent{
		Type:   LifecycleQueued,
		UserID: userID,
		Data:   map[string]any{"event": msg.Event, "message_id": msg.ID, "evicted": evicted},
	})
	return nil
}

// publish 发布中继帧；失败只记录，不影响本地投递
func (h *Hub) publish(ctx context.Context, f relayFrame) error {
	if h.backbone == nil {
		return nil
	}

	f.Origin = h.instanceID
	f.Seq = h.seq.Add(1)
	f.EmittedAt = time.Now().UnixMilli()

	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.config.PublishTimeout)
	defer cancel()

	if err := h.backbone.Publish(ctx, payload); err != nil {
		h.metrics.IncrementPublishFailures()
		h.stats.publishFailures.Add(1)
		h.log.Warn("relay publish failed",
			zap.String("mode", f.Mode),
			zap.String("target", f.Target),
			zap.String("event", f.Event),
			zap.Uint64("seq", f.Seq),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// onRelay 处理其他实例的中继帧
func (h *Hub) onRelay(payload []byte) {
	var f relayFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		h.log.Warn("invalid relay frame", zap.Error(err))
		return
	}
	if f.Origin == h.instanceID {
		return
	}

	msg := &QueuedMessage{
		ID:         f.MessageID,
		Event:      f.Event,
		Data:       f.Data,
		EnqueuedAt: time.UnixMilli(f.EmittedAt),
	}
	if msg.ID == "" {
		msg.ID = newID()
	}

	ctx := h.ctx
	switch f.Mode {
	case modeAll:
		h.fanOut(ctx, h.registry.Snapshot(), msg)
	case modeTopic:
		h.fanOut(ctx, h.topics.Members(f.Target), msg)
	case modeUser:
		h.relayToUser(ctx, f, msg)
	default:
		h.log.Warn("unknown relay mode", zap.String("mode", f.Mode), zap.String("origin", f.Origin))
	}
}

// relayToUser 投递中继的定向消息
//
// 发送方未入队时，若本实例在 Holders 中且已无该用户连接，重新查询持有方；
// 无人持有时由 Holders 中排序最前的存活实例入队。
func (h *Hub) relayToUser(ctx context.Context, f relayFrame, msg *QueuedMessage) {
	h.lockUser(f.Target)
	defer h.unlockUser(f.Target)

	if conns := h.registry.ConnectionsFor(f.Target); len(conns) > 0 {
		if h.deliver(conns, newEmission(msg)) == 0 && f.Fallback {
			_ = h.enqueueOffline(ctx, f.Target, msg)
		}
		return
	}
	if !f.Fallback || h.presence == nil || !slices.Contains(f.Holders, h.instanceID) {
		return
	}

	holders, err := h.presence.holders(ctx, f.Target)
	if err != nil {
		h.log.Warn("presence recheck failed", zap.String("user_id", f.Target), zap.Error(err))
	}
	if len(holders) > 0 || !h.fallbackOwner(ctx, f.Holders) {
		return
	}
	_ = h.enqueueOffline(ctx, f.Target, msg)
}

// fallbackOwner 本实例是否为 holders 中排序最前的存活实例
func (h *Hub) fallbackOwner(ctx context.Context, holders []string) bool {
	ids := slices.Clone(holders)
	slices.Sort(ids)
	for _, id := range ids {
		if id == h.instanceID {
			return true
		}
		if ok, err := h.presence.alive(ctx, id); err == nil && ok {
			return false
		}
	}
	return false
}

// EmitJobUpdate 向 job:<id> 主题发送 job_update
func (h *Hub) EmitJobUpdate(ctx context.Context, jobID string, upd JobUpdate) error {
	upd.JobID = jobID
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now()
	}
	return h.BroadcastToTopic(ctx, JobTopic(jobID), EventJobUpdate, upd)
}

// EmitTaskUpdate 向 task:<id> 主题发送 task_update
func (h *Hub) EmitTaskUpdate(ctx context.Context, taskID string, upd TaskUpdate) error {
	upd.TaskID = taskID
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now()
	}
	return h.BroadcastToTopic(ctx, TaskTopic(taskID), EventTaskUpdate, upd)
}

// SendPaymentUpdate 向用户发送 payment_update
func (h *Hub) SendPaymentUpdate(ctx context.Context, userID string, upd PaymentUpdate) error {
	return h.SendToUser(ctx, userID, EventPayment, upd)
}

// Notify 向用户发送 notification，补全 ID、优先级与时间
func (h *Hub) Notify(ctx context.Context, userID string, n Notification) error {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return h.SendToUser(ctx, userID, EventNotification, n)
}

// BroadcastSystemMessage 向全部连接发送 system_message
func (h *Hub) BroadcastSystemMessage(ctx context.Context, text string) error {
	return h.BroadcastAll(ctx, EventSystemMessage, SystemMessage{
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	})
}
