package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/store"
)

const userLockStripes = 64

// Hub 连接注册、准入、投递与离线队列的协调者
type Hub struct {
	config     *Config
	instanceID string
	startedAt  time.Time

	log     logger.Logger
	metrics Metrics
	stats   counters
	tracer  trace.Tracer

	store     store.Store
	ownsStore bool
	queue     OfflineQueue
	backbone  Backbone
	presence  *presence
	sub       io.Closer

	registry *Registry
	topics   *TopicIndex
	router   *Router
	limiter  *Limiter
	auth     *Authenticator
	events   *EventBus
	monitor  *Monitor
	upgrader *websocket.Upgrader

	userLocks [userLockStripes]sync.Mutex
	seq       atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup // 连接协程
	bg      sync.WaitGroup // 心跳巡检
	started atomic.Bool
	closed  atomic.Bool
}

// NewHub 创建 Hub；未设置的协作组件使用内存实现
func NewHub(opts ...Option) (*Hub, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Hub{
		config:     cfg,
		instanceID: newID(),
		startedAt:  time.Now(),
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("realtime.ws"),
		store:      cfg.Store,
		queue:      cfg.Queue,
		backbone:   cfg.Backbone,
		registry:   NewRegistry(),
		topics:     NewTopicIndex(),
		router:     NewRouter(),
		events:     NewEventBus(cfg.EventLogSize),
		upgrader:   newUpgrader(cfg),
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	h.log = cfg.Logger.With(zap.String("component", "ws"), zap.String("instance_id", h.instanceID))

	if h.metrics == nil {
		h.metrics = NoopMetrics{}
	}
	if h.store == nil {
		h.store = store.NewMemory()
		h.ownsStore = true
	}
	if h.queue == nil {
		h.queue = NewMemoryQueue(cfg.QueueCapacity)
	}
	if h.backbone != nil {
		h.presence = newPresence(h.store, h.instanceID, cfg.PresenceTTL, cfg.StoreTimeout, h.log)
	}

	h.limiter = NewLimiter(h.store, cfg.Limits, cfg.StoreTimeout, h.metrics)
	h.auth = NewAuthenticator(cfg.Verifier, cfg.TokenParam)
	h.monitor = newMonitor(h)
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.registerBuiltins()
	return h, nil
}

// Start 订阅跨实例通道并启动心跳巡检，重复调用无副作用
func (h *Hub) Start(ctx context.Context) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}
	h.router.Freeze()

	if h.backbone != nil {
		sub, err := h.backbone.Subscribe(ctx, h.onRelay)
		if err != nil {
			h.started.Store(false)
			return ErrStoreUnavailable.WithError(err)
		}
		h.sub = sub
		h.presence.heartbeat(ctx)
	}

	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		h.monitor.Run(h.ctx)
	}()

	h.log.Info("hub started",
		zap.Duration("heartbeat_interval", h.config.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", h.config.HeartbeatTimeout),
		zap.Bool("backbone", h.backbone != nil),
	)
	return nil
}

// Close 以 1001 并发关闭全部连接，等待连接协程退出或 ctx 超时
func (h *Hub) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()

	conns := h.registry.Snapshot()
	g := new(errgroup.Group)
	g.SetLimit(h.config.ShutdownConcurrency)
	for _, c := range conns {
		g.Go(func() error {
			c.Close(CloseGoingAway, ReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		h.bg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if h.sub != nil {
		if cerr := h.sub.Close(); cerr != nil {
			h.log.Warn("backbone unsubscribe failed", zap.Error(cerr))
		}
		h.presence.retire(context.WithoutCancel(ctx))
	}
	h.events.Close()
	if h.ownsStore {
		_ = h.store.Close()
	}

	h.log.Info("hub closed", zap.Int("connections", len(conns)), zap.Error(err))
	return err
}

// HandleUpgrade 处理握手：认证、准入、升级、注册并投递离线消息
//
// 认证失败以 1008 关闭，准入拒绝以 1013 关闭；非 WebSocket 请求由 Upgrader 返回 HTTP 错误。
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	if h.closed.Load() {
		http.Error(w, ErrHubClosed.Message, ErrHubClosed.HttpCode)
		return ErrHubClosed
	}

	ctx, span := h.tracer.Start(r.Context(), "ws.handshake")
	defer span.End()

	ident, err := h.auth.Authenticate(r)
	if err != nil {
		reason := ReasonAuthFailed
		var e *errors.Error
		if errors.As(err, &e) {
			reason = e.Message
		}
		h.limiter.Reject(reason)
		return h.reject(w, r, CloseAuthFailed, reason, err, LifecycleEvent{})
	}
	span.SetAttributes(attribute.String("ws.user_id", ident.UserID))

	clientID := h.limiter.ClientIdentity(r, ident, h.config.ClientIDParam)
	decision, err := h.limiter.Admit(ctx, clientID)
	if err != nil {
		return h.reject(w, r, CloseTryAgainLater, decision.Reason, err, LifecycleEvent{
			UserID:   ident.UserID,
			ClientID: clientID,
			Data:     decision,
		})
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if rerr := h.limiter.Release(context.WithoutCancel(ctx), clientID); rerr != nil {
			h.log.Warn("release admission slot failed", zap.String("client_id", clientID), zap.Error(rerr))
		}
		return err
	}

	c := newConn(h, wsConn, newID(), ident, clientID)
	if err := h.accept(ctx, c); err != nil {
		return err
	}

	h.conns.Add(1)
	go func() {
		defer h.conns.Done()
		c.run()
	}()

	if h.closed.Load() {
		c.Close(CloseGoingAway, ReasonShutdown)
		return ErrHubClosed
	}
	return nil
}

// reject 升级后立即以 code 关闭，使客户端能读到关闭原因
func (h *Hub) reject(w http.ResponseWriter, r *http.Request, code int, reason string, cause error, ev LifecycleEvent) error {
	ev.Type = LifecycleRejected
	ev.Code = code
	ev.Reason = reason
	h.events.Publish(ev)

	h.log.Warn("handshake rejected",
		zap.String("user_id", ev.UserID),
		zap.String("client_id", ev.ClientID),
		zap.String("remote_addr", clientIP(r)),
		zap.Int("close_code", code),
		zap.String("reason", reason),
		zap.Time("at", time.Now()),
		zap.Error(cause),
	)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return cause
	}
	deadline := time.Now().Add(h.config.WriteWait)
	_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = wsConn.Close()
	return cause
}

// accept 发送欢迎帧，注册连接并投递离线消息；注册与投递在用户锁内完成
func (h *Hub) accept(ctx context.Context, c *Conn) error {
	ctx = context.WithoutCancel(ctx)

	welcome, err := Encode(EventConnected, ConnectedPayload{
		ConnectionID:      c.id,
		UserID:            c.userID,
		HeartbeatInterval: h.config.HeartbeatInterval.Milliseconds(),
		ServerTime:        time.Now().UnixMilli(),
	})
	if err != nil {
		c.Close(CloseGoingAway, ReasonWriteFailed)
		return err
	}
	if err := c.writeNow(welcome); err != nil {
		c.Close(CloseGoingAway, ReasonWriteFailed)
		return err
	}

	h.lockUser(c.userID)
	if err := h.registry.Register(c); err != nil {
		h.unlockUser(c.userID)
		c.Close(ClosePolicyViolation, err.Error())
		return err
	}
	if h.presence != nil {
		h.presence.join(ctx, c.userID)
	}
	h.metrics.IncrementConnections()
	h.metrics.SetConnectionCount(h.registry.Count())

	drained := h.drain(ctx, c)
	h.unlockUser(c.userID)

	if c.IsClosed() {
		// Close 与注册并发时释放可能先于注册执行
		h.registry.Unregister(c)
		return ErrConnClosed
	}

	h.events.Publish(LifecycleEvent{
		Type:     LifecycleConnected,
		ConnID:   c.id,
		UserID:   c.userID,
		ClientID: c.clientID,
		Data:     map[string]any{"remote_addr": c.remoteAddr, "drained": drained},
	})
	h.log.Info("connection registered",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("client_id", c.clientID),
		zap.String("remote_addr", c.remoteAddr),
		zap.Int("drained", drained),
	)
	return nil
}

// drain 按批读取离线消息，写成功后再确认；写失败时停止，剩余消息保持原顺序
func (h *Hub) drain(ctx context.Context, c *Conn) int {
	total := 0
	for {
		sctx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
		msgs, err := h.queue.Peek(sctx, c.userID, h.config.DrainBatchSize)
		cancel()
		if err != nil {
			h.log.Warn("offline peek failed", zap.String("conn_id", c.id), zap.String("user_id", c.userID), zap.Error(err))
			return total
		}
		if len(msgs) == 0 {
			return total
		}

		deliveries := make([]QueuedDelivery, 0, len(msgs))
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			deliveries = append(deliveries, m.delivery())
			ids = append(ids, m.ID)
		}

		data, err := Encode(EventNotifications, deliveries)
		if err != nil {
			h.log.Error("encode notifications failed", zap.String("user_id", c.userID), zap.Error(err))
			return total
		}
		if err := c.writeNow(data); err != nil {
			h.metrics.IncrementWriteErrors()
			h.log.Warn("offline drain write failed",
				zap.String("conn_id", c.id),
				zap.String("user_id", c.userID),
				zap.Int("pending", len(msgs)),
				zap.Error(ErrDeliveryFailure.WithError(err)),
			)
			c.Close(CloseGoingAway, ReasonWriteFailed)
			return total
		}

		sctx, cancel = context.WithTimeout(ctx, h.config.StoreTimeout)
		err = h.queue.Ack(sctx, c.userID, ids)
		cancel()
		if err != nil {
			h.log.Warn("offline ack failed", zap.String("user_id", c.userID), zap.Error(err))
			return total
		}

		total += len(msgs)
		for range msgs {
			h.metrics.IncrementDelivered()
		}
		h.stats.delivered.Add(int64(len(msgs)))

		if len(msgs) < h.config.DrainBatchSize {
			return total
		}
	}
}

// dispatch 处理一条入站消息，返回 false 表示连接已关闭
func (h *Hub) dispatch(c *Conn, data []byte) bool {
	in, err := DecodeInbound(data)
	if err != nil {
		return h.invalid(c, "", err)
	}
	h.metrics.IncrementMessageCount(in.Type)

	err = h.router.Route(c, in)
	switch {
	case err == nil:
		c.invalid.Store(0)
		return true
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrHandlerNotFound), errors.Is(err, ErrInvalidTopic):
		return h.invalid(c, in.RequestID, err)
	default:
		h.log.Warn("message handler failed",
			zap.String("conn_id", c.id),
			zap.String("user_id", c.userID),
			zap.String("type", in.Type),
			zap.Error(err),
		)
		_ = c.SendError(in.RequestID, errors.Code(err), publicMessage(err))
		return !c.IsClosed()
	}
}

// invalid 回复 error 事件；连续无效消息超过上限时以 1008 关闭
func (h *Hub) invalid(c *Conn, requestID string, err error) bool {
	n := int(c.invalid.Add(1))
	h.metrics.IncrementInvalidMessages()
	_ = c.SendError(requestID, errors.Code(err), publicMessage(err))

	if n > h.config.MaxInvalidMessages {
		h.log.Warn("too many invalid messages",
			zap.String("conn_id", c.id),
			zap.String("user_id", c.userID),
			zap.Int("count", n),
			zap.Error(err),
		)
		c.Close(ClosePolicyViolation, ReasonInvalidMessages)
		return false
	}
	return true
}

// publicMessage 返回给客户端的错误信息，不含底层错误
func publicMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return errors.ErrServer.Message
}

// release 连接关闭后的清理，由 Conn.Close 调用一次
func (h *Hub) release(c *Conn, code int, reason string) {
	ctx := context.Background()

	registered := h.registry.Unregister(c)
	h.topics.LeaveAll(c)

	if err := h.limiter.Release(ctx, c.clientID); err != nil {
		h.log.Warn("release admission slot failed", zap.String("conn_id", c.id), zap.String("client_id", c.clientID), zap.Error(err))
	}

	if registered {
		if h.presence != nil {
			h.presence.leave(ctx, c.userID)
		}
		h.metrics.DecrementConnections()
		h.metrics.SetConnectionCount(h.registry.Count())
	}

	h.events.Publish(LifecycleEvent{
		Type:     LifecycleDisconnected,
		ConnID:   c.id,
		UserID:   c.userID,
		ClientID: c.clientID,
		Code:     code,
		Reason:   reason,
	})
	h.log.Info("connection closed",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("close_code", code),
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(c.connectedAt)),
	)
}

// requeue 处理已关闭连接未写出的消息
//
// 同一次发送中已被其他在线连接接受的消息跳过；否则交给一个未收到的在线连接，都不可用时入队。
func (h *Hub) requeue(c *Conn, pending []*emission) {
	h.lockUser(c.userID)
	defer h.unlockUser(c.userID)

	siblings := h.registry.ConnectionsFor(c.userID)
	for _, em := range pending {
		if h.handToSibling(c, siblings, em) {
			continue
		}
		_ = h.enqueueOffline(h.ctx, c.userID, em.msg)
	}
}

// handToSibling 已关闭的连接不计入，它们各自的未写出消息另行处理
func (h *Hub) handToSibling(dead *Conn, siblings []*Conn, em *emission) bool {
	var missed []*Conn
	for _, s := range siblings {
		if s == dead || s.IsClosed() {
			continue
		}
		if em.acceptedBy(s.id) {
			return true
		}
		missed = append(missed, s)
	}
	if len(missed) == 0 {
		return false
	}

	data, err := Encode(em.msg.Event, em.msg.Data)
	if err != nil {
		return false
	}
	for _, s := range missed {
		if s.enqueue(frame{data: data, em: em}) == nil {
			em.accept(s.id)
			return true
		}
	}
	return false
}

func (h *Hub) lockUser(userID string) {
	h.userLocks[stripe(userID, userLockStripes)].Lock()
}

func (h *Hub) unlockUser(userID string) {
	h.userLocks[stripe(userID, userLockStripes)].Unlock()
}

// registerBuiltins 注册 heartbeat、ping、subscribe、unsubscribe
func (h *Hub) registerBuiltins() {
	_ = h.router.Register(TypeHeartbeat, h.handleHeartbeat)
	_ = h.router.Register(TypePing, h.handlePing)
	_ = h.router.Register(TypeSubscribe, h.handleSubscribe)
	_ = h.router.Register(TypeUnsubscribe, h.handleUnsubscribe)
}

func (h *Hub) handleHeartbeat(c *Conn, in *Inbound) error {
	var p HeartbeatPayload
	if len(in.Payload) > 0 {
		// 负载可选，格式不符时忽略
		_ = json.Unmarshal(in.Payload, &p)
	}
	return c.Send(EventHeartbeatAck, AckPayload{Timestamp: p.Timestamp, ServerTime: time.Now().UnixMilli()})
}

func (h *Hub) handlePing(c *Conn, _ *Inbound) error {
	return c.Send(EventPong, AckPayload{ServerTime: time.Now().UnixMilli()})
}

func (h *Hub) handleSubscribe(c *Conn, in *Inbound) error {
	topics, err := bindTopics(in)
	if err != nil {
		return err
	}
	for _, t := range topics {
		if err := h.topics.Join(c, t); err != nil {
			return err
		}
	}
	h.events.Publish(LifecycleEvent{Type: LifecycleSubscribed, ConnID: c.id, UserID: c.userID, Data: topics})
	return c.Send(EventSubscribed, TopicsAck{Topics: topics, RequestID: in.RequestID})
}

func (h *Hub) handleUnsubscribe(c *Conn, in *Inbound) error {
	topics, err := bindTopics(in)
	if err != nil {
		return err
	}
	for _, t := range topics {
		h.topics.Leave(c, t)
	}
	h.events.Publish(LifecycleEvent{Type: LifecycleUnsubscribed, ConnID: c.id, UserID: c.userID, Data: topics})
	return c.Send(EventUnsubscribed, TopicsAck{Topics: topics, RequestID: in.RequestID})
}

func bindTopics(in *Inbound) ([]string, error) {
	var p TopicsPayload
	if err := in.Bind(&p); err != nil {
		return nil, err
	}
	if len(p.Topics) == 0 {
		return nil, ErrInvalidTopic.WithMessage("topics required")
	}
	for _, t := range p.Topics {
		if err := ValidateTopic(t); err != nil {
			return nil, err
		}
	}
	return p.Topics, nil
}

// Handle 注册入站消息处理器，需在 Start 前调用
func (h *Hub) Handle(msgType string, handler Handler) error {
	return h.router.Register(msgType, handler)
}

// Use 添加入站消息中间件，需在 Start 前调用
func (h *Hub) Use(middleware ...MiddlewareFunc) error {
	return h.router.Use(middleware...)
}

// HandleTyped 注册带类型负载的处理器
func HandleTyped[T any](h *Hub, msgType string, fn func(*Conn, *T) error) error {
	return Handle0(h.router, msgType, fn)
}

// Stats 当前运行状态
func (h *Hub) Stats(ctx context.Context) Stats {
	ctx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
	defer cancel()

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		h.log.Debug("queue depth unavailable", zap.Error(err))
	} else {
		h.metrics.SetQueueDepth(depth)
	}

	byReason := h.limiter.Rejections()
	var rejections int64
	for _, n := range byReason {
		rejections += n
	}

	return Stats{
		InstanceID:         h.instanceID,
		Connections:        h.registry.Count(),
		Users:              h.registry.UserCount(),
		Topics:             h.topics.Count(),
		QueueDepth:         depth,
		Rejections:         rejections,
		RejectionsByReason: byReason,
		Delivered:          h.stats.delivered.Load(),
		Queued:             h.stats.queued.Load(),
		Evicted:            h.stats.evicted.Load(),
		Dropped:            h.stats.dropped.Load(),
		PublishFailures:    h.stats.publishFailures.Load(),
		Pruned:             h.stats.pruned.Load(),
		StartedAt:          h.startedAt,
		Uptime:             time.Since(h.startedAt).Round(time.Second).String(),
	}
}

// Ping 检查共享存储
func (h *Hub) Ping(ctx context.Context) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	ctx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		return ErrStoreUnavailable.WithError(err)
	}
	return nil
}

// InstanceID 实例标识
func (h *Hub) InstanceID() string { return h.instanceID }

// Registry 连接注册表
func (h *Hub) Registry() *Registry { return h.registry }

// Topics 主题索引
func (h *Hub) Topics() *TopicIndex { return h.topics }

// Limiter 准入控制器
func (h *Hub) Limiter() *Limiter { return h.limiter }

// Events 生命周期事件总线
func (h *Hub) Events() *EventBus { return h.events }

// Queue 离线队列
func (h *Hub) Queue() OfflineQueue { return h.queue }

// Monitor 心跳巡检
func (h *Hub) Monitor() *Monitor { return h.monitor }
