package ws

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// transport 连接底层，*websocket.Conn 满足该接口
type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// frame 出站帧；em 非空表示定向消息，未写出时交给同用户其他连接或离线队列
type frame struct {
	data []byte
	em   *emission
}

// Conn 一个已认证的 WebSocket 连接
type Conn struct {
	id          string
	userID      string
	clientID    string
	role        string
	remoteAddr  string
	connectedAt time.Time

	lastSeen atomic.Int64 // unix nano，只增不减

	topicMu sync.Mutex
	topics  map[string]struct{}

	transport transport
	hub       *Hub
	send      chan frame

	mu        sync.RWMutex // 保护 closed 与 send 的写入
	closed    bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	writeDone chan struct{}

	invalid atomic.Int32 // 连续无效消息
}

func newConn(h *Hub, t transport, id string, ident *Identity, clientID string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	c := &Conn{
		id:          id,
		userID:      ident.UserID,
		role:        ident.Role,
		clientID:    clientID,
		connectedAt: now,
		topics:      make(map[string]struct{}),
		transport:   t,
		hub:         h,
		send:        make(chan frame, h.config.SendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		writeDone:   make(chan struct{}),
	}
	if addr := t.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID 连接标识
func (c *Conn) ID() string { return c.id }

// UserID 用户标识
func (c *Conn) UserID() string { return c.userID }

// ClientID 限流身份
func (c *Conn) ClientID() string { return c.clientID }

// Role 令牌中的角色
func (c *Conn) Role() string { return c.role }

// RemoteAddr 远程地址
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt 建立时间
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastSeen 最近一次活跃时间
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Context 连接关闭时取消
func (c *Conn) Context() context.Context { return c.ctx }

// touch 刷新活跃时间，不回退
func (c *Conn) touch(now time.Time) {
	n := now.UnixNano()
	for {
		old := c.lastSeen.Load()
		if n <= old || c.lastSeen.CompareAndSwap(old, n) {
			return
		}
	}
}

// Topics 已订阅主题
func (c *Conn) Topics() []string {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Conn) addTopic(topic string) {
	c.topicMu.Lock()
	c.topics[topic] = struct{}{}
	c.topicMu.Unlock()
}

func (c *Conn) removeTopic(topic string) {
	c.topicMu.Lock()
	delete(c.topics, topic)
	c.topicMu.Unlock()
}

// IsClosed 是否已关闭
func (c *Conn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Send 发送出站消息（非阻塞）
func (c *Conn) Send(event string, data any) error {
	b, err := Encode(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame{data: b})
}

// SendError 发送 error 事件
func (c *Conn) SendError(requestID string, code int, message string) error {
	return c.Send(EventError, ErrorPayload{Code: code, Message: message, RequestID: requestID})
}

// enqueue 放入出站缓冲；已关闭返回 ErrConnClosed，缓冲满返回 ErrSendBufferFull
func (c *Conn) enqueue(f frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// writeNow 同步写入（仅在写协程启动前使用）
func (c *Conn) writeNow(data []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait)); err != nil {
		return err
	}
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并释放连接，可重复调用
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()

		deadline := time.Now().Add(c.hub.config.WriteWait)
		_ = c.transport.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.transport.Close()

		c.hub.release(c, code, reason)
	})
}

// run 启动读写协程，阻塞到两者退出
func (c *Conn) run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	wg.Wait()
}

// readPump 读取入站消息
func (c *Conn) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.hub.log.Error("read pump panic", zap.String("conn_id", c.id), zap.String("user_id", c.userID), zap.Any("panic", r))
		}
		c.Close(CloseGoingAway, ReasonClientClosed)
	}()

	timeout := c.hub.config.HeartbeatTimeout
	c.transport.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.transport.SetReadDeadline(time.Now().Add(timeout))
	c.transport.SetPongHandler(func(string) error {
		now := time.Now()
		c.touch(now)
		return c.transport.SetReadDeadline(now.Add(timeout))
	})

	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.IsClosed() {
				c.hub.metrics.IncrementReadErrors()
				c.hub.log.Debug("read failed", zap.String("conn_id", c.id), zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		now := time.Now()
		c.touch(now)
		_ = c.transport.SetReadDeadline(now.Add(timeout))

		if !c.hub.dispatch(c, data) {
			return
		}
	}
}

// writePump 串行写出消息并定时发送 ping
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.handOver(nil)
			return

		case f := <-c.send:
			if err := c.writeNow(f.data); err != nil {
				c.hub.metrics.IncrementWriteErrors()
				c.hub.log.Debug("write failed", zap.String("conn_id", c.id), zap.String("user_id", c.userID), zap.Error(err))
				c.Close(CloseGoingAway, ReasonWriteFailed)
				c.handOver(&f)
				return
			}
			c.hub.metrics.IncrementDelivered()
			c.hub.stats.delivered.Add(1)

		case <-ticker.C:
			deadline := time.Now().Add(c.hub.config.WriteWait)
			if err := c.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.hub.metrics.IncrementWriteErrors()
				c.Close(CloseGoingAway, ReasonWriteFailed)
				c.handOver(nil)
				return
			}
		}
	}
}

// handOver 连接关闭后，将未写出的定向消息交给同用户其他连接或离线队列
func (c *Conn) handOver(failed *frame) {
	var pending []*emission
	if failed != nil && failed.em != nil {
		pending = append(pending, failed.em)
	}
	for {
		select {
		case f := <-c.send:
			if f.em != nil {
				pending = append(pending, f.em)
			}
			continue
		default:
		}
		break
	}
	if len(pending) > 0 {
		c.hub.requeue(c, pending)
	}
}
