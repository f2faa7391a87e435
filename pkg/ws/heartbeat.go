package ws

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Monitor 心跳巡检，关闭超时连接
type Monitor struct {
	hub      *Hub
	interval time.Duration
	timeout  time.Duration
}

func newMonitor(h *Hub) *Monitor {
	return &Monitor{
		hub:      h,
		interval: h.config.HeartbeatInterval,
		timeout:  h.config.HeartbeatTimeout,
	}
}

// Run 按心跳间隔巡检，ctx 取消后返回
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
			m.refreshPresence(ctx)
		}
	}
}

// Sweep 关闭 now - lastSeen > timeout 的连接，返回关闭数量
//
// 超时连接并发关闭（上限 ShutdownConcurrency），全部关闭后返回。
func (m *Monitor) Sweep(now time.Time) int {
	g := new(errgroup.Group)
	g.SetLimit(m.hub.config.ShutdownConcurrency)

	pruned := 0
	for _, c := range m.hub.registry.Snapshot() {
		if !m.check(c, now) {
			continue
		}
		pruned++
		g.Go(func() error {
			m.close(c)
			return nil
		})
	}
	_ = g.Wait()
	return pruned
}

// check 单个连接检查，panic 不影响其他连接
func (m *Monitor) check(c *Conn, now time.Time) (expired bool) {
	defer func() {
		if r := recover(); r != nil {
			m.hub.log.Error("heartbeat check panic",
				zap.String("conn_id", c.id), zap.String("user_id", c.userID), zap.Any("panic", r))
			expired = false
		}
	}()

	idle := now.Sub(c.LastSeen())
	if idle <= m.timeout {
		return false
	}

	m.hub.log.Info("heartbeat timeout",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Duration("idle", idle),
		zap.Time("at", now),
		zap.Error(ErrHeartbeatTimeout),
	)
	m.hub.metrics.IncrementPruned()
	m.hub.stats.pruned.Add(1)
	m.hub.events.Publish(LifecycleEvent{
		Type:   LifecyclePruned,
		ConnID: c.id,
		UserID: c.userID,
		Reason: ReasonHeartbeatTimeout,
		Data:   map[string]any{"idle_ms": idle.Milliseconds()},
	})
	return true
}

func (m *Monitor) close(c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			m.hub.log.Error("heartbeat close panic",
				zap.String("conn_id", c.id), zap.String("user_id", c.userID), zap.Any("panic", r))
		}
	}()
	c.Close(CloseGoingAway, ReasonHeartbeatTimeout)
}

// refreshPresence 续期实例存活标记与本实例在线用户的 presence 键
func (m *Monitor) refreshPresence(ctx context.Context) {
	if m.hub.presence == nil {
		return
	}
	m.hub.presence.heartbeat(ctx)
	for _, userID := range m.hub.registry.Users() {
		m.hub.presence.refresh(ctx, userID)
	}
}
