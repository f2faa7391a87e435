package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokmz/realtime/pkg/store"
)

// Decision 准入结果
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason,omitempty"`
	Count       int64         `json:"count"`
	Limit       int64         `json:"limit"`
	Remaining   int64         `json:"remaining"`
	ResetAfter  time.Duration `json:"reset_after"`
	Connections int64         `json:"connections"`
}

// LimitStatus 某个客户端身份的当前配额
type LimitStatus struct {
	ClientID       string        `json:"client_id"`
	Count          int64         `json:"count"`
	Limit          int64         `json:"limit"`
	Remaining      int64         `json:"remaining"`
	ResetAfter     time.Duration `json:"reset_after"`
	Connections    int64         `json:"connections"`
	MaxConnections int64         `json:"max_connections"`
}

// Limiter 握手准入：固定窗口计数 + 每客户端并发连接上限
//
// 计数保存在共享存储中，多实例共享同一配额；存储不可达时拒绝（fail-closed）。
type Limiter struct {
	store   store.Store
	cfg     LimitConfig
	timeout time.Duration
	global  *rate.Limiter
	metrics Metrics

	mu         sync.Mutex
	rejections map[string]int64
}

// NewLimiter 创建准入控制器
func NewLimiter(s store.Store, cfg LimitConfig, timeout time.Duration, m Metrics) *Limiter {
	if m == nil {
		m = NoopMetrics{}
	}
	l := &Limiter{
		store:      s,
		cfg:        cfg,
		timeout:    timeout,
		metrics:    m,
		rejections: make(map[string]int64),
	}
	if cfg.GlobalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst)
	}
	return l
}

func (l *Limiter) windowKey(clientID string) string {
	return l.cfg.KeyPrefix + ":win:" + clientID
}

func (l *Limiter) connKey(clientID string) string {
	return l.cfg.KeyPrefix + ":conn:" + clientID
}

// ClientIdentity 按 Scope 计算限流身份
func (l *Limiter) ClientIdentity(r *http.Request, ident *Identity, clientParam string) string {
	switch l.cfg.Scope {
	case ScopeIP:
		return "ip:" + clientIP(r)
	case ScopeClient:
		if clientParam != "" {
			if id := strings.TrimSpace(r.URL.Query().Get(clientParam)); id != "" {
				return "client:" + id
			}
		}
		return "ip:" + clientIP(r)
	default:
		if ident != nil && ident.UserID != "" {
			return "user:" + ident.UserID
		}
		return "ip:" + clientIP(r)
	}
}

// Admit 判定是否接受一次握手；拒绝时返回 ErrAdmissionDenied 或 ErrStoreUnavailable
func (l *Limiter) Admit(ctx context.Context, clientID string) (Decision, error) {
	d := Decision{Limit: l.cfg.MaxRequestsPerWindow}

	if l.global != nil && !l.global.Allow() {
		return l.deny(d, ReasonRateLimited, ErrAdmissionDenied.WithMessage(ReasonRateLimited))
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.store.IncrWithTTL(ctx, l.windowKey(clientID), l.cfg.Window)
	if err != nil {
		return l.deny(d, ReasonStoreUnavailable, ErrStoreUnavailable.WithError(err))
	}
	d.Count = count
	d.Remaining = max(l.cfg.MaxRequestsPerWindow-count, 0)
	if ttl, err := l.store.TTL(ctx, l.windowKey(clientID)); err == nil {
		d.ResetAfter = ttl
	}

	if count > l.cfg.MaxRequestsPerWindow {
		return l.deny(d, ReasonRateLimited, ErrAdmissionDenied.WithMessage(ReasonRateLimited))
	}

	if l.cfg.MaxConnectionsPerClient > 0 {
		key := l.connKey(clientID)
		n, err := l.store.IncrWithTTL(ctx, key, l.cfg.ConnectionTTL)
		if err != nil {
			return l.deny(d, ReasonStoreUnavailable, ErrStoreUnavailable.WithError(err))
		}
		// 续期，实例崩溃后计数随 TTL 过期
		_ = l.store.Expire(ctx, key, l.cfg.ConnectionTTL)

		if n > l.cfg.MaxConnectionsPerClient {
			if _, err := l.store.DecrFloor(ctx, key); err != nil {
				return l.deny(d, ReasonStoreUnavailable, ErrStoreUnavailable.WithError(err))
			}
			d.Connections = n - 1
			return l.deny(d, ReasonTooManyConns, ErrAdmissionDenied.WithMessage(ReasonTooManyConns))
		}
		d.Connections = n
	}

	d.Allowed = true
	return d, nil
}

// Release 连接关闭时归还并发配额
func (l *Limiter) Release(ctx context.Context, clientID string) error {
	if l.cfg.MaxConnectionsPerClient <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if _, err := l.store.DecrFloor(ctx, l.connKey(clientID)); err != nil {
		return ErrStoreUnavailable.WithError(err)
	}
	return nil
}

// Status 查询客户端当前配额，不计数
func (l *Limiter) Status(ctx context.Context, clientID string) (LimitStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	st := LimitStatus{
		ClientID:       clientID,
		Limit:          l.cfg.MaxRequestsPerWindow,
		MaxConnections: l.cfg.MaxConnectionsPerClient,
	}

	count, err := l.store.GetInt(ctx, l.windowKey(clientID))
	if err != nil {
		return st, ErrStoreUnavailable.WithError(err)
	}
	ttl, err := l.store.TTL(ctx, l.windowKey(clientID))
	if err != nil {
		return st, ErrStoreUnavailable.WithError(err)
	}
	conns, err := l.store.GetInt(ctx, l.connKey(clientID))
	if err != nil {
		return st, ErrStoreUnavailable.WithError(err)
	}

	st.Count = count
	st.Remaining = max(st.Limit-count, 0)
	st.ResetAfter = ttl
	st.Connections = conns
	return st, nil
}

// Rejections 按原因统计的拒绝次数
func (l *Limiter) Rejections() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64, len(l.rejections))
	for k, v := range l.rejections {
		out[k] = v
	}
	return out
}

// Reject 记录一次拒绝（认证失败等不经过 Admit 的拒绝也通过它计数）
func (l *Limiter) Reject(reason string) {
	l.mu.Lock()
	l.rejections[reason]++
	l.mu.Unlock()
	l.metrics.IncrementRejections(reason)
}

func (l *Limiter) deny(d Decision, reason string, err error) (Decision, error) {
	d.Allowed = false
	d.Reason = reason
	l.Reject(reason)
	return d, err
}
