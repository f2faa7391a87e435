package ws

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/store"
)

// 持有列表上限，超出后淘汰最早登记的实例
const maxHolders = 64

// presence 跨实例在线状态，仅在配置了 Backbone 时启用
//
//	presence:<user>            登记过该用户连接的实例（可能已失效）
//	presence:<user>:<instance> 该实例上的连接数
//	instance:<instance>        实例存活标记，由心跳巡检续期
type presence struct {
	store      store.Store
	instanceID string
	ttl        time.Duration
	timeout    time.Duration
	log        logger.Logger
	group      singleflight.Group
}

func newPresence(s store.Store, instanceID string, ttl, timeout time.Duration, log logger.Logger) *presence {
	return &presence{store: s, instanceID: instanceID, ttl: ttl, timeout: timeout, log: log}
}

func holdersKey(userID string) string {
	return "presence:" + userID
}

func countKey(userID, instanceID string) string {
	return "presence:" + userID + ":" + instanceID
}

func instanceKey(instanceID string) string {
	return "instance:" + instanceID
}

// heartbeat 续期本实例存活标记
func (p *presence) heartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.store.Set(ctx, instanceKey(p.instanceID), []byte("1"), p.ttl); err != nil {
		p.log.Warn("instance heartbeat failed", zap.Error(err))
	}
}

// retire 实例退出时删除存活标记，其他实例立即不再视其为持有方
func (p *presence) retire(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.store.Delete(ctx, instanceKey(p.instanceID)); err != nil {
		p.log.Warn("instance retire failed", zap.Error(err))
	}
}

func (p *presence) join(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := countKey(userID, p.instanceID)
	n, err := p.store.IncrWithTTL(ctx, key, p.ttl)
	if err != nil {
		p.log.Warn("presence join failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	_ = p.store.Expire(ctx, key, p.ttl)
	if n > 1 {
		_ = p.store.Expire(ctx, holdersKey(userID), p.ttl)
		return
	}

	listed, err := p.listed(ctx, userID)
	if err == nil && slices.Contains(listed, p.instanceID) {
		_ = p.store.Expire(ctx, holdersKey(userID), p.ttl)
		return
	}
	if _, err := p.store.PushCapped(ctx, holdersKey(userID), []byte(p.instanceID), maxHolders, p.ttl); err != nil {
		p.log.Warn("presence register failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *presence) leave(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.store.DecrFloor(ctx, countKey(userID, p.instanceID)); err != nil {
		p.log.Warn("presence leave failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *presence) refresh(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for _, key := range []string{countKey(userID, p.instanceID), holdersKey(userID)} {
		if err := p.store.Expire(ctx, key, p.ttl); err != nil {
			p.log.Debug("presence refresh failed", zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		}
	}
}

// listed 登记过该用户的实例，去重
func (p *presence) listed(ctx context.Context, userID string) ([]string, error) {
	raws, err := p.store.Range(ctx, holdersKey(userID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		if id := string(raw); !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// alive 实例存活标记是否仍在
func (p *presence) alive(ctx context.Context, instanceID string) (bool, error) {
	if instanceID == p.instanceID {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.Exists(ctx, instanceKey(instanceID))
}

// holders 其他实例中存活且仍持有该用户连接的实例
func (p *presence) holders(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	listed, err := p.listed(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, id := range listed {
		if id == p.instanceID {
			continue
		}
		n, err := p.store.GetInt(ctx, countKey(userID, id))
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			continue
		}
		ok, err := p.store.Exists(ctx, instanceKey(id))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// lookup 同 holders，并发查询合并为一次
func (p *presence) lookup(ctx context.Context, userID string) ([]string, error) {
	v, err, _ := p.group.Do(userID, func() (any, error) {
		return p.holders(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}
