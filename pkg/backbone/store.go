package backbone

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/tokmz/realtime/pkg/store"
)

// StoreBackbone 基于共享存储发布订阅的中继
type StoreBackbone struct {
	store   store.Store
	channel string
	closed  atomic.Bool
}

// NewStore 创建共享存储中继；不负责关闭 store
func NewStore(s store.Store, channel string) *StoreBackbone {
	return &StoreBackbone{store: s, channel: channel}
}

func (b *StoreBackbone) Publish(ctx context.Context, payload []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.store.Publish(ctx, b.channel, payload); err != nil {
		return ErrPublish.WithError(err)
	}
	return nil
}

func (b *StoreBackbone) Subscribe(ctx context.Context, handler func([]byte)) (io.Closer, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := b.store.Subscribe(ctx, b.channel, handler)
	if err != nil {
		return nil, ErrSubscribe.WithError(err)
	}
	return sub, nil
}

func (b *StoreBackbone) Close() error {
	b.closed.Store(true)
	return nil
}
