package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tokmz/realtime/pkg/store"
)

type queueFactory func(t *testing.T, capacity int) OfflineQueue

func queueBackends() map[string]queueFactory {
	return map[string]queueFactory{
		"memory": func(_ *testing.T, capacity int) OfflineQueue {
			return NewMemoryQueue(capacity)
		},
		"store-redis": func(t *testing.T, capacity int) OfflineQueue {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewStoreQueue(store.NewFromClient(client, "rt:"), capacity, time.Hour)
		},
		"store-memory": func(t *testing.T, capacity int) OfflineQueue {
			s := store.NewMemory()
			t.Cleanup(func() { _ = s.Close() })
			return NewStoreQueue(s, capacity, 0)
		},
		"sql": func(t *testing.T, capacity int) OfflineQueue {
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
			db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
			require.NoError(t, err)
			t.Cleanup(func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			})
			q, err := NewSQLQueue(db, capacity)
			require.NoError(t, err)
			return q
		},
	}
}

func queued(i int) QueuedMessage {
	data, _ := json.Marshal(map[string]int{"n": i})
	return QueuedMessage{
		ID:         fmt.Sprintf("m%d", i),
		Event:      EventPayment,
		Data:       data,
		EnqueuedAt: time.UnixMilli(int64(1700000000000 + i)),
	}
}

func ids(msgs []QueuedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestOfflineQueue(t *testing.T) {
	ctx := context.Background()

	for name, factory := range queueBackends() {
		t.Run(name, func(t *testing.T) {
			t.Run("fifo", func(t *testing.T) {
				q := factory(t, 10)
				for i := 1; i <= 3; i++ {
					evicted, err := q.Enqueue(ctx, "u1", queued(i))
					require.NoError(t, err)
					assert.Zero(t, evicted)
				}

				msgs, err := q.Peek(ctx, "u1", 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
				assert.Equal(t, EventPayment, msgs[0].Event)
				assert.JSONEq(t, `{"n":1}`, string(msgs[0].Data))

				n, err := q.Len(ctx, "u1")
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				empty, err := q.Peek(ctx, "nobody", 10)
				require.NoError(t, err)
				assert.Empty(t, empty)
			})

			t.Run("evicts oldest beyond capacity", func(t *testing.T) {
				q := factory(t, 3)
				for i := 1; i <= 3; i++ {
					_, err := q.Enqueue(ctx, "u1", queued(i))
					require.NoError(t, err)
				}
				evicted, err := q.Enqueue(ctx, "u1", queued(4))
				require.NoError(t, err)
				assert.Equal(t, 1, evicted)

				msgs, err := q.Peek(ctx, "u1", 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"m2", "m3", "m4"}, ids(msgs))

				depth, err := q.Depth(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(3), depth)
			})

			t.Run("ack removes delivered head only", func(t *testing.T) {
				q := factory(t, 10)
				for i := 1; i <= 4; i++ {
					_, err := q.Enqueue(ctx, "u1", queued(i))
					require.NoError(t, err)
				}
				_, err := q.Enqueue(ctx, "u2", queued(9))
				require.NoError(t, err)

				batch, err := q.Peek(ctx, "u1", 2)
				require.NoError(t, err)
				require.NoError(t, q.Ack(ctx, "u1", ids(batch)))

				rest, err := q.Peek(ctx, "u1", 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"m3", "m4"}, ids(rest))

				other, err := q.Peek(ctx, "u2", 10)
				require.NoError(t, err)
				assert.Equal(t, []string{"m9"}, ids(other))

				depth, err := q.Depth(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(3), depth)

				require.NoError(t, q.Ack(ctx, "u1", nil))
			})

			t.Run("same message for several users", func(t *testing.T) {
				q := factory(t, 10)
				msg := queued(1)
				for _, userID := range []string{"alice", "bob"} {
					_, err := q.Enqueue(ctx, userID, msg)
					require.NoError(t, err, userID)
				}

				for _, userID := range []string{"alice", "bob"} {
					msgs, err := q.Peek(ctx, userID, 10)
					require.NoError(t, err)
					assert.Equal(t, []string{"m1"}, ids(msgs), userID)
				}

				require.NoError(t, q.Ack(ctx, "alice", []string{"m1"}))
				n, err := q.Len(ctx, "alice")
				require.NoError(t, err)
				assert.Zero(t, n)
				n, err = q.Len(ctx, "bob")
				require.NoError(t, err)
				assert.Equal(t, 1, n, "ack is scoped to one user")

				depth, err := q.Depth(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(1), depth)
			})
		})
	}
}
