package ws

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// offlineMessage ws_offline_messages 表
//
// 同一条广播会写入多个用户的队列，message_id 只在用户内唯一。
type offlineMessage struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	MessageID  string    `gorm:"column:message_id;size:64;uniqueIndex:idx_ws_offline_user_msg,priority:2"`
	UserID     string    `gorm:"column:user_id;size:128;index:idx_ws_offline_user_seq,priority:1;uniqueIndex:idx_ws_offline_user_msg,priority:1"`
	Event      string    `gorm:"size:128"`
	Data       string    `gorm:"type:text"`
	EnqueuedAt time.Time `gorm:"column:enqueued_at"`
}

func (offlineMessage) TableName() string {
	return "ws_offline_messages"
}

// SQLQueue 基于 gorm 的持久化离线队列
type SQLQueue struct {
	db       *gorm.DB
	capacity int
}

// NewSQLQueue 创建 SQL 队列并迁移表结构
func NewSQLQueue(db *gorm.DB, capacity int) (*SQLQueue, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	if err := db.AutoMigrate(&offlineMessage{}); err != nil {
		return nil, ErrStoreUnavailable.WithError(err)
	}
	return &SQLQueue{db: db, capacity: capacity}, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, userID string, msg QueuedMessage) (int, error) {
	row := offlineMessage{
		MessageID:  msg.ID,
		UserID:     userID,
		Event:      msg.Event,
		Data:       string(msg.Data),
		EnqueuedAt: msg.EnqueuedAt,
	}

	evicted := 0
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&offlineMessage{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		over := int(count) - q.capacity
		if over <= 0 {
			return nil
		}

		var seqs []uint64
		if err := tx.Model(&offlineMessage{}).
			Where("user_id = ?", userID).
			Order("seq ASC").
			Limit(over).
			Pluck("seq", &seqs).Error; err != nil {
			return err
		}
		if err := tx.Where("seq IN ?", seqs).Delete(&offlineMessage{}).Error; err != nil {
			return err
		}
		evicted = len(seqs)
		return nil
	})
	if err != nil {
		return 0, ErrStoreUnavailable.WithError(err)
	}
	return evicted, nil
}

func (q *SQLQueue) Peek(ctx context.Context, userID string, n int) ([]QueuedMessage, error) {
	if n <= 0 {
		n = q.capacity
	}

	var rows []offlineMessage
	err := q.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("seq ASC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, ErrStoreUnavailable.WithError(err)
	}

	out := make([]QueuedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, QueuedMessage{
			ID:         r.MessageID,
			Event:      r.Event,
			Data:       json.RawMessage(r.Data),
			EnqueuedAt: r.EnqueuedAt,
		})
	}
	return out, nil
}

func (q *SQLQueue) Ack(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.db.WithContext(ctx).
		Where("user_id = ? AND message_id IN ?", userID, ids).
		Delete(&offlineMessage{}).Error
	if err != nil {
		return ErrStoreUnavailable.WithError(err)
	}
	return nil
}

func (q *SQLQueue) Len(ctx context.Context, userID string) (int, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&offlineMessage{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, ErrStoreUnavailable.WithError(err)
	}
	return int(n), nil
}

func (q *SQLQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&offlineMessage{}).Count(&n).Error; err != nil {
		return 0, ErrStoreUnavailable.WithError(err)
	}
	return n, nil
}
