package ws

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// 入站消息类型
const (
	TypeHeartbeat        = "heartbeat"
	TypePing             = "ping"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeTaskUpdate       = "task_update"
	TypeJobStatus        = "job_status"
	TypeNotificationRead = "notification_read"
	typeMarkRead         = "mark_read" // notification_read 的旧名称
)

// 出站事件
const (
	EventConnected     = "connected"
	EventHeartbeatAck  = "heartbeat_ack"
	EventPong          = "pong"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventError         = "error"
	EventNotifications = "notifications" // 离线消息批量投递
	EventJobUpdate     = "job_update"
	EventTaskUpdate    = "task_update"
	EventPayment       = "payment_update"
	EventNotification  = "notification"
	EventSystemMessage = "system_message"
)

// Inbound 入站信封 {type, payload}
type Inbound struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// DecodeInbound 解析入站信封
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, ErrInvalidMessage.WithError(err)
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return nil, ErrInvalidMessage.WithMessage("message type required")
	}
	if in.Type == typeMarkRead {
		in.Type = TypeNotificationRead
	}
	return &in, nil
}

// Bind 将 payload 解析到 v
func (in *Inbound) Bind(v any) error {
	if len(in.Payload) == 0 || bytes.Equal(in.Payload, []byte("null")) {
		return ErrInvalidMessage.WithMessage("payload required")
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return ErrInvalidMessage.WithError(err)
	}
	return nil
}

// HeartbeatPayload heartbeat 负载
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// TopicsPayload subscribe/unsubscribe 负载
// 同时接受 ["job:1"] 与 {"topics":["job:1"]}
type TopicsPayload struct {
	Topics []string `json:"topics"`
}

// UnmarshalJSON 兼容数组与对象两种写法
func (p *TopicsPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &p.Topics)
	}
	type alias TopicsPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.Topics = a.Topics
	return nil
}

// TaskUpdatePayload task_update 负载
type TaskUpdatePayload struct {
	TaskID string          `json:"task_id"`
	JobID  string          `json:"job_id,omitempty"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// JobStatusPayload job_status 负载
type JobStatusPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NotificationReadPayload notification_read 负载
type NotificationReadPayload struct {
	NotificationIDs []string `json:"notification_ids"`
	NotificationID  string   `json:"notification_id,omitempty"`
}

// IDs 合并单个与批量写法
func (p *NotificationReadPayload) IDs() []string {
	ids := append([]string(nil), p.NotificationIDs...)
	if p.NotificationID != "" {
		ids = append(ids, p.NotificationID)
	}
	return ids
}

// Envelope 出站信封 {event, data}
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode 编码出站消息
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ConnectedPayload 连接成功后的欢迎帧
type ConnectedPayload struct {
	ConnectionID      string `json:"connection_id"`
	UserID            string `json:"user_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval"` // 毫秒
	ServerTime        int64  `json:"server_time"`        // 毫秒
}

// AckPayload heartbeat_ack / pong
type AckPayload struct {
	Timestamp  int64 `json:"timestamp,omitempty"`
	ServerTime int64 `json:"server_time"`
}

// TopicsAck subscribed / unsubscribed
type TopicsAck struct {
	Topics    []string `json:"topics"`
	RequestID string   `json:"request_id,omitempty"`
}

// ErrorPayload error 事件
type ErrorPayload struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// QueuedDelivery notifications 帧中的单条离线消息
type QueuedDelivery struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // 入队时间，毫秒
}

// NotificationType 通知类型
type NotificationType string

const (
	NotifyJobAssignment NotificationType = "job_assignment"
	NotifyTaskUpdate    NotificationType = "task_update"
	NotifyPayment       NotificationType = "payment"
	NotifySystem        NotificationType = "system"
	NotifyDeadline      NotificationType = "deadline"
	NotifyPerformance   NotificationType = "performance"
)

// Priority 通知优先级
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification notification 事件负载
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Priority    Priority         `json:"priority"`
	ReferenceID string           `json:"reference_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// JobUpdate job_update 事件负载
type JobUpdate struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskUpdate task_update 事件负载
type TaskUpdate struct {
	TaskID    string    `json:"task_id"`
	JobID     string    `json:"job_id,omitempty"`
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentUpdate payment_update 事件负载
type PaymentUpdate struct {
	Type      string  `json:"type"` // 如 payment_processed
	PaymentID string  `json:"payment_id"`
	Status    string  `json:"status,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
}

// SystemMessage system_message 事件负载
type SystemMessage struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // 毫秒
}
