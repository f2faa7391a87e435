package ws

import (
	"sync/atomic"
	"time"
)

// Metrics 监控接口
type Metrics interface {
	// 连接
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	// 准入
	IncrementRejections(reason string)

	// 离线队列
	SetQueueDepth(depth int64)
	IncrementQueued()
	AddEvicted(n int)

	// 投递
	IncrementDelivered()
	IncrementDropped()
	IncrementPublishFailures()
	RecordBroadcastLatency(mode string, d time.Duration)

	// 心跳
	IncrementPruned()

	// 入站
	IncrementMessageCount(msgType string)
	IncrementInvalidMessages()
	IncrementReadErrors()
	IncrementWriteErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections()                        {}
func (NoopMetrics) DecrementConnections()                        {}
func (NoopMetrics) SetConnectionCount(int)                       {}
func (NoopMetrics) IncrementRejections(string)                   {}
func (NoopMetrics) SetQueueDepth(int64)                          {}
func (NoopMetrics) IncrementQueued()                             {}
func (NoopMetrics) AddEvicted(int)                               {}
func (NoopMetrics) IncrementDelivered()                          {}
func (NoopMetrics) IncrementDropped()                            {}
func (NoopMetrics) IncrementPublishFailures()                    {}
func (NoopMetrics) RecordBroadcastLatency(string, time.Duration) {}
func (NoopMetrics) IncrementPruned()                             {}
func (NoopMetrics) IncrementMessageCount(string)                 {}
func (NoopMetrics) IncrementInvalidMessages()                    {}
func (NoopMetrics) IncrementReadErrors()                         {}
func (NoopMetrics) IncrementWriteErrors()                        {}

// counters Hub 内部计数，供 Stats 使用
type counters struct {
	delivered       atomic.Int64
	queued          atomic.Int64
	evicted         atomic.Int64
	dropped         atomic.Int64
	publishFailures atomic.Int64
	pruned          atomic.Int64
}

// Stats Hub 运行状态
type Stats struct {
	InstanceID         string           `json:"instance_id"`
	Connections        int              `json:"connections"`
	Users              int              `json:"users"`
	Topics             int              `json:"topics"`
	QueueDepth         int64            `json:"queue_depth"`
	Rejections         int64            `json:"rejections"`
	RejectionsByReason map[string]int64 `json:"rejections_by_reason"`
	Delivered          int64            `json:"delivered"`
	Queued             int64            `json:"queued"`
	Evicted            int64            `json:"evicted"`
	Dropped            int64            `json:"dropped"`
	PublishFailures    int64            `json:"publish_failures"`
	Pruned             int64            `json:"pruned"`
	StartedAt          time.Time        `json:"started_at"`
	Uptime             string           `json:"uptime"`
}
