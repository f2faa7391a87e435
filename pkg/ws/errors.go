package ws

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tokmz/realtime/pkg/errors"
)

// 错误分类（4000 段）
var (
	// ErrAuthenticationFailure 凭证缺失、格式错误、过期或签名不符
	ErrAuthenticationFailure = errors.New(4010, "authentication failed", http.StatusUnauthorized)
	// ErrAdmissionDenied 超出速率或并发连接限制
	ErrAdmissionDenied = errors.New(4290, "admission denied", http.StatusTooManyRequests)
	// ErrDeliveryFailure 向存活连接写入失败，消息转入离线队列
	ErrDeliveryFailure = errors.New(5001, "delivery failed")
	// ErrHeartbeatTimeout 心跳超时断开
	ErrHeartbeatTimeout = errors.New(4080, "heartbeat timeout", http.StatusRequestTimeout)
	// ErrStoreUnavailable 共享存储不可达
	ErrStoreUnavailable = errors.New(5030, "external store unavailable", http.StatusServiceUnavailable)

	ErrConnClosed      = errors.New(4001, "connection closed", http.StatusGone)
	ErrSendBufferFull  = errors.New(4002, "send buffer full", http.StatusServiceUnavailable)
	ErrConnExists      = errors.New(4003, "connection already registered", http.StatusConflict)
	ErrHandlerNotFound = errors.New(4004, "unknown message type", http.StatusBadRequest)
	ErrHandlerExists   = errors.New(4005, "handler already registered", http.StatusConflict)
	ErrRouterFrozen    = errors.New(4006, "router is frozen")
	ErrInvalidMessage  = errors.New(4007, "invalid message format", http.StatusBadRequest)
	ErrInvalidConfig   = errors.New(4008, "invalid ws config")
	ErrInvalidTopic    = errors.New(4009, "invalid topic", http.StatusBadRequest)
	ErrHubClosed       = errors.New(4011, "hub closed", http.StatusServiceUnavailable)
)

// 关闭码
const (
	CloseAuthFailed      = websocket.ClosePolicyViolation // 1008
	CloseTryAgainLater   = websocket.CloseTryAgainLater   // 1013
	CloseGoingAway       = websocket.CloseGoingAway       // 1001
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseNormal          = websocket.CloseNormalClosure
)

// 关闭原因
const (
	ReasonAuthRequired     = "authentication required"
	ReasonAuthFailed       = "authentication failed"
	ReasonRateLimited      = "rate_limited"
	ReasonTooManyConns     = "too_many_connections"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "server shutdown"
	ReasonInvalidMessages  = "too many invalid messages"
	ReasonClientClosed     = "client closed"
	ReasonWriteFailed      = "write failed"
)
