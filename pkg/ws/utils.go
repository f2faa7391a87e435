package ws

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// newID 生成连接与消息 ID
func newID() string {
	return uuid.NewString()
}

// clientIP 依次读取 X-Forwarded-For、X-Real-IP 与 RemoteAddr
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// stripe 用户锁分片下标（FNV-1a）
func stripe(userID string, n int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(userID); i++ {
		h ^= uint32(userID[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}
