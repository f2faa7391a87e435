package store

import (
	"net/http"

	"github.com/tokmz/realtime/pkg/errors"
)

// 存储错误（3000 段）
var (
	ErrNotFound      = errors.New(3001, "store key not found", http.StatusNotFound)
	ErrInvalidConfig = errors.New(3002, "store invalid config")
	ErrUnavailable   = errors.New(3003, "store unavailable", http.StatusServiceUnavailable)
	ErrClosed        = errors.New(3004, "store closed", http.StatusServiceUnavailable)
)
