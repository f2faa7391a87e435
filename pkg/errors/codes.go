package errors

import "net/http"

/*
	内置通用错误码
	1000-1999 通用
	2000-2999 配置
	3000-3999 存储
	4000-4999 实时连接
*/

var (
	// ErrServer 服务器错误
	ErrServer = New(1000, "服务器异常", http.StatusInternalServerError)
	// ErrBadRequest 请求错误
	ErrBadRequest = New(1001, "请求异常", http.StatusBadRequest)
	// ErrUnauthorized 未授权
	ErrUnauthorized = New(1002, "授权异常", http.StatusUnauthorized)
	// ErrForbidden 禁止访问
	ErrForbidden = New(1003, "禁止访问", http.StatusForbidden)
	// ErrNotFound 资源不存在
	ErrNotFound = New(1004, "资源不存在", http.StatusNotFound)
	// ErrTooManyRequests 请求过多
	ErrTooManyRequests = New(1005, "请求过多", http.StatusTooManyRequests)
	// ErrUnavailable 服务暂不可用
	ErrUnavailable = New(1006, "服务暂不可用", http.StatusServiceUnavailable)
)
