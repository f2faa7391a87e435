package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error 带业务码的错误
type Error struct {
	Code     int    `json:"code"`    // 业务错误码
	Message  string `json:"message"` // 错误信息
	HttpCode int    `json:"-"`       // 对应的 HTTP 状态码
	Err      error  `json:"-"`       // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回原始错误
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建错误
// httpCode 可选，默认 500
func New(code int, message string, httpCode ...int) *Error {
	hc := http.StatusInternalServerError
	if len(httpCode) > 0 {
		hc = httpCode[0]
	}
	return &Error{
		Code:     code,
		HttpCode: hc,
		Message:  message,
	}
}

// Clone 复制错误，避免修改包级预定义错误
func (e *Error) Clone() *Error {
	cp := *e
	return &cp
}

// WithError 附加原始错误（返回新实例）
func (e *Error) WithError(err error) *Error {
	cp := e.Clone()
	cp.Err = err
	return cp
}

// WithMessage 替换错误信息（返回新实例）
func (e *Error) WithMessage(message string) *Error {
	cp := e.Clone()
	cp.Message = message
	return cp
}

// WithMessagef 格式化替换错误信息（返回新实例）
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Is 同为 *Error 时按 Code 比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Is 包装标准库 errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As 包装标准库 errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join 包装标准库 errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Code 提取错误码，非 *Error 返回 ErrServer 的错误码
func Code(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrServer.Code
}

// HTTPStatus 提取 HTTP 状态码
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HttpCode > 0 {
		return e.HttpCode
	}
	return http.StatusInternalServerError
}
