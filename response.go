package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/logger"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`               // 业务状态码
	Data    any    `json:"data"`               // 响应数据
	Message string `json:"message"`            // 响应消息
	TraceID string `json:"trace_id,omitempty"` // 追踪ID（可选）
}

// NewResponse 创建响应
func NewResponse(code int, data any, message string) *Response {
	return &Response{
		Code:    code,
		Data:    data,
		Message: message,
	}
}

// WithTraceID 设置追踪ID
func (r *Response) WithTraceID(traceID string) *Response {
	r.TraceID = traceID
	return r
}

// Success 成功响应
func Success(data any) *Response {
	return NewResponse(http.StatusOK, data, "success")
}

// Fail 失败响应
func Fail(code int, message string) *Response {
	return NewResponse(code, nil, message)
}

// FromError 按错误码构造失败响应，非 *errors.Error 统一为服务器异常
func FromError(err error) (int, *Response) {
	var e *errors.Error
	if !errors.As(err, &e) {
		e = errors.ErrServer
	}
	return errors.HTTPStatus(e), Fail(e.Code, e.Message)
}

// respond 写出 JSON 并附带 trace id
func respond(c *gin.Context, status int, resp *Response) {
	if id := logger.TraceIDFromContext(c.Request.Context()); id != "" {
		resp.WithTraceID(id)
	}
	c.JSON(status, resp)
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, resp := FromError(err)
	respond(c, status, resp)
}
