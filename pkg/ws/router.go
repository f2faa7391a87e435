package ws

import (
	"sync"
)

// Handler 入站消息处理器；返回的错误以 error 事件回复客户端
type Handler func(*Conn, *Inbound) error

// NextFunc 中间件下一步函数
type NextFunc func() error

// MiddlewareFunc 中间件函数
type MiddlewareFunc func(*Conn, *Inbound, NextFunc) error

// Router 按消息类型分发
type Router struct {
	handlers   map[string]Handler
	middleware []MiddlewareFunc
	compiled   map[string]Handler // 冻结后预编译的处理器链
	mu         sync.RWMutex
	frozen     bool
}

// NewRouter 创建路由器
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
	}
}

// Register 注册处理器
func (r *Router) Register(msgType string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	if _, exists := r.handlers[msgType]; exists {
		return ErrHandlerExists.WithMessagef("handler already registered: %s", msgType)
	}
	r.handlers[msgType] = handler
	return nil
}

// Use 添加中间件
func (r *Router) Use(middleware ...MiddlewareFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRouterFrozen
	}
	r.middleware = append(r.middleware, middleware...)
	return nil
}

// Freeze 冻结路由器，之后不可再注册
func (r *Router) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.frozen = true

	r.compiled = make(map[string]Handler, len(r.handlers))
	for t, handler := range r.handlers {
		r.compiled[t] = chain(handler, r.middleware)
	}
}

// Has 是否注册了该类型
func (r *Router) Has(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[msgType]
	return ok
}

// Route 路由消息，未注册类型返回 ErrHandlerNotFound
func (r *Router) Route(c *Conn, in *Inbound) error {
	r.mu.RLock()
	if r.frozen {
		handler, ok := r.compiled[in.Type]
		r.mu.RUnlock()
		if !ok {
			return ErrHandlerNotFound.WithMessagef("unknown message type: %s", in.Type)
		}
		return handler(c, in)
	}

	handler, ok := r.handlers[in.Type]
	middleware := append([]MiddlewareFunc(nil), r.middleware...)
	r.mu.RUnlock()

	if !ok {
		return ErrHandlerNotFound.WithMessagef("unknown message type: %s", in.Type)
	}
	return chain(handler, middleware)(c, in)
}

// chain 从后向前包装中间件
func chain(handler Handler, middleware []MiddlewareFunc) Handler {
	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw, next := middleware[i], final
		final = func(c *Conn, in *Inbound) error {
			return mw(c, in, func() error {
				return next(c, in)
			})
		}
	}
	return final
}

// HandlerFunc 泛型处理器（有请求有响应）
type HandlerFunc[Req any, Resp any] func(*Conn, *Req) (*Resp, error)

// HandlerFunc0 泛型处理器（有请求无响应）
type HandlerFunc0[Req any] func(*Conn, *Req) error

// Handle 注册泛型处理器，响应以 replyEvent 事件发回；resp 为 nil 时不回复
func Handle[Req any, Resp any](r *Router, msgType, replyEvent string, handler HandlerFunc[Req, Resp]) error {
	return r.Register(msgType, func(c *Conn, in *Inbound) error {
		var req Req
		if err := in.Bind(&req); err != nil {
			return err
		}
		resp, err := handler(c, &req)
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}
		return c.Send(replyEvent, resp)
	})
}

// Handle0 注册泛型处理器（无响应）
func Handle0[Req any](r *Router, msgType string, handler HandlerFunc0[Req]) error {
	return r.Register(msgType, func(c *Conn, in *Inbound) error {
		var req Req
		if err := in.Bind(&req); err != nil {
			return err
		}
		return handler(c, &req)
	})
}
