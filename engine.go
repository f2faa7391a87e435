// Package realtime 提供实时推送服务的 HTTP 入口：WebSocket 握手与运行状态接口
package realtime

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/realtime/pkg/errors"
	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/tracing"
	"github.com/tokmz/realtime/pkg/ws"
)

const maxEventsLimit = 1000

// Engine gin 引擎 + Hub
type Engine struct {
	config *Config
	engine *gin.Engine
	server *http.Server
	hub    *ws.Hub
	log    logger.Logger
}

// New 创建 Engine 并注册路由，Hub 的 Start/Close 由调用方负责
func New(hub *ws.Hub, log logger.Logger, opts ...Option) *Engine {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if log == nil {
		log = logger.Nop()
	}

	// gin.SetMode 是全局状态，进程内只应创建一个 Engine
	gin.SetMode(config.Mode)
	silenceGin()

	g := gin.New()
	if config.TrustedProxies != nil {
		if err := g.SetTrustedProxies(config.TrustedProxies); err != nil {
			log.Warn("set trusted proxies failed", zap.Error(err))
		}
	}

	e := &Engine{
		config: config,
		engine: g,
		hub:    hub,
		log:    log.Named("http"),
	}

	skip := []string{config.Routes.Health, config.Routes.Metrics}
	g.Use(logger.Recovery(e.log))
	if config.Tracing {
		g.Use(tracing.Middleware(tracing.SkipPaths(skip...)))
	}
	g.Use(logger.Middleware(e.log, skip...))
	if len(config.CORS.AllowOrigins) > 0 {
		g.Use(cors(config.CORS))
	}

	e.registerRoutes()
	return e
}

func (e *Engine) registerRoutes() {
	r := e.config.Routes
	e.engine.GET(r.WebSocket, e.handleUpgrade)
	e.engine.GET(r.Stats, e.handleStats)
	e.engine.GET(r.Events, e.handleEvents)
	e.engine.GET(r.Limits, e.handleLimits)
	e.engine.GET(r.Health, e.handleHealth)
	if e.config.Metrics != nil {
		e.engine.GET(r.Metrics, gin.WrapH(e.config.Metrics))
	}
}

// Handler 返回底层 http.Handler
func (e *Engine) Handler() http.Handler {
	return e.engine
}

// Routes 已注册路由
func (e *Engine) Routes() gin.RoutesInfo {
	return e.engine.Routes()
}

func (e *Engine) handleUpgrade(c *gin.Context) {
	// 握手失败已由 Hub 写出关闭帧或 HTTP 错误
	if err := e.hub.HandleUpgrade(c.Writer, c.Request); err != nil {
		e.log.DebugContext(c.Request.Context(), "websocket handshake failed",
			zap.String("ip", c.ClientIP()),
			zap.Error(err),
		)
	}
}

func (e *Engine) handleStats(c *gin.Context) {
	respond(c, http.StatusOK, Success(e.hub.Stats(c.Request.Context())))
}

func (e *Engine) handleEvents(c *gin.Context) {
	limit := e.config.EventsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventsLimit {
			respondError(c, errors.ErrBadRequest.WithMessagef("limit must be between 1 and %d", maxEventsLimit))
			return
		}
		limit = n
	}
	respond(c, http.StatusOK, Success(e.hub.Events().Recent(limit)))
}

func (e *Engine) handleLimits(c *gin.Context) {
	status, err := e.hub.Limiter().Status(c.Request.Context(), c.Param("client"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, Success(status))
}

func (e *Engine) handleHealth(c *gin.Context) {
	if err := e.hub.Ping(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, Success(gin.H{
		"status":      "ok",
		"instance_id": e.hub.InstanceID(),
		"connections": e.hub.Registry().Count(),
	}))
}

// Run 监听 Server.Addr，收到 SIGINT/SIGTERM 或 ctx 结束时优雅关机
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.Server.Addr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return e.Serve(ctx, ln)
}

// Serve 在 ln 上提供服务直到 ctx 结束
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	e.server = &http.Server{
		Handler:        e.engine,
		ReadTimeout:    e.config.Server.ReadTimeout,
		WriteTimeout:   e.config.Server.WriteTimeout,
		IdleTimeout:    e.config.Server.IdleTimeout,
		MaxHeaderBytes: e.config.Server.MaxHeaderBytes,
	}
	if e.config.Banner {
		e.printBanner(ln.Addr().String())
	}
	e.log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		e.log.Info("shutting down http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Shutdown.Timeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Shutdown 关闭 HTTP Server；已升级的连接不受影响，需另行关闭 Hub
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	if e.config.Shutdown.BeforeShutdown != nil {
		e.config.Shutdown.BeforeShutdown()
	}

	err := e.server.Shutdown(ctx)
	if err != nil {
		e.log.Error("http server forced to close", zap.Error(err))
	}

	if e.config.Shutdown.AfterShutdown != nil {
		e.config.Shutdown.AfterShutdown()
	}
	return err
}
