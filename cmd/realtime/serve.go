package main

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokmz/realtime"
	"github.com/tokmz/realtime/pkg/auth"
	"github.com/tokmz/realtime/pkg/backbone"
	"github.com/tokmz/realtime/pkg/config"
	"github.com/tokmz/realtime/pkg/logger"
	"github.com/tokmz/realtime/pkg/metrics"
	"github.com/tokmz/realtime/pkg/orm"
	"github.com/tokmz/realtime/pkg/store"
	"github.com/tokmz/realtime/pkg/tracing"
	"github.com/tokmz/realtime/pkg/ws"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime WebSocket server",
		Example: `  realtime serve
  realtime serve --config /etc/realtime/config.yaml --addr :9000
  REALTIME_STORE_DRIVER=redis REALTIME_BACKBONE_ENABLED=true realtime serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

// app 运行期组件，按创建的逆序关闭
type app struct {
	log     logger.Logger
	store   store.Store
	bb      backbone.Backbone
	queue   ws.OfflineQueue
	closers []func() error
	hub     *ws.Hub
	engine  *realtime.Engine
}

// newLogger debug 模式使用开发配置，其余按 log 配置创建
func newLogger(s *Settings) (logger.Logger, error) {
	if s.Server.Mode == gin.DebugMode {
		return logger.NewDevelopment()
	}
	return logger.NewWithOptions(s.Log.options()...)
}

func runServe(ctx context.Context, configPath, addr string) error {
	cfg, settings, err := loadSettings(configPath, config.WithAutoWatch(true))
	if err != nil {
		return err
	}
	defer cfg.Close()
	if addr != "" {
		settings.Server.Server.Addr = addr
	}

	log, err := newLogger(settings)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// 热更新仅覆盖日志级别，其余配置需要重启
	cfg.OnChange(func(e fsnotify.Event) {
		level, err := logger.ParseLevel(cfg.GetString("log.level"))
		if err != nil {
			log.Warn("ignore invalid log level", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if level != log.Level() {
			log.SetLevel(level)
			log.Info("log level changed", zap.String("level", level.String()))
		}
	})

	a, err := buildApp(ctx, settings, log)
	if err != nil {
		return err
	}
	defer a.shutdown(settings.Server.Shutdown.Timeout)

	if err := a.hub.Start(ctx); err != nil {
		return err
	}
	log.Info("realtime started",
		zap.String("instance_id", a.hub.InstanceID()),
		zap.String("store", string(settings.Store.Driver)),
		zap.String("queue", settings.Queue.Driver),
		zap.Bool("backbone", a.bb != nil),
	)
	return a.engine.Run(ctx)
}

// buildApp 按依赖顺序装配：tracing → store → backbone → queue → metrics → hub → engine
func buildApp(ctx context.Context, s *Settings, log logger.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	if s.Tracing.Enabled {
		if _, err = tracing.NewTracerProvider(ctx, &s.Tracing); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return tracing.Shutdown(context.Background()) })
	}

	st, err := store.New(&s.Store)
	if err != nil {
		return nil, err
	}
	if s.Tracing.Enabled {
		st = store.NewTracing(st)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if s.Backbone.Enabled {
		bb, err := backbone.New(&s.Backbone.Config, st, log)
		if err != nil {
			return nil, err
		}
		a.bb = bb
		a.closers = append(a.closers, bb.Close)
	}

	if a.queue, err = buildQueue(s, st, log, a); err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier(s.Auth)
	if err != nil {
		return nil, err
	}

	opts := []ws.Option{
		ws.WithConfig(s.WS),
		ws.WithStore(st),
		ws.WithQueue(a.queue),
		ws.WithVerifier(jwtVerifier(verifier)),
		ws.WithLogger(log),
	}
	if a.bb != nil {
		opts = append(opts, ws.WithBackbone(a.bb))
	}

	httpOpts := []realtime.Option{realtime.WithConfig(s.Server)}
	if s.Metrics.Enabled {
		reg := metrics.New()
		opts = append(opts, ws.WithMetrics(reg))
		httpOpts = append(httpOpts, realtime.WithMetricsHandler(reg.Handler()))
	}
	if s.Tracing.Enabled {
		httpOpts = append(httpOpts, realtime.WithTracing())
	}

	if a.hub, err = ws.NewHub(opts...); err != nil {
		return nil, err
	}
	a.engine = realtime.New(a.hub, log, httpOpts...)
	return a, nil
}

func buildQueue(s *Settings, st store.Store, log logger.Logger, a *app) (ws.OfflineQueue, error) {
	capacity := s.WS.QueueCapacity
	switch s.Queue.Driver {
	case queueStore:
		return ws.NewStoreQueue(st, capacity, s.Queue.TTL), nil
	case queueSQL:
		dbCfg := s.Database
		dbCfg.Logger = log.Named("gorm")
		dbCfg.Tracing = dbCfg.Tracing || s.Tracing.Enabled
		db, err := orm.New(&dbCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return orm.Close(db) })
		return ws.NewSQLQueue(db, capacity)
	default:
		return ws.NewMemoryQueue(capacity), nil
	}
}

// jwtVerifier 将 JWT 声明映射为连接身份
func jwtVerifier(v *auth.JWTVerifier) ws.TokenVerifier {
	return ws.VerifierFunc(func(ctx context.Context, token string) (*ws.Identity, error) {
		claims, err := v.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		return &ws.Identity{UserID: claims.SubjectID(), Role: claims.Role}, nil
	})
}

// shutdown 先关闭 Hub（1001 通知客户端），再逆序释放其余组件
func (a *app) shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.hub.Close(ctx); err != nil {
			a.log.Warn("hub close timed out", zap.Error(err))
		}
		cancel()
	}
	a.closeAll()
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("component close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
