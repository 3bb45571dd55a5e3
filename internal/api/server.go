package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"task-processor/internal/observability/metrics"
	"task-processor/internal/task"
	"task-processor/pkg/logger"
)

// Options 控制 HTTP 服务的行为。
type Options struct {
	Address         string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Version         string
	Metrics         *metrics.Registry
	MetricsPath     string
}

// Server 负责暴露 REST 与 WebSocket 接口。
type Server struct {
	opts     Options
	service  *task.Service
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   *slog.Logger
	tracer   trace.Tracer

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]struct{}
	wsWG    sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// NewServer 构造 API 服务实例并注册路由。
func NewServer(service *task.Service, opts Options) *Server {
	if opts.Address == "" {
		opts.Address = ":3000"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:    opts,
		service: service,
		engine:  gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.Named("api"),
		tracer:  otel.Tracer("task-processor/internal/api"),
		wsConns: make(map[*websocket.Conn]struct{}),
		closing: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// Handler 返回底层 http.Handler，便于测试直接调用。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.CustomRecoveryWithWriter(nil, s.recoverPanic))
	s.engine.Use(s.observe())
	s.engine.Use(cors.New(s.corsConfig()))

	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/stats", s.handleStats)
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks", s.handleListTasks)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)
	}

	if s.opts.Metrics != nil {
		s.engine.GET(s.opts.MetricsPath, gin.WrapH(s.opts.Metrics.Handler()))
	}
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	cfg.AllowWebSockets = true
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动",
		slog.String("address", s.opts.Address),
		slog.String("websocket", "/ws"),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		s.closeWebSockets()
		if err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		s.closeWebSockets()
		return err
	}
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	s.logger.Error("HTTP 处理器崩溃", slog.Any("panic", recovered), slog.String("path", c.Request.URL.Path))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal server error", Code: "INTERNAL"})
}
