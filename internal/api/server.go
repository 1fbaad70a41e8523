package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	rtr "github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"PluginHub/internal/auth"
	"PluginHub/internal/observability/metrics"
	"PluginHub/pkg/logger"
	"PluginHub/pkg/plugin"
)

// EventFeed 提供最近的生命周期事件。
type EventFeed interface {
	Recent(limit int) []plugin.Event
}

// Options 汇总 API 服务的依赖。
type Options struct {
	Address        string
	Manager        *plugin.Manager
	Auth           *auth.Service
	Metrics        *metrics.Collector
	Events         EventFeed
	AllowedOrigins []string
	// ShutdownTimeout 为 0 时使用 5 秒。
	ShutdownTimeout time.Duration
}

// Server 负责暴露插件管理的 REST 接口。
type Server struct {
	addr     string
	manager  *plugin.Manager
	auth     *auth.Service
	metrics  *metrics.Collector
	events   EventFeed
	origins  []string
	shutdown time.Duration
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.Default()
	}
	shutdown := opts.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}
	return &Server{
		addr:     opts.Address,
		manager:  opts.Manager,
		auth:     opts.Auth,
		metrics:  collector,
		events:   opts.Events,
		origins:  opts.AllowedOrigins,
		shutdown: shutdown,
		log:      logger.Named("api"),
	}
}

// Handler 返回带 CORS、认证与审计包装的路由。
func (s *Server) Handler() http.Handler {
	router := rtr.New()
	router.HandleMethodNotAllowed = true

	s.route(router, http.MethodGet, "/healthz", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())

	s.route(router, http.MethodGet, "/api/v1/catalog", s.handleSearch)
	s.route(router, http.MethodPost, "/api/v1/catalog/refresh", s.handleRefresh)
	s.route(router, http.MethodGet, "/api/v1/catalog/:id", s.handleDetails)
	s.route(router, http.MethodGet, "/api/v1/catalog/:id/recommendations", s.handleRecommendations)

	s.route(router, http.MethodGet, "/api/v1/plugins", s.handleListInstalled)
	s.route(router, http.MethodGet, "/api/v1/plugins/:id", s.handleInstalled)
	s.route(router, http.MethodDelete, "/api/v1/plugins/:id", s.handleUninstall)
	s.route(router, http.MethodPost, "/api/v1/plugins/:id/install", s.handleInstall)
	s.route(router, http.MethodPost, "/api/v1/plugins/:id/update", s.handleUpdate)
	s.route(router, http.MethodPost, "/api/v1/plugins/:id/enable", s.handleEnable)
	s.route(router, http.MethodPost, "/api/v1/plugins/:id/disable", s.handleDisable)
	s.route(router, http.MethodGet, "/api/v1/plugins/:id/sandbox", s.handleSandbox)
	s.route(router, http.MethodPut, "/api/v1/plugins/:id/permissions/:permission", s.handleGrant)
	s.route(router, http.MethodDelete, "/api/v1/plugins/:id/permissions/:permission", s.handleRevoke)

	s.route(router, http.MethodGet, "/api/v1/updates", s.handleUpdates)
	s.route(router, http.MethodPost, "/api/v1/updates/check", s.handleCheckUpdates)
	s.route(router, http.MethodGet, "/api/v1/stats", s.handleStats)
	s.route(router, http.MethodPost, "/api/v1/hooks/:name", s.handleExecuteHook)
	s.route(router, http.MethodGet, "/api/v1/events", s.handleEvents)
	s.route(router, http.MethodGet, "/api/v1/config", s.handleConfig)
	s.route(router, http.MethodPatch, "/api/v1/config", s.handleUpdateConfig)

	var handler http.Handler = router
	handler = s.auth.Middleware(auth.DefaultMiddlewareConfig())(handler)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(handler)
}

// route 注册处理函数并以路由模式作为指标标签。
func (s *Server) route(router *rtr.Router, method, pattern string, h rtr.Handle) {
	router.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request, ps rtr.Params) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r, ps)
		s.metrics.ObserveHTTPRequest(pattern, method, sw.status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
