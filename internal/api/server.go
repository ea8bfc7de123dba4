package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ChatOps-Relay/internal/auth"
	"ChatOps-Relay/internal/observability"
	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/pkg/logger"
	"ChatOps-Relay/pkg/plugin"
)

const (
	shutdownTimeout  = 5 * time.Second
	lifecycleTimeout = 30 * time.Second
)

// Admin 是插件运维能力的子集，由插件管理器实现。
type Admin interface {
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Reload(ctx context.Context, name string) error
	Status() []plugin.InstanceStatus
}

// Tasks 提供任务注册表的只读视图。
type Tasks interface {
	Active() []registry.TaskRecord
	ActiveForRoom(roomID string) []registry.TaskRecord
}

// Server 暴露诊断探针、指标与插件运维接口，并承载聊天桥接的
// WebSocket 挂载点。日常操作走聊天命令，这里服务的是探活、监控
// 采集与自动化运维。
type Server struct {
	addr    string
	token   string
	admin   Admin
	tasks   Tasks
	gateway http.Handler
	ready   func() bool
	metrics *observability.Metrics
	audit   *slog.Logger
	log     *slog.Logger
}

// Option 调整服务的可选依赖。
type Option func(*Server)

// WithGatewayHandler 挂载聊天桥接的 WebSocket 入口。
func WithGatewayHandler(h http.Handler) Option {
	return func(s *Server) { s.gateway = h }
}

// WithReadiness 指定就绪探针。未设置时 /readyz 恒为就绪。
func WithReadiness(ready func() bool) Option {
	return func(s *Server) { s.ready = ready }
}

// WithMetrics 注入指标；为空时 HTTP 埋点静默跳过。
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAudit 指定审计日志输出。
func WithAudit(audit *slog.Logger) Option {
	return func(s *Server) { s.audit = audit }
}

// WithServerLogger 指定日志输出。
func WithServerLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// NewServer 构造管理面服务。token 为空时运维接口不做鉴权。
func NewServer(addr, token string, admin Admin, tasks Tasks, opts ...Option) *Server {
	s := &Server{
		addr:  addr,
		token: token,
		admin: admin,
		tasks: tasks,
		log:   logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router 组装全部路由。探针与指标不鉴权，运维接口走共享令牌。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", observability.Handler())
	if s.gateway != nil {
		r.Handle("/gateway/ws", s.gateway)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.token, s.audit))
		r.Use(s.metrics.Middleware("api"))
		r.Get("/plugins", s.handleListPlugins)
		r.Post("/plugins/{name}/enable", s.pluginOp("enable"))
		r.Post("/plugins/{name}/disable", s.pluginOp("disable"))
		r.Post("/plugins/{name}/reload", s.pluginOp("reload"))
		r.Get("/tasks", s.handleListTasks)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("管理面已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.admin == nil {
		respondError(w, http.StatusServiceUnavailable, "插件管理器未初始化")
		return
	}
	statuses := s.admin.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"plugins": statuses,
		"count":   len(statuses),
	})
}

// pluginOp 把一次生命周期操作包装成 HTTP 处理函数，错误按哨兵映射
// 到相应状态码。
func (s *Server) pluginOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.admin == nil {
			respondError(w, http.StatusServiceUnavailable, "插件管理器未初始化")
			return
		}
		name := chi.URLParam(r, "name")
		ctx, cancel := context.WithTimeout(r.Context(), lifecycleTimeout)
		defer cancel()

		var err error
		switch op {
		case "enable":
			err = s.admin.Enable(ctx, name)
		case "disable":
			err = s.admin.Disable(ctx, name)
		case "reload":
			err = s.admin.Reload(ctx, name)
		}
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, plugin.ErrNotFound):
				status = http.StatusNotFound
			case errors.Is(err, plugin.ErrBusy), errors.Is(err, plugin.ErrSlotOccupied):
				status = http.StatusConflict
			}
			s.log.Warn("插件运维接口调用失败",
				slog.String("plugin", name),
				slog.String("op", op),
				slog.Int("status", status),
				slog.Any("error", err),
			)
			respondError(w, status, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"plugin": name,
			"op":     op,
		})
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, http.StatusServiceUnavailable, "任务注册表未初始化")
		return
	}
	var records []registry.TaskRecord
	if room := r.URL.Query().Get("room"); room != "" {
		records = s.tasks.ActiveForRoom(room)
	} else {
		records = s.tasks.Active()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": records,
		"count": len(records),
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message})
}
