package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ActionFlow/internal/action"
	xerrors "ActionFlow/internal/errors"
	"ActionFlow/internal/lifecycle"
	"ActionFlow/internal/observability/metrics"
	"ActionFlow/internal/orchestrator"
	"ActionFlow/internal/session"
	"ActionFlow/internal/transport"
	"ActionFlow/pkg/logger"
)

const (
	maxBodyBytes      = 1 << 20
	keepAliveInterval = 15 * time.Second
)

// Orchestrator 是控制面依赖的编排能力。
type Orchestrator interface {
	AcceptActions(ctx context.Context, actions []action.Action) (*orchestrator.BatchResult, error)
	RejectActions(ctx context.Context, actions []action.Action) (*orchestrator.BatchResult, error)
	Sessions(ctx context.Context) ([]session.Entry, error)
	State() transport.State
}

// EventSource 提供生命周期事件订阅，*lifecycle.Bus 实现了该接口。
type EventSource interface {
	Subscribe() *lifecycle.Subscription
	Unsubscribe(id string)
}

// Option 定义可选配置。
type Option func(*Server)

// WithEvents 启用 /api/v1/events 事件流。
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// WithMetrics 记录请求指标并暴露 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露控制面 REST 接口。
type Server struct {
	addr    string
	orch    Orchestrator
	events  EventSource
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch Orchestrator, opts ...Option) *Server {
	s := &Server{addr: addr, orch: orch, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册好全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/actions/accept", s.instrument("accept", s.handleDecision(action.DecisionAccept)))
	mux.Handle("POST /api/v1/actions/reject", s.instrument("reject", s.handleDecision(action.DecisionReject)))
	mux.Handle("GET /api/v1/sessions", s.instrument("sessions", http.HandlerFunc(s.handleSessions)))
	mux.Handle("GET /api/v1/events", s.instrument("events", http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
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
	s.logger.Info("控制面 API 已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type decisionRequest struct {
	Actions []action.Action `json:"actions"`
}

func (s *Server) handleDecision(decision action.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.orch == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
			return
		}
		var req decisionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}

		var (
			result *orchestrator.BatchResult
			err    error
		)
		if decision == action.DecisionAccept {
			result, err = s.orch.AcceptActions(r.Context(), req.Actions)
		} else {
			result, err = s.orch.RejectActions(r.Context(), req.Actions)
		}
		if err != nil {
			s.logger.Warn("处理操作决定失败", slog.String("decision", string(decision)), slog.Any("error", err))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}
	sessions, err := s.orch.Sessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, state := "ok", transport.StateDisconnected
	if s.orch != nil {
		state = s.orch.State()
	}
	if state != transport.StateConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "transport": string(state)})
}

// handleEvents 以 server-sent events 推送生命周期事件。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未启用事件流"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "响应不支持流式输出"))
		return
	}

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("编码事件失败", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Error    string            `json:"error"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: xerrors.CodeOf(err), Error: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusFor(err), body)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeRemoteCallFailed:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, xerrors.CodeTransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
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
