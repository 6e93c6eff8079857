// Package api 暴露子任务编排服务的 HTTP 接口。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/legacy"
	"DevCrew/internal/observability/metrics"
	"DevCrew/internal/subtask"
	"DevCrew/pkg/logger"
)

// Server 承载 REST 接口与运维端点。
type Server struct {
	addr     string
	svc      *subtask.Service
	registry *agent.Registry
	adapter  *legacy.Adapter
	log      *slog.Logger
	httpSrv  *http.Server
}

// NewServer 创建 HTTP 服务。
func NewServer(addr string, svc *subtask.Service, registry *agent.Registry, adapter *legacy.Adapter) (*Server, error) {
	if addr == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "监听地址不能为空")
	}
	if svc == nil || registry == nil || adapter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "依赖未初始化")
	}
	s := &Server{
		addr:     addr,
		svc:      svc,
		registry: registry,
		adapter:  adapter,
		log:      logger.Named("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.instrument("/health", s.handleHealth))
	mux.Handle("/metrics", metrics.Default().Handler())
	mux.HandleFunc("/api/v1/agents", s.instrument("/api/v1/agents", s.handleAgents))
	mux.HandleFunc("/api/v1/agents/", s.instrument("/api/v1/agents/{role}", s.handleAgentByRole))
	mux.HandleFunc("/api/v1/subtasks", s.instrument("/api/v1/subtasks", s.handleSubtasks))
	mux.HandleFunc("/api/v1/subtasks/stats", s.instrument("/api/v1/subtasks/stats", s.handleSubtaskStats))
	mux.HandleFunc("/api/v1/subtasks/", s.instrument("/api/v1/subtasks/{id}", s.handleSubtaskByID))
	mux.HandleFunc("/api/v1/execute", s.instrument("/api/v1/execute", s.handleExecute))
	return mux
}

// Start 启动监听并在 ctx 取消时优雅关停。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http 服务启动", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "http 服务关停失败")
	}
	s.log.Info("http 服务已关停")
	return <-errCh
}

// instrument 统计请求次数与耗时。
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.Default().ObserveHTTPRequest(r.Method, path, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAgents 处理智能体注册与列表。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.ListAgents()})
	case http.MethodPost:
		var req struct {
			Role string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		role, err := agent.ParseRole(req.Role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		created, err := s.registry.CreateAgent(role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, created)
	default:
		s.writeMethodNotAllowed(w, r)
	}
}

// handleAgentByRole 支持把角色直接写在路径里注册智能体。
func (s *Server) handleAgentByRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if raw == "" || strings.Contains(raw, "/") {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "资源不存在"))
		return
	}
	role, err := agent.ParseRole(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.registry.CreateAgent(role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

// handleSubtasks 处理子任务提交与列表查询。
func (s *Server) handleSubtasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req subtask.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		sub, err := s.svc.Submit(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, sub)
	case http.MethodGet:
		opts, err := listOptionsFromQuery(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		subs, err := s.svc.List(r.Context(), opts...)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"subtasks": subs})
	default:
		s.writeMethodNotAllowed(w, r)
	}
}

func (s *Server) handleSubtaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r)
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.svc.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSubtaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/subtasks/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "资源不存在"))
		return
	}
	sub, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

// handleExecute 暴露旧版同步执行接口。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r)
		return
	}
	var req legacy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	resp, err := s.adapter.Execute(r.Context(), req)
	if err != nil {
		if xerrors.CodeOf(err) == subtask.CodeExecutionTimeout && resp != nil {
			// 超时也返回子任务 ID，方便调用方继续查询。
			s.writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"error": map[string]any{
					"code":    string(subtask.CodeExecutionTimeout),
					"message": "等待子任务完成超时",
					"details": map[string]string{"subtask_id": resp.SubtaskID},
				},
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func listOptionsFromQuery(r *http.Request) ([]subtask.ListOption, error) {
	query := r.URL.Query()
	opts := make([]subtask.ListOption, 0, 4)

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是整数",
				xerrors.WithMetadata("limit", raw))
		}
		opts = append(opts, subtask.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须是整数",
				xerrors.WithMetadata("offset", raw))
		}
		opts = append(opts, subtask.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		parts := strings.Split(raw, ",")
		statuses := make([]subtask.Status, 0, len(parts))
		for _, part := range parts {
			status := subtask.Status(strings.TrimSpace(part))
			if !subtask.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的子任务状态",
					xerrors.WithMetadata("status", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, subtask.WithStatuses(statuses...))
	}
	if raw := query.Get("role"); raw != "" {
		role, err := agent.ParseRole(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, subtask.WithRole(role))
	}
	if raw := query.Get("rework"); raw != "" {
		rework, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "rework 必须是布尔值",
				xerrors.WithMetadata("rework", raw))
		}
		opts = append(opts, subtask.WithRework(rework))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, subtask.WithSortOrder(subtask.SortBySubmittedAsc))
	}
	return opts, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("响应序列化失败", "error", err)
	}
}

// writeError 把统一错误码翻译为 HTTP 状态。未识别的内部错误
// 只返回通用描述，细节落在日志里。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)

	message := err.Error()
	var details map[string]string
	if typed, ok := xerrors.From(err); ok {
		message = typed.Message()
		details = typed.Metadata()
	}
	if status == http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			"method", r.Method,
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
		message = "internal server error"
		details = nil
	}

	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    string(code),
			"message": message,
			"details": details,
		},
	})
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, subtask.CodeValidation, agent.CodeInvalidRole:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, subtask.CodeNotFound, agent.CodeUnknownAgent:
		return http.StatusNotFound
	case xerrors.CodeConflict, subtask.CodeDuplicate, subtask.CodeConflict, subtask.CodeTerminal:
		return http.StatusConflict
	case xerrors.CodeTimeout, subtask.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error": map[string]any{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": "method " + r.Method + " not allowed",
		},
	})
}
