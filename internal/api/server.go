package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TxFlow-Chain/internal/auth"
	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/flow"
	"TxFlow-Chain/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供外部驱动交易流程。
type Server struct {
	addr    string
	manager *flow.Manager
	metrics *metrics.Metrics
	auth    *auth.Service
}

// NewServer 构造 API 服务实例。metrics 与 authSvc 都可以为 nil。
func NewServer(addr string, manager *flow.Manager, m *metrics.Metrics, authSvc *auth.Service) *Server {
	return &Server{addr: addr, manager: manager, metrics: m, auth: authSvc}
}

// Handler 组装完整的路由表，便于测试直接驱动。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", s.handleToken)
	mux.Handle("POST /api/v1/flows", s.protect(http.HandlerFunc(s.handleCreateFlow), auth.PermFlowCreate))
	mux.Handle("GET /api/v1/flows", s.protect(http.HandlerFunc(s.handleListFlows), auth.PermFlowRead))
	mux.Handle("POST /api/v1/flows/queue", s.protect(http.HandlerFunc(s.handleQueueFlow), auth.PermFlowCreate))
	mux.Handle("GET /api/v1/flows/{id}", s.protect(http.HandlerFunc(s.handleGetFlow), auth.PermFlowRead))
	mux.Handle("GET /api/v1/flows/{id}/confirmation", s.protect(http.HandlerFunc(s.handleRequestConfirmation), auth.PermFlowRead))
	mux.Handle("POST /api/v1/flows/{id}/confirm", s.protect(http.HandlerFunc(s.handleConfirm), auth.PermFlowConfirm))
	mux.Handle("POST /api/v1/flows/{id}/cancel", s.protect(http.HandlerFunc(s.handleCancel), auth.PermFlowCancel))
	mux.Handle("POST /api/v1/flows/{id}/retry", s.protect(http.HandlerFunc(s.handleRetry), auth.PermFlowRetry))
	mux.Handle("GET /api/v1/statistics", s.protect(http.HandlerFunc(s.handleStatistics), auth.PermStatsRead))
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.instrument(mux)
}

// protect 在启用认证时为路由套上权限检查。
func (s *Server) protect(h http.Handler, perms ...string) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return h
	}
	mw := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": perms},
	})
	return mw(h)
}

// handleToken 签发访问令牌。认证未启用时返回 404。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.NotFound(w, r)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if err == auth.ErrUnsupportedGrant {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
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

// handleCreateFlow 同步创建并推进一个交易流程。
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req flow.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	s.fillOwner(r, &req)
	f, err := s.manager.CreateFlow(r.Context(), &req)
	if err != nil && f == nil {
		s.writeError(w, err)
		return
	}
	// 流程已创建但以失败告终时仍返回快照，错误细节在 last_error 中。
	writeJSON(w, http.StatusCreated, f)
}

// handleQueueFlow 把请求放入有界队列异步处理。
func (s *Server) handleQueueFlow(w http.ResponseWriter, r *http.Request) {
	var req flow.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	s.fillOwner(r, &req)
	if err := s.manager.QueueTransaction(r.Context(), &req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": req.ID})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.GetFlowStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "缺少 user 查询参数", http.StatusBadRequest)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	flows, err := s.manager.GetUserFlows(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// handleRequestConfirmation 返回待确认流程的成本摘要。
func (s *Server) handleRequestConfirmation(w http.ResponseWriter, r *http.Request) {
	req, err := s.manager.RequestConfirmation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var resp flow.ConfirmationResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	resp.FlowID = r.PathValue("id")
	if err := s.manager.HandleConfirmation(r.Context(), &resp); err != nil {
		s.writeError(w, err)
		return
	}
	f, err := s.manager.GetFlowStatus(r.Context(), resp.FlowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.manager.CancelFlow(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(flow.StatusCancelled)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	f, err := s.manager.RetryTransaction(r.Context(), r.PathValue("id"))
	if err != nil && f == nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetStatistics())
}

// fillOwner 在调用方未指定归属用户时回填已认证主体的用户名。
func (s *Server) fillOwner(r *http.Request, req *flow.TransactionRequest) {
	if req.Metadata.UserID == "" {
		req.Metadata.UserID = auth.UsernameFromContext(r.Context())
	}
}

// writeError 把域错误映射到 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := xerrors.CodeUnknown
	message := err.Error()
	if typed, ok := xerrors.From(err); ok {
		code = typed.Code()
		message = typed.Message()
		switch code {
		case flow.CodeValidationFailed:
			status = http.StatusBadRequest
		case xerrors.CodeNotFound:
			status = http.StatusNotFound
		case xerrors.CodeConflict, flow.CodeInvalidState:
			status = http.StatusConflict
		case flow.CodeQueueFull:
			status = http.StatusTooManyRequests
		case flow.CodeNoWallet, flow.CodeNotConnected:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{
		"code":    string(code),
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(handler http.Handler) http.Handler {
	if s.metrics == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path,
			strconv.Itoa(recorder.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
