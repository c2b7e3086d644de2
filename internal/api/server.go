package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/redis"
	"github.com/life2you_mini/riskguard/internal/riskfactors"
	"github.com/life2you_mini/riskguard/internal/storage"
)

const (
	requestTimeout     = 10 * time.Second
	defaultActionLimit = 50
)

// ReportSource 绩效报告
type ReportSource interface {
	GeneratePerformanceReport(ctx context.Context, period string) (*model.PerformanceReport, error)
}

// SnapshotSource 市场波动率快照
type SnapshotSource interface {
	Snapshot(ctx context.Context) model.VolatilitySnapshot
}

// FactorsView 风险因子只读视图
type FactorsView interface {
	GetAll() riskfactors.RiskFactors
}

// QueueStats 监控队列积压
type QueueStats interface {
	Depth(ctx context.Context) (redis.QueueDepth, error)
}

// HealthCheck 依赖健康检查
type HealthCheck func(ctx context.Context) error

// Dependencies 运维接口依赖
type Dependencies struct {
	Reports    ReportSource
	Volatility SnapshotSource
	Factors    FactorsView
	ActionLog  storage.ActionLog
	Queue      QueueStats
	Gatherer   prometheus.Gatherer
	Checks     map[string]HealthCheck
}

// Server 只读运维HTTP服务
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Dependencies
	logger *zap.Logger
}

// NewServer 创建运维服务
func NewServer(addr string, deps Dependencies, logger *zap.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		logger: logger.With(zap.String("component", "ops_api")),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler 路由，测试时直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/volatility", s.handleVolatility).Methods(http.MethodGet)
	api.HandleFunc("/factors", s.handleFactors).Methods(http.MethodGet)
	api.HandleFunc("/positions/{id:[0-9]+}/actions", s.handlePositionActions).Methods(http.MethodGet)
	api.HandleFunc("/actions", s.handleLatestActions).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Start 开始监听，正常关闭时返回 nil
func (s *Server) Start() error {
	s.logger.Info("运维接口启动", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("运维接口关闭")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(s.deps.Checks))
	status := http.StatusOK
	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": results,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reports.GeneratePerformanceReport(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVolatility(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Volatility.Snapshot(r.Context()))
}

func (s *Server) handleFactors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Factors.GetAll())
}

func (s *Server) handlePositionActions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	entries, err := s.deps.ActionLog.ListByPosition(r.Context(), id, limitParam(r))
	if err != nil {
		s.logger.Error("查询处置日志失败", zap.Int64("position_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLatestActions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.ActionLog.Latest(r.Context(), limitParam(r))
	if err != nil {
		s.logger.Error("查询处置日志失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("查询队列积压失败", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultActionLimit
	}
	return limit
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("HTTP请求",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapper.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
