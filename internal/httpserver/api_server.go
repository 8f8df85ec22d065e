package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"VoiceCallRelay/internal/config"
	"VoiceCallRelay/internal/events"
	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/relay"
	"VoiceCallRelay/internal/session"
)

// HealthCheck 外部依赖的健康检查
type HealthCheck func(ctx context.Context) error

// Options 服务器依赖
type Options struct {
	Server      config.ServerConfig
	Twilio      config.TwilioConfig
	Coordinator *relay.Coordinator
	Store       session.Store
	Events      events.Publisher
	Checks      map[string]HealthCheck
	Logger      zerolog.Logger
}

// APIServer 媒体流入口与管理API
type APIServer struct {
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	coord    *relay.Coordinator
	registry *session.Registry
	store    session.Store
	events   events.Publisher
	checks   map[string]HealthCheck
	twilio   config.TwilioConfig
	logger   zerolog.Logger

	// streams 跟踪尚未结束的媒体流
	streams   sync.WaitGroup
	baseCtx   context.Context
	cancel    context.CancelCauseFunc
	startTime time.Time
}

// APIResponse 管理API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewAPIServer 创建服务器
func NewAPIServer(opts Options) (*APIServer, error) {
	if opts.Coordinator == nil || opts.Store == nil {
		return nil, errors.New("httpserver: coordinator and store are required")
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	if opts.Server.MediaPath == "" {
		opts.Server.MediaPath = "/media-stream"
	}

	baseCtx, cancel := context.WithCancelCause(context.Background())
	s := &APIServer{
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.Server.ReadBufferSize,
			WriteBufferSize: opts.Server.WriteBufferSize,
			// 电话平台不发送浏览器Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		coord:     opts.Coordinator,
		registry:  opts.Coordinator.Registry(),
		store:     opts.Store,
		events:    opts.Events,
		checks:    opts.Checks,
		twilio:    opts.Twilio,
		logger:    opts.Logger.With().Str("component", "http").Logger(),
		baseCtx:   baseCtx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	s.setupRoutes(opts.Server.MediaPath)

	origins := opts.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:              opts.Server.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes(mediaPath string) {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc(mediaPath, s.mediaStreamHandler).Methods("GET")
	s.router.Handle("/twilio/recording",
		s.signatureMiddleware(http.HandlerFunc(s.recordingHandler))).Methods("POST")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.listSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{callSid}", s.getSessionHandler).Methods("GET")

	s.router.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler 返回带CORS的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// 媒体流在连接结束后单独记录
		if rec.hijacked {
			return
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("remote", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		status := http.StatusOK
		if rec, ok := w.(*statusRecorder); ok {
			status = rec.status
		}
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// mediaStreamHandler 升级为websocket并运行一通电话
func (s *APIServer) mediaStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "shutting_down", "Relay is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Media stream upgrade failed")
		return
	}

	connID := uuid.NewString()
	log := s.logger.With().Str("conn_id", connID).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("Media stream connected")

	s.streams.Add(1)
	defer s.streams.Done()

	start := time.Now()
	if err := s.coord.Serve(s.baseCtx, conn); err != nil {
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Media stream closed with error")
		return
	}
	log.Info().Dur("duration", time.Since(start)).Msg("Media stream closed")
}

// recordingHandler 录音完成回调
func (s *APIServer) recordingHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSONResponse(w, http.StatusBadRequest, map[string]string{"status": "invalid form"})
		return
	}

	callSid := r.PostForm.Get("CallSid")
	rec := session.Recording{
		Sid: r.PostForm.Get("RecordingSid"),
		URL: r.PostForm.Get("RecordingUrl"),
	}
	if callSid == "" || rec.Sid == "" || rec.URL == "" {
		s.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "missing fields"})
		return
	}
	if raw := r.PostForm.Get("RecordingDuration"); raw != "" {
		if d, err := strconv.Atoi(raw); err == nil {
			rec.DurationSeconds = d
		}
	}

	err := s.store.AttachRecording(r.Context(), callSid, rec)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.logger.Warn().Str("call_sid", callSid).Str("recording_sid", rec.Sid).Msg("Recording for unknown call")
		s.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "no matching call session"})
		return
	case err != nil:
		s.logger.Error().Err(err).Str("call_sid", callSid).Msg("Failed to attach recording")
		s.writeErrorResponse(w, http.StatusInternalServerError, "store_error", "Failed to store recording")
		return
	}

	s.logger.Info().
		Str("call_sid", callSid).
		Str("recording_sid", rec.Sid).
		Int("duration", rec.DurationSeconds).
		Msg("Recording attached")

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
	defer cancel()
	if err := s.events.Publish(pubCtx, events.CallEvent{
		Type:            events.TypeRecording,
		CallSid:         callSid,
		DurationSeconds: float64(rec.DurationSeconds),
		At:              time.Now(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("call_sid", callSid).Msg("Failed to publish recording event")
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listSessionsHandler 当前活跃通话
func (s *APIServer) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	active := s.registry.Active()
	s.writeSuccessResponse(w, map[string]interface{}{
		"sessions": active,
		"count":    len(active),
	})
}

// getSessionHandler 按callSid查询会话
func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	callSid := mux.Vars(r)["callSid"]

	cs, err := s.store.Get(r.Context(), callSid)
	if errors.Is(err, session.ErrNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", fmt.Sprintf("Call session %s not found", callSid))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("call_sid", callSid).Msg("Failed to load call session")
		s.writeErrorResponse(w, http.StatusInternalServerError, "store_error", "Failed to load call session")
		return
	}
	s.writeSuccessResponse(w, cs)
}

// 健康检查
func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	if s.baseCtx.Err() != nil {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	s.writeJSONResponse(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":       status,
			"uptime":       time.Since(s.startTime).Seconds(),
			"active_calls": s.registry.Count(),
			"dependencies": deps,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，正常关闭时返回nil
func (s *APIServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting relay HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 拒绝新连接，结束所有通话并等待其落盘
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Stopping relay HTTP server")

	s.cancel(session.ErrShuttingDown)
	if n := s.registry.CancelAll(session.ErrShuttingDown); n > 0 {
		s.logger.Info().Int("calls", n).Msg("Ending active calls")
	}

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for media streams: %w", ctx.Err())
	}
	return err
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"active_calls":   s.registry.Count(),
	}
}

// statusRecorder 记录响应码，保留升级所需的Hijack
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.hijacked = true
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
