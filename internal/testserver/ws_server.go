package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"VoiceCallRelay/internal/protocol"
)

// ServerConfig 模拟语音代理配置
type ServerConfig struct {
	Addr            string
	Path            string
	EchoAudio       bool   // 把收到的音频原样回送
	RequireToken    string // 非空时校验子协议中的token
	SendWelcome     bool
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int

	// 脚本：收到指定帧数后触发
	BargeInAfterFrames      int
	FunctionCallAfterFrames int
	ScriptedCall            protocol.FunctionCall
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		Path:            "/agent",
		SendWelcome:     true,
		MaxConnections:  100,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt      time.Time
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
}

// Connection 一条来自中继的代理连接
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Stats *ConnectionStats

	writeMu sync.Mutex

	mu            sync.RWMutex
	settings      []byte
	settingsFirst bool
	frames        [][]byte
	responses     []protocol.FunctionCallResponse
	keepAlives    int
	closed        bool

	stopChan  chan struct{}
	closeOnce sync.Once
}

// safeClose 安全关闭stopChan
func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 模拟语音代理，测试与本地开发使用
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup
	accepted    chan *Connection

	isRunning        atomic.Bool
	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64
	startTime        time.Time
}

// New 创建模拟代理
func New(config *ServerConfig, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig(":8081")
	}
	if config.Path == "" {
		config.Path = "/agent"
	}

	server := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			Subprotocols:    []string{"token"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:    logger.With().Str("component", "mock-agent").Logger(),
		accepted:  make(chan *Connection, 16),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, server.handleWebSocket)
	mux.HandleFunc("/stats", server.handleStats)

	server.server = &http.Server{
		Addr:    config.Addr,
		Handler: mux,
	}

	return server
}

// Handler 返回HTTP处理器，便于挂到httptest
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	s.logger.Info().Str("addr", s.config.Addr).Str("path", s.config.Path).Msg("Starting mock agent")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Mock agent server error")
		}
	}()
	return nil
}

// Shutdown 关闭服务器与全部连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseAll(websocket.CloseGoingAway, "server shutdown")
	s.connWg.Wait()

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// CloseAll 关闭所有连接
func (s *Server) CloseAll(code int, reason string) {
	s.connections.Range(func(key, value interface{}) bool {
		value.(*Connection).Close(code, reason)
		return true
	})
}

// Accepted 返回下一条新连接
func (s *Server) Accepted(ctx context.Context) (*Connection, error) {
	select {
	case conn := <-s.accepted:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleWebSocket 处理代理连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.config.RequireToken != "" {
		if !slices.Contains(websocket.Subprotocols(r), s.config.RequireToken) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := &Connection{
		ID:       uuid.NewString(),
		Conn:     wsConn,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}

	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	s.totalConnections.Add(1)
	s.connWg.Add(1)

	s.logger.Debug().Str("conn_id", conn.ID).Str("remote", r.RemoteAddr).Msg("New agent connection")

	select {
	case s.accepted <- conn:
	default:
	}

	if s.config.SendWelcome {
		conn.SendJSON(map[string]string{"type": protocol.TypeWelcome, "request_id": conn.ID})
	}

	go s.readLoop(conn)
}

// readLoop 读取中继发来的消息
func (s *Server) readLoop(conn *Connection) {
	defer func() {
		s.connections.Delete(conn.ID)
		s.connCount.Add(-1)
		conn.markClosed()
		conn.Conn.Close()
		conn.safeClose()
		s.connWg.Done()
	}()

	conn.Conn.SetReadLimit(1 << 20)

	for {
		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("Agent connection read error")
			}
			return
		}

		conn.Stats.MessagesReceived.Add(1)
		conn.Stats.BytesReceived.Add(uint64(len(data)))
		s.totalMessages.Add(1)

		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(conn, data)
		case websocket.TextMessage:
			s.handleControl(conn, data)
		}
	}
}

// handleAudio 记录音频帧，按脚本回送或触发事件
func (s *Server) handleAudio(conn *Connection, frame []byte) {
	count := conn.recordFrame(frame)

	if s.config.EchoAudio {
		conn.SendAudio(frame)
	}
	if s.config.BargeInAfterFrames > 0 && count == s.config.BargeInAfterFrames {
		conn.SendUserStartedSpeaking()
	}
	if s.config.FunctionCallAfterFrames > 0 && count == s.config.FunctionCallAfterFrames {
		conn.SendFunctionCallRequest(s.config.ScriptedCall)
	}
}

// handleControl 处理文本控制消息
func (s *Server) handleControl(conn *Connection, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("Malformed control message")
		return
	}

	switch envelope.Type {
	case protocol.TypeSettings:
		conn.recordSettings(data)
		conn.SendJSON(map[string]string{"type": protocol.TypeSettingsApplied})
	case protocol.TypeFunctionCallResponse:
		var resp protocol.FunctionCallResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed function call response")
			return
		}
		conn.recordResponse(resp)
	case protocol.TypeKeepAlive:
		conn.mu.Lock()
		conn.keepAlives++
		conn.mu.Unlock()
	default:
		s.logger.Debug().Str("type", envelope.Type).Msg("Unhandled control message")
	}
}

func (c *Connection) recordFrame(frame []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return len(c.frames)
}

func (c *Connection) recordSettings(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings == nil {
		c.settingsFirst = len(c.frames) == 0
		c.settings = append([]byte(nil), data...)
	}
}

func (c *Connection) recordResponse(resp protocol.FunctionCallResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Settings 收到的初始配置
func (c *Connection) Settings() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SettingsFirst 配置是否早于任何音频到达
func (c *Connection) SettingsFirst() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings != nil && c.settingsFirst
}

// Frames 收到的音频帧副本
func (c *Connection) Frames() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.frames)
}

// FunctionResponses 收到的函数调用响应
func (c *Connection) FunctionResponses() []protocol.FunctionCallResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.responses)
}

// KeepAlives 收到的保活次数
func (c *Connection) KeepAlives() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepAlives
}

// Closed 连接是否已断开
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Done 连接断开后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.stopChan
}

// WaitFrames 等待至少n个音频帧
func (c *Connection) WaitFrames(n int, timeout time.Duration) bool {
	return waitFor(timeout, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.frames) >= n
	})
}

// WaitResponses 等待至少n条函数调用响应
func (c *Connection) WaitResponses(n int, timeout time.Duration) bool {
	return waitFor(timeout, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.responses) >= n
	})
}

// WaitSettings 等待初始配置
func (c *Connection) WaitSettings(timeout time.Duration) bool {
	return waitFor(timeout, func() bool {
		return c.Settings() != nil
	})
}

// SendAudio 向中继发送一段音频
func (c *Connection) SendAudio(audio []byte) error {
	return c.write(websocket.BinaryMessage, audio)
}

// SendJSON 向中继发送控制消息
func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

// SendRaw 发送原始文本帧
func (c *Connection) SendRaw(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

// SendUserStartedSpeaking 模拟用户插话
func (c *Connection) SendUserStartedSpeaking() error {
	return c.SendJSON(map[string]string{"type": protocol.TypeUserStartedSpeaking})
}

// SendFunctionCallRequest 请求中继执行函数
func (c *Connection) SendFunctionCallRequest(calls ...protocol.FunctionCall) error {
	return c.SendJSON(struct {
		Type      string                  `json:"type"`
		Functions []protocol.FunctionCall `json:"functions"`
	}{
		Type:      protocol.TypeFunctionCallRequest,
		Functions: calls,
	})
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return errors.New("connection closed")
	}

	c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.Conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	c.Stats.MessagesSent.Add(1)
	c.Stats.BytesSent.Add(uint64(len(data)))
	return nil
}

// Close 发送关闭帧并断开
func (c *Connection) Close(code int, reason string) {
	c.writeMu.Lock()
	c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.Conn.Close()
}

// Abort 不发送关闭帧直接断开，模拟网络故障
func (c *Connection) Abort() {
	c.Conn.UnderlyingConn().Close()
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_messages":      s.totalMessages.Load(),
	}
}

// waitFor 轮询直到条件成立或超时
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
