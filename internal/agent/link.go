package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/protocol"
)

var (
	ErrNotConnected = errors.New("agent link is not connected")
	ErrUnauthorized = errors.New("agent rejected credentials")
)

// LinkState 代理连接状态
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// LinkConfig 代理连接配置
type LinkConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	RetryInterval    time.Duration
	MaxRetries       int
	WriteTimeout     time.Duration
	ReadLimit        int64
	UserAgent        string
}

// DefaultLinkConfig 返回默认配置
func DefaultLinkConfig(url, apiKey string) *LinkConfig {
	return &LinkConfig{
		URL:              url,
		APIKey:           apiKey,
		HandshakeTimeout: 10 * time.Second,
		RetryInterval:    500 * time.Millisecond,
		MaxRetries:       3,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
		UserAgent:        "VoiceCallRelay/1.0",
	}
}

// Link 单通电话使用的代理连接，不做通话中重连
type Link struct {
	config *LinkConfig
	conn   *websocket.Conn
	state  atomic.Int32
	logger zerolog.Logger

	// 写入需要串行化
	writeMu sync.Mutex

	framesSent   atomic.Int64
	bytesSent    atomic.Int64
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	connectedAt  time.Time
}

// Dialer 按固定配置为每通电话建立新连接
type Dialer struct {
	config *LinkConfig
	logger zerolog.Logger
}

// NewDialer 创建拨号器
func NewDialer(config *LinkConfig, logger zerolog.Logger) *Dialer {
	return &Dialer{config: config, logger: logger}
}

// Dial 建立连接
func (d *Dialer) Dial(ctx context.Context) (*Link, error) {
	return Dial(ctx, d.config, d.logger)
}

// Dial 连接语音代理，握手失败时按指数退避重试
// 鉴权失败与上下文取消不重试
func Dial(ctx context.Context, config *LinkConfig, logger zerolog.Logger) (*Link, error) {
	if config == nil {
		return nil, errors.New("agent link config cannot be nil")
	}

	link := &Link{
		config: config,
		logger: logger.With().Str("component", "agent-link").Logger(),
	}
	link.setState(StateConnecting)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	if config.APIKey != "" {
		dialer.Subprotocols = []string{"token", config.APIKey}
	}

	headers := http.Header{}
	if config.UserAgent != "" {
		headers.Set("User-Agent", config.UserAgent)
	}

	started := time.Now()
	attempt := 0
	operation := func() error {
		attempt++
		conn, resp, err := dialer.DialContext(ctx, config.URL, headers)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode))
			}
			link.logger.Warn().Err(err).Int("attempt", attempt).Msg("Agent dial failed")
			return err
		}
		link.conn = conn
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.RetryInterval
	policy.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(policy, uint64(max(config.MaxRetries, 0)))

	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		link.setState(StateDisconnected)
		return nil, fmt.Errorf("dial agent %s: %w", config.URL, err)
	}

	if config.ReadLimit > 0 {
		link.conn.SetReadLimit(config.ReadLimit)
	}
	link.connectedAt = time.Now()
	link.setState(StateConnected)
	metrics.AgentDialLatency.Observe(time.Since(started).Seconds())
	link.logger.Debug().Int("attempts", attempt).Dur("elapsed", time.Since(started)).Msg("Agent connected")
	return link, nil
}

// SendSettings 发送初始配置，必须早于任何音频
func (l *Link) SendSettings(settings []byte) error {
	return l.write(websocket.TextMessage, settings)
}

// SendJSON 以文本帧发送控制消息
func (l *Link) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal agent message: %w", err)
	}
	return l.write(websocket.TextMessage, data)
}

// SendAudio 以二进制帧发送一帧音频
func (l *Link) SendAudio(frame []byte) error {
	if err := l.write(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	l.framesSent.Add(1)
	l.bytesSent.Add(int64(len(frame)))
	return nil
}

// SendKeepAlive 发送保活消息
func (l *Link) SendKeepAlive() error {
	return l.SendJSON(protocol.NewKeepAlive())
}

func (l *Link) write(messageType int, data []byte) error {
	if l.State() != StateConnected {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.config.WriteTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
	}
	if err := l.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	l.messagesSent.Add(1)
	return nil
}

// ReadMessage 读取下一条消息，只能由一个goroutine调用
func (l *Link) ReadMessage() (int, []byte, error) {
	if l.conn == nil {
		return 0, nil, ErrNotConnected
	}
	messageType, data, err := l.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	l.messagesRecv.Add(1)
	return messageType, data, nil
}

// Close 发送关闭帧并断开连接，可重复调用
func (l *Link) Close() error {
	old := LinkState(l.state.Swap(int32(StateClosed)))
	if old == StateClosed || l.conn == nil {
		return nil
	}

	l.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	l.writeMu.Unlock()

	return l.conn.Close()
}

// State 当前状态
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

func (l *Link) setState(s LinkState) {
	l.state.Store(int32(s))
}

// GetStats 获取连接统计信息
func (l *Link) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"state":         l.State().String(),
		"frames_sent":   l.framesSent.Load(),
		"bytes_sent":    l.bytesSent.Load(),
		"messages_sent": l.messagesSent.Load(),
		"messages_recv": l.messagesRecv.Load(),
	}
	if !l.connectedAt.IsZero() {
		stats["connected_ms"] = time.Since(l.connectedAt).Milliseconds()
	}
	return stats
}
