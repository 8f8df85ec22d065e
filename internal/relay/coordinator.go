package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"VoiceCallRelay/internal/agent"
	"VoiceCallRelay/internal/config"
	"VoiceCallRelay/internal/dispatch"
	"VoiceCallRelay/internal/events"
	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/protocol"
	"VoiceCallRelay/internal/session"
)

var (
	ErrStartRejected = errors.New("start event rejected")
	ErrStartTimeout  = errors.New("no start event within grace period")

	errCallStopped      = errors.New("call stopped by telephony")
	errAgentUnavailable = errors.New("voice agent unavailable")
)

// 拒绝原因标签
const (
	rejectInvalidStart = "invalid_start"
	rejectTimeout      = "timeout"
	rejectDuplicate    = "duplicate"
	rejectStore        = "store"
	rejectRead         = "read"
)

// TelephonyConn 电话侧媒体流连接，*websocket.Conn 满足该接口
type TelephonyConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// SettingsBuilder 为每通电话生成代理初始配置
type SettingsBuilder interface {
	BuildJSON() ([]byte, error)
}

// AgentDialer 为每通电话建立代理连接
type AgentDialer interface {
	Dial(ctx context.Context) (*agent.Link, error)
}

// Config 单通电话的中继参数
type Config struct {
	FrameSize         int
	QueueSize         int
	StartTimeout      time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	SessionTTL        time.Duration
	KeepAliveInterval time.Duration
	PersistTimeout    time.Duration
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		FrameSize:         protocol.DefaultFrameSize,
		QueueSize:         256,
		StartTimeout:      10 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadLimit:         512 * 1024,
		SessionTTL:        60 * time.Minute,
		KeepAliveInterval: 5 * time.Second,
		PersistTimeout:    5 * time.Second,
	}
}

// ConfigFrom 从服务配置提取中继参数
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.FrameSize = cfg.Relay.FrameSize
	c.QueueSize = cfg.Relay.QueueSize
	c.StartTimeout = cfg.Relay.StartTimeout
	c.WriteTimeout = cfg.Relay.WriteTimeout
	c.ReadLimit = cfg.Relay.ReadLimit
	c.SessionTTL = cfg.Relay.SessionTTL
	c.KeepAliveInterval = cfg.Agent.KeepAliveInterval
	return c
}

// Deps 协调器依赖的协作者
type Deps struct {
	Store      session.Store
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Settings   SettingsBuilder
	Agent      AgentDialer
	Events     events.Publisher
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Coordinator 为每条媒体流连接运行一通电话的中继
type Coordinator struct {
	config Config
	deps   Deps
}

// New 创建协调器
func New(config Config, deps Deps) (*Coordinator, error) {
	if _, err := protocol.NewFrameBuffer(config.FrameSize); err != nil {
		return nil, err
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive: %d", config.QueueSize)
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	if deps.Store == nil || deps.Dispatcher == nil || deps.Settings == nil || deps.Agent == nil {
		return nil, errors.New("relay: store, dispatcher, settings and agent dialer are required")
	}
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Coordinator{config: config, deps: deps}, nil
}

// Registry 活跃通话表
func (c *Coordinator) Registry() *session.Registry {
	return c.deps.Registry
}

// Serve 处理一条电话媒体流连接直到通话结束
// 返回时连接已关闭，所有子任务已退出
func (c *Coordinator) Serve(ctx context.Context, conn TelephonyConn) error {
	log := c.deps.Logger

	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	start, err := c.awaitStart(log, conn)
	if !stop() {
		return context.Cause(ctx)
	}

	if err != nil {
		conn.Close()
		if errors.Is(err, errCallStopped) {
			log.Info().Msg("Media stream stopped before start")
			return nil
		}
		c.reject(ctx, start, rejectReason(err), err)
		return err
	}

	return c.runCall(ctx, conn, start)
}

// awaitStart 读取直到出现合法的start事件
func (c *Coordinator) awaitStart(log zerolog.Logger, conn TelephonyConn) (protocol.StartEvent, error) {
	conn.SetReadDeadline(time.Now().Add(c.config.StartTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return protocol.StartEvent{}, ErrStartTimeout
			}
			return protocol.StartEvent{}, fmt.Errorf("read before start: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := protocol.DecodeInbound(raw)
		if err != nil {
			metrics.DecodeErrors.Inc()
			log.Warn().Err(err).Str("call_sid", protocol.RecoverCallSid(raw)).Msg("Skipping malformed event before start")
			continue
		}

		switch e := event.(type) {
		case protocol.StartEvent:
			if err := e.Validate(); err != nil {
				return e, fmt.Errorf("%w: %w", ErrStartRejected, err)
			}
			return e, nil
		case protocol.StopEvent:
			return protocol.StartEvent{}, errCallStopped
		case protocol.ConnectedEvent:
			log.Debug().Str("protocol", e.Protocol).Msg("Media stream connected")
		default:
			log.Debug().Str("event", string(event.Kind())).Msg("Event before start ignored")
		}
	}
}

// runCall 在start校验通过后运行整通电话
func (c *Coordinator) runCall(ctx context.Context, conn TelephonyConn, start protocol.StartEvent) error {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cl := newCall(c, conn, start)
	if err := cl.begin(callCtx, cancel); err != nil {
		conn.Close()
		reason := rejectStore
		if errors.Is(err, session.ErrDuplicateCall) {
			reason = rejectDuplicate
		}
		c.reject(ctx, start, reason, err)
		return err
	}

	metrics.ActiveCalls.Inc()
	c.publish(ctx, events.CallEvent{
		Type:      events.TypeCallStarted,
		CallSid:   start.CallSid,
		StreamSid: start.StreamSid,
		From:      start.From,
		To:        start.To,
		At:        c.deps.Now(),
	})
	cl.log.Info().Str("from", start.From).Str("to", start.To).Msg("Call started")

	runErr := cl.relay(callCtx)
	conn.Close()

	status := classify(runErr, context.Cause(callCtx))
	cl.finish(ctx, status, runErr)

	if status == session.StatusError {
		return runErr
	}
	return nil
}

// reject 记录被拒绝的媒体流
func (c *Coordinator) reject(ctx context.Context, start protocol.StartEvent, reason string, err error) {
	metrics.CallsRejected.WithLabelValues(reason).Inc()
	c.deps.Logger.Warn().
		Err(err).
		Str("call_sid", start.CallSid).
		Str("stream_sid", start.StreamSid).
		Str("reason", reason).
		Msg("Media stream rejected")

	if start.CallSid != "" {
		c.publish(ctx, events.CallEvent{
			Type:    events.TypeCallRejected,
			CallSid: start.CallSid,
			Reason:  reason,
			At:      c.deps.Now(),
		})
	}
}

// publish 发布事件，失败只记录日志
func (c *Coordinator) publish(ctx context.Context, event events.CallEvent) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.deps.Events.Publish(pubCtx, event); err != nil {
		c.deps.Logger.Warn().Err(err).Str("call_sid", event.CallSid).Str("type", event.Type).Msg("Failed to publish call event")
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrStartRejected):
		return rejectInvalidStart
	case errors.Is(err, ErrStartTimeout):
		return rejectTimeout
	default:
		return rejectRead
	}
}

// classify 根据退出原因决定会话终态
func classify(runErr, cause error) session.Status {
	switch {
	case errors.Is(cause, session.ErrSessionExpired):
		return session.StatusExpired
	case cause != nil:
		return session.StatusEnded
	case runErr == nil, errors.Is(runErr, errCallStopped), isNormalClose(runErr):
		return session.StatusEnded
	default:
		return session.StatusError
	}
}

// isNormalClose 对端是否以正常关闭码断开
func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
}
