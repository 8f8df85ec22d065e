package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/protocol"
)

// sendAudio 发送任务：按顺序把帧发给代理，空闲时发送保活
func (cl *call) sendAudio(ctx context.Context) error {
	var keepAlive <-chan time.Time
	if cl.config.KeepAliveInterval > 0 {
		ticker := time.NewTicker(cl.config.KeepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	stats := cl.handle.Stats()
	lastSent := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame := <-cl.queue:
			if err := cl.agent.SendAudio(frame); err != nil {
				return fmt.Errorf("send audio to agent: %w", err)
			}
			lastSent = time.Now()
			stats.FramesToAgent.Add(1)
			stats.BytesToAgent.Add(int64(len(frame)))
			metrics.FramesRelayed.WithLabelValues(metrics.DirectionToAgent).Inc()

		case <-keepAlive:
			if time.Since(lastSent) < cl.config.KeepAliveInterval {
				continue
			}
			if err := cl.agent.SendKeepAlive(); err != nil {
				return fmt.Errorf("send keepalive: %w", err)
			}
			lastSent = time.Now()
		}
	}
}

// receiveAgent 接收任务：音频写回电话侧，控制消息分派
func (cl *call) receiveAgent(ctx context.Context) error {
	streamSid, err := cl.handle.StreamSid(ctx)
	if err != nil {
		return err
	}

	stats := cl.handle.Stats()
	for {
		messageType, data, err := cl.agent.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("agent read: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := cl.out.Media(streamSid, data); err != nil {
				return fmt.Errorf("relay audio to caller: %w", err)
			}
			stats.FramesToCaller.Add(1)
			stats.BytesToCaller.Add(int64(len(data)))
			metrics.FramesRelayed.WithLabelValues(metrics.DirectionToCaller).Inc()

		case websocket.TextMessage:
			if err := cl.handleControl(ctx, streamSid, data); err != nil {
				return err
			}
		}
	}
}

// handleControl 处理代理控制消息
func (cl *call) handleControl(ctx context.Context, streamSid string, data []byte) error {
	msg, err := protocol.DecodeAgentMessage(data)
	if err != nil {
		cl.log.Warn().Err(err).Msg("Skipping malformed agent message")
		return nil
	}

	switch m := msg.(type) {
	case protocol.UserStartedSpeaking:
		// 同一写入器串行化，clear 一定先于之后的音频
		if err := cl.out.Clear(streamSid); err != nil {
			return fmt.Errorf("send clear: %w", err)
		}
		cl.handle.Stats().BargeIns.Add(1)
		metrics.BargeIns.Inc()
		cl.log.Debug().Msg("Barge-in, playback cleared")

	case protocol.FunctionCallRequest:
		return cl.handleFunctionCalls(ctx, m)

	case protocol.AgentError:
		cl.log.Error().Str("description", m.Description).Str("code", m.Code).Msg("Agent reported error")

	case protocol.InfoMessage:
		event := cl.log.Debug()
		if m.Type == protocol.TypeConversationText || m.Type == protocol.TypeWarning {
			event = cl.log.Info()
		}
		event.Str("type", m.Type).RawJSON("message", m.Raw).Msg("Agent event")

	case protocol.UnknownAgentMessage:
		cl.log.Debug().Str("type", m.Type).Msg("Unrecognized agent message")
	}
	return nil
}

// handleFunctionCalls 逐个执行函数，每个id立即回送一条响应
func (cl *call) handleFunctionCalls(ctx context.Context, req protocol.FunctionCallRequest) error {
	stats := cl.handle.Stats()
	for _, fc := range req.Functions {
		if fc.Invalid != "" && fc.ID == "" {
			stats.FunctionErrors.Add(1)
			cl.log.Warn().Str("reason", fc.Invalid).Msg("Dropping function call without id")
			continue
		}
		resp, ok := cl.deps.Dispatcher.HandleCall(ctx, fc)
		stats.FunctionCalls.Add(1)
		if !ok {
			stats.FunctionErrors.Add(1)
		}
		if err := cl.agent.SendJSON(resp); err != nil {
			return fmt.Errorf("send function response %s: %w", fc.ID, err)
		}
	}
	return nil
}
