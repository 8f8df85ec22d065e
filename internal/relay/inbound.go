package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/protocol"
	"VoiceCallRelay/internal/session"
)

const inboundTrack = "inbound"

// begin 处理已校验的start事件：建档、登记并写入streamSid
func (cl *call) begin(ctx context.Context, cancel context.CancelCauseFunc) error {
	start := cl.start
	record := session.NewCallSession(start.CallSid, start.StreamSid, start.From, start.To,
		cl.deps.Now(), cl.config.SessionTTL)

	unregister, err := cl.deps.Registry.Register(start.CallSid, cl.handle, cancel)
	if err != nil {
		return fmt.Errorf("register call %s: %w", start.CallSid, err)
	}

	if err := cl.deps.Store.Create(ctx, record); err != nil {
		unregister()
		return fmt.Errorf("persist call session: %w", err)
	}

	if err := cl.handle.Resolve(record); err != nil {
		unregister()
		return err
	}

	cl.unregister = unregister
	return nil
}

// readTelephony 入站任务：解码电话侧事件，音频按帧入队
func (cl *call) readTelephony(ctx context.Context) error {
	for {
		messageType, raw, err := cl.tel.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("telephony read: %w", err)
		}
		if messageType != websocket.TextMessage {
			cl.log.Debug().Int("message_type", messageType).Msg("Ignoring non-text telephony message")
			continue
		}

		event, err := protocol.DecodeInbound(raw)
		if err != nil {
			cl.recordDecodeError(raw, err)
			continue
		}

		switch e := event.(type) {
		case protocol.MediaEvent:
			if err := cl.handleMedia(ctx, e); err != nil {
				return err
			}
		case protocol.StopEvent:
			cl.log.Info().Msg("Stop received")
			return errCallStopped
		case protocol.StartEvent:
			cl.log.Warn().Str("duplicate_stream_sid", e.StreamSid).Msg("Ignoring repeated start")
		case protocol.ConnectedEvent:
		default:
			if protocol.IsKnownEvent(event.Kind()) {
				cl.log.Debug().Str("event", string(event.Kind())).Msg("Ignoring telephony event")
			} else {
				cl.log.Warn().Str("event", string(event.Kind())).Msg("Unknown telephony event")
			}
		}
	}
}

// handleMedia 只转发inbound轨道，完整的帧按到达顺序入队
func (cl *call) handleMedia(ctx context.Context, e protocol.MediaEvent) error {
	if e.Track != inboundTrack {
		cl.log.Debug().Str("track", e.Track).Msg("Skipping non-inbound media")
		return nil
	}

	cl.handle.Stats().MarkInbound(time.Now())
	cl.frames.Feed(e.Payload)

	for frame := cl.frames.Next(); frame != nil; frame = cl.frames.Next() {
		select {
		case cl.queue <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// recordDecodeError 记录并跳过无法解析的事件
func (cl *call) recordDecodeError(raw []byte, err error) {
	metrics.DecodeErrors.Inc()
	cl.handle.RecordDecodeError(err)

	event := cl.log.Warn().Err(err)
	if sid := protocol.RecoverCallSid(raw); sid != "" && sid != cl.start.CallSid {
		event = event.Str("recovered_call_sid", sid)
	}
	event.Msg("Skipping malformed telephony event")
}
