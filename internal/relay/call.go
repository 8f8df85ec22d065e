package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"VoiceCallRelay/internal/agent"
	"VoiceCallRelay/internal/events"
	"VoiceCallRelay/internal/metrics"
	"VoiceCallRelay/internal/protocol"
	"VoiceCallRelay/internal/session"
)

// call 一通电话的运行状态，只属于一个协调器调用
type call struct {
	config Config
	deps   *Deps
	log    zerolog.Logger
	start  protocol.StartEvent

	tel    TelephonyConn
	out    *telephonyWriter
	agent  *agent.Link
	handle *session.Handle

	// frames 只由入站任务访问
	frames *protocol.FrameBuffer
	// queue 单生产者（入站）单消费者（发送）
	queue chan []byte

	unregister func()
}

func newCall(c *Coordinator, conn TelephonyConn, start protocol.StartEvent) *call {
	// 帧大小在 New 中已校验
	frames, _ := protocol.NewFrameBuffer(c.config.FrameSize)

	return &call{
		config: c.config,
		deps:   &c.deps,
		log: c.deps.Logger.With().
			Str("call_sid", start.CallSid).
			Str("stream_sid", start.StreamSid).
			Logger(),
		start:      start,
		tel:        conn,
		out:        newTelephonyWriter(conn, c.config.WriteTimeout),
		handle:     session.NewHandle(),
		frames:     frames,
		queue:      make(chan []byte, c.config.QueueSize),
		unregister: func() {},
	}
}

// relay 建立代理连接并运行三个中继任务，直到任一任务结束
func (cl *call) relay(ctx context.Context) error {
	link, err := cl.deps.Agent.Dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errAgentUnavailable, err)
	}
	cl.agent = link
	defer link.Close()

	settings, err := cl.deps.Settings.BuildJSON()
	if err != nil {
		return fmt.Errorf("build agent settings: %w", err)
	}
	if err := link.SendSettings(settings); err != nil {
		return fmt.Errorf("send agent settings: %w", err)
	}
	cl.log.Debug().Int("bytes", len(settings)).Msg("Agent settings sent")

	g, gctx := errgroup.WithContext(ctx)

	// 关闭两端连接以解除阻塞读
	stop := context.AfterFunc(gctx, func() {
		cl.tel.Close()
		link.Close()
	})
	defer stop()

	g.Go(func() error { return cl.readTelephony(gctx) })
	g.Go(func() error { return cl.sendAudio(gctx) })
	g.Go(func() error { return cl.receiveAgent(gctx) })

	err = g.Wait()
	cl.discardQueued()
	return err
}

// discardQueued 丢弃尚未发送的帧
func (cl *call) discardQueued() {
	dropped := 0
	for len(cl.queue) > 0 {
		<-cl.queue
		dropped++
	}

	if dropped > 0 || cl.frames.BufferSize() > 0 {
		cl.handle.Stats().DroppedOutbound.Add(int64(dropped))
		cl.log.Debug().
			Int("frames", dropped).
			Int("partial_bytes", cl.frames.BufferSize()).
			Msg("Discarded unsent audio")
	}
	cl.frames.Reset()
}

// finish 写入终态、持久化并注销
func (cl *call) finish(ctx context.Context, status session.Status, runErr error) {
	if status == session.StatusError {
		cl.handle.NoteError(runErr)
	}

	final, err := cl.handle.Finish(status, cl.deps.Now())
	if err != nil {
		cl.log.Error().Err(err).Msg("Failed to finish session handle")
	}

	if final != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cl.config.PersistTimeout)
		if err := cl.deps.Store.Finish(persistCtx, final); err != nil {
			cl.log.Error().Err(err).Msg("Failed to persist final session status")
		}
		cancel()
	}
	cl.unregister()

	metrics.ActiveCalls.Dec()
	metrics.CallsFinished.WithLabelValues(string(status)).Inc()

	stats := cl.handle.Stats().Snapshot()
	event := cl.log.Info()
	if status == session.StatusError {
		event = cl.log.Error().Err(runErr)
	}
	event.
		Str("status", string(status)).
		Int64("frames_to_agent", stats.FramesToAgent).
		Int64("frames_to_caller", stats.FramesToCaller).
		Int64("barge_ins", stats.BargeIns).
		Int64("function_calls", stats.FunctionCalls).
		Int64("decode_errors", stats.DecodeErrors).
		Msg("Call finished")

	finished := events.CallEvent{
		Type:           events.TypeCallFinished,
		CallSid:        cl.start.CallSid,
		StreamSid:      cl.start.StreamSid,
		Status:         string(status),
		FramesToAgent:  stats.FramesToAgent,
		FramesToCaller: stats.FramesToCaller,
		At:             cl.deps.Now(),
	}
	if final != nil {
		finished.DurationSeconds = final.DurationSeconds
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cl.config.PersistTimeout)
	defer cancel()
	if err := cl.deps.Events.Publish(pubCtx, finished); err != nil {
		cl.log.Warn().Err(err).Msg("Failed to publish call event")
	}
}
