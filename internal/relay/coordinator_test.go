package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VoiceCallRelay/internal/agent"
	"VoiceCallRelay/internal/agentconfig"
	"VoiceCallRelay/internal/calendar"
	"VoiceCallRelay/internal/dispatch"
	"VoiceCallRelay/internal/protocol"
	"VoiceCallRelay/internal/session"
	"VoiceCallRelay/internal/testserver"
	"VoiceCallRelay/internal/testutil"
)

const waitTimeout = 3 * time.Second

type harness struct {
	t        *testing.T
	coord    *Coordinator
	store    *session.MemoryStore
	registry *session.Registry
	agent    *testutil.MockAgent
	url      string
	results  chan error
}

type harnessOptions struct {
	config   func(cfg *Config)
	agent    func(cfg *testserver.ServerConfig)
	agentURL string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	mock := testutil.NewMockAgent(t, opts.agent)
	agentURL := mock.URL
	if opts.agentURL != "" {
		agentURL = opts.agentURL
	}

	reg := dispatch.NewRegistry()
	fns := calendar.NewFunctions(calendar.NewMemoryCalendar(), calendar.Options{Location: time.UTC})
	require.NoError(t, fns.Register(reg))
	require.NoError(t, reg.RegisterFunc("explode", func(ctx context.Context, args map[string]any) (any, error) {
		panic("boom")
	}))

	linkCfg := agent.DefaultLinkConfig(agentURL, "test-key")
	linkCfg.RetryInterval = 10 * time.Millisecond
	linkCfg.MaxRetries = 1
	linkCfg.HandshakeTimeout = time.Second

	cfg := DefaultConfig()
	cfg.StartTimeout = 2 * time.Second
	cfg.KeepAliveInterval = 0
	if opts.config != nil {
		opts.config(&cfg)
	}

	store := session.NewMemoryStore()
	registry := session.NewRegistry()
	coord, err := New(cfg, Deps{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatch.NewDispatcher(reg),
		Settings: agentconfig.NewLoader(
			agentconfig.WithTimezone("UTC"),
			agentconfig.WithFunctions(calendar.Declarations()),
		),
		Agent:  agent.NewDialer(linkCfg, zerolog.Nop()),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	h := &harness{
		t:        t,
		coord:    coord,
		store:    store,
		registry: registry,
		agent:    mock,
		results:  make(chan error, 8),
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.results <- coord.Serve(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)
	h.url = testutil.WebSocketURL(srv.URL, "/media-stream")
	return h
}

// dial 建立电话侧连接
func (h *harness) dial() *testutil.TelephonyClient {
	return testutil.DialTelephony(h.t, h.url)
}

// startCall 发送start并等待代理连接与初始配置
func (h *harness) startCall(callSid string) (*testutil.TelephonyClient, *testserver.Connection) {
	h.t.Helper()

	tc := h.dial()
	require.NoError(h.t, tc.SendStart("MZ-"+callSid, callSid, "+3210", "+3211"))

	conn := h.agent.NextConnection(waitTimeout)
	require.True(h.t, conn.WaitSettings(waitTimeout), "settings not received")
	return tc, conn
}

// result 等待Serve返回
func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.results:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("coordinator did not return")
		return nil
	}
}

func audio(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

// TestEndToEndCall 测试完整通话：音频、函数调用、结束
func TestEndToEndCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA1")

	assert.True(t, agentConn.SettingsFirst(), "settings must precede audio")
	assert.Contains(t, string(agentConn.Settings()), `"type":"Settings"`)
	assert.NotContains(t, string(agentConn.Settings()), agentconfig.DateContextPlaceholder)

	active := h.registry.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "CA1", active[0].CallSid)
	assert.Equal(t, "MZ-CA1", active[0].StreamSid)

	frame := audio(protocol.DefaultFrameSize, 7)
	require.NoError(t, tc.SendMedia(frame))
	require.True(t, agentConn.WaitFrames(1, waitTimeout))
	frames := agentConn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, frame, frames[0])

	require.NoError(t, agentConn.SendFunctionCallRequest(protocol.FunctionCall{
		ID:        "f1",
		Name:      calendar.FnCheckAvailability,
		Arguments: "{}",
	}))
	require.True(t, agentConn.WaitResponses(1, waitTimeout))

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())

	responses := agentConn.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "f1", responses[0].ID)
	assert.Equal(t, calendar.FnCheckAvailability, responses[0].Name)
	assert.Equal(t, protocol.TypeFunctionCallResponse, responses[0].Type)

	cs, err := h.store.Get(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, cs.Status)
	assert.Equal(t, "+3210", cs.FromNumber)
	assert.Equal(t, "+3211", cs.ToNumber)
	require.NotNil(t, cs.EndedAt)
	assert.False(t, cs.EndedAt.Before(cs.StartedAt))
	assert.GreaterOrEqual(t, cs.DurationSeconds, 0.0)

	assert.Equal(t, 0, h.registry.Count())
	assert.True(t, tc.WaitClosed(waitTimeout), "telephony connection not closed")
	assert.True(t, testutil.Eventually(waitTimeout, agentConn.Closed), "agent connection not closed")
}

// TestFramesReassembleAcrossChunks 测试任意分块的音频按帧重组
func TestFramesReassembleAcrossChunks(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-frames")

	input := audio(protocol.DefaultFrameSize*5+1234, 3)
	sizes := []int{160, 1, 480, 3199, 160, 7000, 20}
	for off, i := 0, 0; off < len(input); i++ {
		n := min(sizes[i%len(sizes)], len(input)-off)
		require.NoError(t, tc.SendMedia(input[off:off+n]))
		off += n
	}

	require.True(t, agentConn.WaitFrames(5, waitTimeout))
	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())

	testutil.AssertFramesReassemble(t, input, agentConn.Frames(), protocol.DefaultFrameSize)
}

// TestOutboundTrackIgnored 测试只转发inbound轨道
func TestOutboundTrackIgnored(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-track")

	echo := audio(protocol.DefaultFrameSize, 100)
	caller := audio(protocol.DefaultFrameSize, 1)
	require.NoError(t, tc.SendMediaTrack("outbound", echo))
	// 没有track字段的音频同样不转发
	require.NoError(t, tc.SendJSON(map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(audio(protocol.DefaultFrameSize, 50))},
	}))
	require.NoError(t, tc.SendMedia(caller))

	require.True(t, agentConn.WaitFrames(1, waitTimeout))
	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())

	frames := agentConn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, caller, frames[0])
}

// TestBargeInClearsBeforeAudio 测试插话时clear先于后续音频
func TestBargeInClearsBeforeAudio(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-barge")

	first := audio(320, 10)
	second := audio(320, 20)
	require.NoError(t, agentConn.SendAudio(first))
	require.NoError(t, agentConn.SendUserStartedSpeaking())
	require.NoError(t, agentConn.SendAudio(second))

	require.True(t, tc.WaitFor(3, waitTimeout))
	assert.Equal(t, []string{"media", "clear", "media"}, tc.EventNames())

	events := tc.Events()
	for _, e := range events {
		assert.Equal(t, "MZ-CA-barge", e.StreamSid)
	}
	assert.Equal(t, first, events[0].Payload)
	testutil.AssertClearBefore(t, events, second)

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())
}

// TestFunctionCallsAnsweredOnce 测试未知函数与panic同样恰好响应一次
func TestFunctionCallsAnsweredOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-fn")

	require.NoError(t, agentConn.SendFunctionCallRequest(
		protocol.FunctionCall{ID: "a", Name: "does_not_exist", Arguments: "{}"},
		protocol.FunctionCall{ID: "b", Name: "explode", Arguments: "{}"},
		protocol.FunctionCall{ID: "c", Name: calendar.FnCheckAvailability, Arguments: "{not json"},
	))
	require.True(t, agentConn.WaitResponses(3, waitTimeout))

	// 出错后通话继续
	frame := audio(protocol.DefaultFrameSize, 5)
	require.NoError(t, tc.SendMedia(frame))
	require.True(t, agentConn.WaitFrames(1, waitTimeout))

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())

	responses := agentConn.FunctionResponses()
	require.Len(t, responses, 3)
	ids := map[string]int{}
	for _, r := range responses {
		ids[r.ID]++
		assert.Contains(t, r.Content, `"error"`)
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, ids)
	assert.Contains(t, responses[0].Content, "unknown function: does_not_exist")
}

// TestMalformedFunctionCallAnswered 测试结构错误的函数调用仍按id回送一次错误响应
func TestMalformedFunctionCallAnswered(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-fn-malformed")

	require.NoError(t, agentConn.SendRaw([]byte(`{"type":"FunctionCallRequest","functions":[`+
		`{"id":"f1","name":"check_calendar_availability","arguments":{}},`+
		`{"id":"f2","name":"check_calendar_availability","arguments":7},`+
		`{"name":"explode","arguments":false}]}`)))
	require.True(t, agentConn.WaitResponses(2, waitTimeout))

	// 收到后续音频说明响应已全部处理
	frame := audio(protocol.DefaultFrameSize, 9)
	require.NoError(t, tc.SendMedia(frame))
	require.True(t, agentConn.WaitFrames(1, waitTimeout))

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())

	responses := agentConn.FunctionResponses()
	require.Len(t, responses, 2)
	ids := map[string]int{}
	for _, r := range responses {
		ids[r.ID]++
		assert.Equal(t, calendar.FnCheckAvailability, r.Name)
		assert.Contains(t, r.Content, `"error"`)
	}
	assert.Equal(t, map[string]int{"f1": 1, "f2": 1}, ids)
}

// TestStartMissingFieldsRejected 测试缺少必填字段的start被拒绝
func TestStartMissingFieldsRejected(t *testing.T) {
	tests := []struct {
		name    string
		callSid string
		from    string
	}{
		{"missing callSid", "", "+3210"},
		{"missing from", "CA-nofrom", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			tc := h.dial()
			require.NoError(t, tc.SendStart("MZ-x", tt.callSid, tt.from, "+3211"))

			err := h.result()
			assert.ErrorIs(t, err, ErrStartRejected)
			assert.True(t, tc.WaitClosed(waitTimeout), "connection should be closed")

			assert.Empty(t, h.store.List())
			assert.Equal(t, 0, h.registry.Count())

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err = h.agent.Accepted(ctx)
			assert.Error(t, err, "no agent connection expected")
		})
	}
}

// TestStartTimeout 测试宽限期内没有start时拒绝
func TestStartTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{config: func(cfg *Config) {
		cfg.StartTimeout = 100 * time.Millisecond
	}})
	tc := h.dial()
	require.NoError(t, tc.SendJSON(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}))

	assert.ErrorIs(t, h.result(), ErrStartTimeout)
	assert.True(t, tc.WaitClosed(waitTimeout))
	assert.Empty(t, h.store.List())
}

// TestStopBeforeStart 测试start之前的stop不创建会话
func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc := h.dial()
	require.NoError(t, tc.SendStop())

	assert.NoError(t, h.result())
	assert.Empty(t, h.store.List())
}

// TestDuplicateCallRejected 测试同一callSid不能同时存在两通
func TestDuplicateCallRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first, _ := h.startCall("CA-dup")

	second := h.dial()
	require.NoError(t, second.SendStart("MZ-other", "CA-dup", "+3210", "+3211"))
	assert.ErrorIs(t, h.result(), session.ErrDuplicateCall)
	assert.True(t, second.WaitClosed(waitTimeout))

	require.NoError(t, first.SendStop())
	require.NoError(t, h.result())

	cs, err := h.store.Get(context.Background(), "CA-dup")
	require.NoError(t, err)
	assert.Equal(t, "MZ-CA-dup", cs.StreamSid)
	assert.Equal(t, session.StatusEnded, cs.Status)

	// 终态不能再次迁移
	assert.ErrorIs(t, h.store.Finish(context.Background(), cs), session.ErrInvalidTransition)

	// 通话结束后重放同一callSid的start同样被拒绝，原记录不变
	replay := h.dial()
	require.NoError(t, replay.SendStart("MZ-replay", "CA-dup", "+3210", "+3211"))
	assert.ErrorIs(t, h.result(), session.ErrDuplicateCall)
	assert.True(t, replay.WaitClosed(waitTimeout))

	after, err := h.store.Get(context.Background(), "CA-dup")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, after.Status)
	assert.Equal(t, "MZ-CA-dup", after.StreamSid)
	require.NotNil(t, after.EndedAt)
	assert.Equal(t, 0, h.registry.Count())
}

// TestAgentFailureMarksError 测试代理连接中断时会话标记为error
func TestAgentFailureMarksError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-agentfail")

	agentConn.Abort()

	err := h.result()
	require.Error(t, err)
	assert.True(t, tc.WaitClosed(waitTimeout))

	cs, getErr := h.store.Get(context.Background(), "CA-agentfail")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusError, cs.Status)
	assert.NotEmpty(t, cs.LastError)
	assert.Equal(t, 0, h.registry.Count())
}

// TestAgentUnavailable 测试代理无法连接时会话标记为error
func TestAgentUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := testutil.WebSocketURL(dead.URL, "/agent")
	dead.Close()

	h := newHarness(t, harnessOptions{agentURL: deadURL})
	tc := h.dial()
	require.NoError(t, tc.SendStart("MZ-down", "CA-down", "+3210", "+3211"))

	err := h.result()
	assert.ErrorIs(t, err, errAgentUnavailable)
	assert.True(t, tc.WaitClosed(waitTimeout))

	cs, getErr := h.store.Get(context.Background(), "CA-down")
	require.NoError(t, getErr)
	assert.Equal(t, session.StatusError, cs.Status)
}

// TestSessionExpiry 测试过期清理让通话以expired结束
func TestSessionExpiry(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, _ := h.startCall("CA-ttl")

	due := h.registry.ExpireDue(time.Now().Add(2 * time.Hour))
	assert.Equal(t, []string{"CA-ttl"}, due)

	require.NoError(t, h.result())
	assert.True(t, tc.WaitClosed(waitTimeout))

	cs, err := h.store.Get(context.Background(), "CA-ttl")
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, cs.Status)
}

// TestShutdownEndsCalls 测试服务关闭时通话以ended结束
func TestShutdownEndsCalls(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.startCall("CA-shutdown")

	assert.Equal(t, 1, h.registry.CancelAll(session.ErrShuttingDown))
	require.NoError(t, h.result())

	cs, err := h.store.Get(context.Background(), "CA-shutdown")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, cs.Status)
}

// TestMalformedEventsCounted 测试畸形事件被跳过并计入会话
func TestMalformedEventsCounted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, agentConn := h.startCall("CA-bad")

	require.NoError(t, tc.SendRaw([]byte(`{not json`)))
	require.NoError(t, tc.SendRaw([]byte(`{"event":"media","media":{"track":"inbound","payload":"%%%"}}`)))
	require.NoError(t, tc.SendRaw([]byte(`{"media":{}}`)))

	frame := audio(protocol.DefaultFrameSize, 9)
	require.NoError(t, tc.SendMedia(frame))
	require.True(t, agentConn.WaitFrames(1, waitTimeout))

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())

	cs, err := h.store.Get(context.Background(), "CA-bad")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, cs.Status)
	assert.Equal(t, 3, cs.DecodeErrors)
	assert.NotEmpty(t, cs.LastError)
}

// TestTransportFailureAfterDecodeErrors 测试解析错误后连接异常断开记为error
func TestTransportFailureAfterDecodeErrors(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, _ := h.startCall("CA-drop")

	require.NoError(t, tc.SendRaw([]byte(`garbage`)))
	time.Sleep(50 * time.Millisecond)
	tc.Close()

	require.Error(t, h.result())

	cs, err := h.store.Get(context.Background(), "CA-drop")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, cs.Status)
	assert.Equal(t, 1, cs.DecodeErrors)
}

// TestCleanDisconnectEnds 测试电话侧正常关闭记为ended
func TestCleanDisconnectEnds(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	tc, _ := h.startCall("CA-bye")

	tc.CloseNormally()
	require.NoError(t, h.result())

	cs, err := h.store.Get(context.Background(), "CA-bye")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, cs.Status)
}

// TestKeepAliveWhenIdle 测试空闲时向代理发送保活
func TestKeepAliveWhenIdle(t *testing.T) {
	h := newHarness(t, harnessOptions{config: func(cfg *Config) {
		cfg.KeepAliveInterval = 20 * time.Millisecond
	}})
	tc, agentConn := h.startCall("CA-idle")

	assert.True(t, testutil.Eventually(waitTimeout, func() bool { return agentConn.KeepAlives() > 0 }))

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())
}

// TestScriptedAgentEcho 测试代理回声音频写回电话侧
func TestScriptedAgentEcho(t *testing.T) {
	h := newHarness(t, harnessOptions{agent: func(cfg *testserver.ServerConfig) {
		cfg.EchoAudio = true
		cfg.BargeInAfterFrames = 2
	}})
	tc, agentConn := h.startCall("CA-echo")

	one := audio(protocol.DefaultFrameSize, 1)
	two := audio(protocol.DefaultFrameSize, 2)
	require.NoError(t, tc.SendMedia(one))
	require.NoError(t, tc.SendMedia(two))
	require.True(t, agentConn.WaitFrames(2, waitTimeout))
	require.True(t, tc.WaitFor(3, waitTimeout))

	events := tc.Events()
	assert.Equal(t, "media", events[0].Event)
	assert.True(t, bytes.Equal(one, events[0].Payload))
	assert.Equal(t, "media", events[1].Event)
	assert.Equal(t, "clear", events[2].Event)

	require.NoError(t, tc.SendStop())
	require.NoError(t, h.result())
}

// TestClassify 测试终态判定
func TestClassify(t *testing.T) {
	normal := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	abnormal := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}

	tests := []struct {
		name   string
		runErr error
		cause  error
		want   session.Status
	}{
		{"stop", errCallStopped, nil, session.StatusEnded},
		{"nil", nil, nil, session.StatusEnded},
		{"normal close", normal, nil, session.StatusEnded},
		{"abnormal close", abnormal, nil, session.StatusError},
		{"agent down", errAgentUnavailable, nil, session.StatusError},
		{"expired", errors.New("read failed"), session.ErrSessionExpired, session.StatusExpired},
		{"shutdown", errors.New("read failed"), session.ErrShuttingDown, session.StatusEnded},
		{"parent cancelled", errors.New("read failed"), context.Canceled, session.StatusEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.runErr, tt.cause))
		})
	}
}
