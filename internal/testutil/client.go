package testutil

import (
	"encoding/base64"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// OutboundEvent 中继写回电话侧的一条事件
type OutboundEvent struct {
	Event     string
	StreamSid string
	Payload   []byte
	Timestamp time.Time
}

// TelephonyClient 模拟电话平台的媒体流连接
type TelephonyClient struct {
	t    *testing.T
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	received []OutboundEvent
	closeErr error
	done     chan struct{}
}

// DialTelephony 连接中继的媒体流端点
func DialTelephony(t *testing.T, url string) *TelephonyClient {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "Failed to dial media stream endpoint")

	tc := &TelephonyClient{
		t:    t,
		conn: conn,
		done: make(chan struct{}),
	}
	go tc.readLoop()
	t.Cleanup(tc.Close)
	return tc
}

// readLoop 收集中继写回的事件
func (tc *TelephonyClient) readLoop() {
	defer close(tc.done)

	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			tc.mu.Lock()
			tc.closeErr = err
			tc.mu.Unlock()
			return
		}

		var msg struct {
			Event     string `json:"event"`
			StreamSid string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			tc.t.Logf("Unparsable outbound event: %v", err)
			continue
		}

		event := OutboundEvent{
			Event:     msg.Event,
			StreamSid: msg.StreamSid,
			Timestamp: time.Now(),
		}
		if msg.Media.Payload != "" {
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				tc.t.Logf("Outbound media payload is not base64: %v", err)
				continue
			}
			event.Payload = payload
		}

		tc.mu.Lock()
		tc.received = append(tc.received, event)
		tc.mu.Unlock()
	}
}

// SendStart 发送start事件
func (tc *TelephonyClient) SendStart(streamSid, callSid, from, to string) error {
	start := map[string]any{
		"streamSid": streamSid,
		"callSid":   callSid,
		"tracks":    []string{"inbound"},
		"mediaFormat": map[string]any{
			"encoding":   "audio/x-mulaw",
			"sampleRate": 8000,
			"channels":   1,
		},
		"customParameters": map[string]string{},
	}
	if from != "" {
		start["from"] = from
	}
	if to != "" {
		start["to"] = to
	}
	return tc.SendJSON(map[string]any{
		"event":     "start",
		"streamSid": streamSid,
		"start":     start,
	})
}

// SendMedia 发送inbound轨道音频
func (tc *TelephonyClient) SendMedia(audio []byte) error {
	return tc.SendMediaTrack("inbound", audio)
}

// SendMediaTrack 发送指定轨道的音频
func (tc *TelephonyClient) SendMediaTrack(track string, audio []byte) error {
	return tc.SendJSON(map[string]any{
		"event": "media",
		"media": map[string]any{
			"track":   track,
			"payload": base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// SendStop 发送stop事件
func (tc *TelephonyClient) SendStop() error {
	return tc.SendJSON(map[string]any{"event": "stop"})
}

// SendJSON 发送任意JSON事件
func (tc *TelephonyClient) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tc.SendRaw(data)
}

// SendRaw 发送原始文本帧
func (tc *TelephonyClient) SendRaw(data []byte) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return tc.conn.WriteMessage(websocket.TextMessage, data)
}

// Events 已收到的事件副本
func (tc *TelephonyClient) Events() []OutboundEvent {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return slices.Clone(tc.received)
}

// EventNames 已收到事件的名称序列
func (tc *TelephonyClient) EventNames() []string {
	events := tc.Events()
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Event
	}
	return names
}

// WaitFor 等待至少n条事件
func (tc *TelephonyClient) WaitFor(n int, timeout time.Duration) bool {
	return Eventually(timeout, func() bool {
		tc.mu.RLock()
		defer tc.mu.RUnlock()
		return len(tc.received) >= n
	})
}

// WaitClosed 等待中继关闭连接
func (tc *TelephonyClient) WaitClosed(timeout time.Duration) bool {
	select {
	case <-tc.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CloseError 连接关闭时的错误
func (tc *TelephonyClient) CloseError() error {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.closeErr
}

// CloseNormally 发送正常关闭帧
func (tc *TelephonyClient) CloseNormally() {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	tc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Close 断开连接
func (tc *TelephonyClient) Close() {
	tc.conn.Close()
}

// WebSocketURL 把http地址转换为ws地址
func WebSocketURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}
