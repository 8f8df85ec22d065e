package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"VoiceCallRelay/internal/protocol"
)

// telephonyWriter 电话侧唯一的写入口
type telephonyWriter struct {
	mu      sync.Mutex
	conn    TelephonyConn
	timeout time.Duration
}

func newTelephonyWriter(conn TelephonyConn, timeout time.Duration) *telephonyWriter {
	return &telephonyWriter{conn: conn, timeout: timeout}
}

// Media 写回一段代理音频
func (w *telephonyWriter) Media(streamSid string, audio []byte) error {
	data, err := protocol.EncodeMedia(streamSid, audio)
	if err != nil {
		return err
	}
	return w.write(data)
}

// Clear 通知电话侧丢弃尚未播放的音频
func (w *telephonyWriter) Clear(streamSid string) error {
	data, err := protocol.EncodeClear(streamSid)
	if err != nil {
		return err
	}
	return w.write(data)
}

func (w *telephonyWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
