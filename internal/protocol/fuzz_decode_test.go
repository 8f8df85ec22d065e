package protocol

import (
	"encoding/base64"
	"testing"
)

// FuzzDecodeInbound 模糊测试电话侧事件解码
func FuzzDecodeInbound(f *testing.F) {
	f.Add([]byte(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"from":"+3210"}}}`))
	f.Add([]byte(`{"event":"media","media":{"track":"inbound","payload":"AAAA"}}`))
	f.Add([]byte(`{"event":"stop","stop":{"callSid":"CA1"}}`))
	f.Add([]byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`))
	f.Add([]byte(`{}`))
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFE})

	f.Fuzz(func(t *testing.T, data []byte) {
		// 解码不应panic，失败时只返回错误
		event, err := DecodeInbound(data)
		if err != nil {
			if event != nil {
				t.Errorf("event returned alongside error: %v", err)
			}
			_ = RecoverCallSid(data)
			return
		}

		switch e := event.(type) {
		case StartEvent:
			// 校验结果必须与必填字段一致
			valid := e.StreamSid != "" && e.CallSid != "" && e.From != ""
			if (e.Validate() == nil) != valid {
				t.Errorf("validate mismatch for %+v", e)
			}
		case MediaEvent:
			if _, err := EncodeMedia("MZ", e.Payload); err != nil {
				t.Errorf("re-encoding decoded payload failed: %v", err)
			}
		}
	})
}

// FuzzDecodeAgentMessage 模糊测试代理控制消息解码
func FuzzDecodeAgentMessage(f *testing.F) {
	f.Add([]byte(`{"type":"FunctionCallRequest","functions":[{"id":"f1","name":"check_calendar_availability","arguments":"{}","client_side":true}]}`))
	f.Add([]byte(`{"type":"UserStartedSpeaking"}`))
	f.Add([]byte(`{"type":"Error","description":"bad","code":"E1"}`))
	f.Add([]byte(`{"type":"Welcome","request_id":"r"}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := DecodeAgentMessage(data)
		if err != nil {
			return
		}
		if req, ok := msg.(FunctionCallRequest); ok {
			for _, fc := range req.Functions {
				_, _ = fc.ParseArguments()
			}
		}
	})
}

// BenchmarkDecodeMedia 媒体事件解码性能
func BenchmarkDecodeMedia(b *testing.B) {
	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))
	raw := []byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"` + payload + `"}}`)

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	for i := 0; i < b.N; i++ {
		if _, err := DecodeInbound(raw); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEncodeMedia 媒体事件编码性能
func BenchmarkEncodeMedia(b *testing.B) {
	audio := make([]byte, 3200)

	b.ReportAllocs()
	b.SetBytes(int64(len(audio)))
	for i := 0; i < b.N; i++ {
		if _, err := EncodeMedia("MZ1", audio); err != nil {
			b.Fatal(err)
		}
	}
}
