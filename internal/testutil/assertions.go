package testutil

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Eventually 轮询直到条件成立或超时
func Eventually(timeout time.Duration, cond func() bool) bool {
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

// AssertFramesReassemble 断言帧按顺序拼接后等于输入前缀
func AssertFramesReassemble(t *testing.T, input []byte, frames [][]byte, frameSize int) {
	t.Helper()

	want := len(input) / frameSize
	if !assert.Len(t, frames, want, "frame count") {
		return
	}

	var joined bytes.Buffer
	for i, f := range frames {
		assert.Len(t, f, frameSize, "frame %d size", i)
		joined.Write(f)
	}
	assert.Equal(t, input[:want*frameSize], joined.Bytes(), "reassembled frames differ from input")
}

// AssertClearBefore 断言clear事件出现在指定音频之前
func AssertClearBefore(t *testing.T, events []OutboundEvent, payload []byte) {
	t.Helper()

	clearAt, mediaAt := -1, -1
	for i, e := range events {
		switch {
		case e.Event == "clear" && clearAt < 0:
			clearAt = i
		case e.Event == "media" && bytes.Equal(e.Payload, payload) && mediaAt < 0:
			mediaAt = i
		}
	}

	if assert.GreaterOrEqual(t, clearAt, 0, "no clear event") &&
		assert.GreaterOrEqual(t, mediaAt, 0, "audio after barge-in not relayed") {
		assert.Less(t, clearAt, mediaAt, "clear must precede subsequent audio")
	}
}
