package protocol

import (
	"errors"
	"fmt"
)

const (
	// 每个μ-law块的字节数：8kHz下20ms为160字节
	ChunkSize = 160
	// 默认帧大小：20个块，约400ms音频
	DefaultFrameSize = 20 * ChunkSize
	// 最大帧大小限制（防止配置错误导致内存膨胀）
	MaxFrameSize = 1024 * 1024 // 1MB
)

var (
	ErrInvalidFrameSize = errors.New("invalid frame size")
)

// FrameBuffer 将任意长度的入站音频块累积为固定大小的帧
// 只发出完整帧，剩余字节保留到下一次Feed
type FrameBuffer struct {
	buffer    []byte
	offset    int
	frameSize int
}

// NewFrameBuffer 创建新的帧缓冲区
func NewFrameBuffer(frameSize int) (*FrameBuffer, error) {
	if frameSize <= 0 || frameSize > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameSize, frameSize)
	}

	return &FrameBuffer{
		buffer:    make([]byte, 0, frameSize*2),
		frameSize: frameSize,
	}, nil
}

// Feed 向缓冲区追加音频数据
func (fb *FrameBuffer) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	fb.compact()
	fb.buffer = append(fb.buffer, data...)
}

// Next 取出下一个完整帧，数据不足时返回nil
// 返回的切片归调用方所有
func (fb *FrameBuffer) Next() []byte {
	if fb.BufferSize() < fb.frameSize {
		return nil
	}

	frame := make([]byte, fb.frameSize)
	copy(frame, fb.buffer[fb.offset:fb.offset+fb.frameSize])
	fb.offset += fb.frameSize

	if fb.offset == len(fb.buffer) {
		fb.buffer = fb.buffer[:0]
		fb.offset = 0
	}

	return frame
}

// Drain 取出当前所有完整帧，按到达顺序排列
func (fb *FrameBuffer) Drain() [][]byte {
	count := fb.BufferSize() / fb.frameSize
	if count == 0 {
		return nil
	}

	frames := make([][]byte, 0, count)
	for frame := fb.Next(); frame != nil; frame = fb.Next() {
		frames = append(frames, frame)
	}
	return frames
}

// Reset 丢弃所有未成帧的数据
func (fb *FrameBuffer) Reset() {
	fb.buffer = fb.buffer[:0]
	fb.offset = 0
}

// BufferSize 返回尚未成帧的字节数
func (fb *FrameBuffer) BufferSize() int {
	return len(fb.buffer) - fb.offset
}

// FrameSize 返回帧大小
func (fb *FrameBuffer) FrameSize() int {
	return fb.frameSize
}

// compact 把未消费数据移到缓冲区头部
func (fb *FrameBuffer) compact() {
	if fb.offset == 0 {
		return
	}
	n := copy(fb.buffer, fb.buffer[fb.offset:])
	fb.buffer = fb.buffer[:n]
	fb.offset = 0
}
