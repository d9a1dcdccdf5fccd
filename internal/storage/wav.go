package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavRecorder 单声道 16bit PCM 录制器。
// RecordFrame 和 Close 可能来自不同 goroutine (采集线程 vs 停止路径),
// 同一把锁保护编码器, 关闭后的写入静默丢弃。
type WavRecorder struct {
	mu         sync.Mutex
	f          *os.File
	enc        *wav.Encoder
	sampleRate int
	closed     bool
	samples    int64
}

// NewWavRecorder 创建录制器, 无论源通道数, 输出固定单声道
func NewWavRecorder(path string, sampleRate int) (*WavRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建音频文件失败: %w", err)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	return &WavRecorder{
		f:          f,
		enc:        enc,
		sampleRate: sampleRate,
	}, nil
}

// RecordFrame 追加一帧单声道采样
func (r *WavRecorder) RecordFrame(samples []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: r.sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("写入音频帧失败: %w", err)
	}
	r.samples += int64(len(samples))
	return nil
}

// Samples 已写入的采样数
func (r *WavRecorder) Samples() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Close 结束录制。先收尾编码器(回填 WAV 头), 再关闭文件句柄,
// 顺序颠倒会产生截断的容器。
func (r *WavRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	encErr := r.enc.Close()
	fileErr := r.f.Close()
	if encErr != nil {
		return fmt.Errorf("收尾音频编码器失败: %w", encErr)
	}
	return fileErr
}
