package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Frame 一帧设备原生 PCM 采样 (s16le, 交错多声道)
type Frame struct {
	Samples  []int // 交错采样
	Channels int
}

// Mono 压成单声道: 单声道原样返回, 多声道逐点取均值
func (f *Frame) Mono() []int {
	if f.Channels <= 1 {
		return f.Samples
	}
	out := make([]int, len(f.Samples)/f.Channels)
	for i := range out {
		sum := 0
		for ch := 0; ch < f.Channels; ch++ {
			sum += f.Samples[i*f.Channels+ch]
		}
		out[i] = sum / f.Channels
	}
	return out
}

// Grabber 音频流拉取端。实现负责一条传输连接的生命周期,
// 重试策略由调用方控制: 失败后 Close 再重新 Open。
type Grabber interface {
	Open(ctx context.Context) error
	Grab() (*Frame, error)
	SampleRate() int
	Channels() int
	Close() error
}

// TCPGrabber 从设备 8554 端口拉取裸 s16le PCM 流, 按 20ms 切帧
type TCPGrabber struct {
	addr        string
	sampleRate  int
	channels    int
	readTimeout time.Duration

	conn    net.Conn
	readBuf []byte
}

// NewTCPGrabber 创建 PCM 拉取端
func NewTCPGrabber(addr string, sampleRate, channels int) *TCPGrabber {
	frameSamples := sampleRate / 50 // 20ms
	return &TCPGrabber{
		addr:        addr,
		sampleRate:  sampleRate,
		channels:    channels,
		readTimeout: 5 * time.Second,
		readBuf:     make([]byte, frameSamples*channels*2),
	}
}

// Open 建立到设备的音频连接
func (g *TCPGrabber) Open(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return fmt.Errorf("连接音频流失败 %s: %w", g.addr, err)
	}
	g.conn = conn
	return nil
}

// Grab 阻塞读满一帧。读超时或连接断开返回错误, 由调用方重连。
func (g *TCPGrabber) Grab() (*Frame, error) {
	if g.conn == nil {
		return nil, fmt.Errorf("音频连接未建立")
	}

	if err := g.conn.SetReadDeadline(time.Now().Add(g.readTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(g.conn, g.readBuf); err != nil {
		return nil, fmt.Errorf("读取音频帧失败: %w", err)
	}

	samples := make([]int, len(g.readBuf)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(g.readBuf[i*2:])))
	}
	return &Frame{Samples: samples, Channels: g.channels}, nil
}

// SampleRate 源采样率
func (g *TCPGrabber) SampleRate() int { return g.sampleRate }

// Channels 源声道数
func (g *TCPGrabber) Channels() int { return g.channels }

// Close 断开音频连接, 可重复调用
func (g *TCPGrabber) Close() error {
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
