package protocol

import (
	"errors"
	"time"

	"raputa-gateway/internal/config"
	"raputa-gateway/internal/raputa"
)

// Handler 按帧类型分发负载
type Handler interface {
	HandleControl(payload []byte)
	HandleSensor(payload []byte)
}

// Assembler 把 TCP 字节流重组为完整帧。
// 任何校验失败只前进一个字节, 在字节流中重新寻找帧头。
type Assembler struct {
	buf        []byte
	handler    Handler
	onActivity func(time.Time)
}

// NewAssembler 创建流重组器, onActivity 可为 nil
func NewAssembler(handler Handler, onActivity func(time.Time)) *Assembler {
	return &Assembler{
		handler:    handler,
		onActivity: onActivity,
	}
}

// Feed 追加收到的字节并尽量解析
func (a *Assembler) Feed(data []byte) {
	a.buf = append(a.buf, data...)

	for len(a.buf) >= config.MinFrameBytes {
		frame, consumed, err := DecodeFrame(a.buf)
		if err != nil {
			if errors.Is(err, ErrNeedMore) {
				return
			}
			// 单字节重新同步
			a.buf = a.buf[1:]
			continue
		}

		a.buf = a.buf[consumed:]

		if a.onActivity != nil {
			a.onActivity(time.Now())
		}

		switch frame.Type {
		case config.FrameTypeAck:
			a.handler.HandleControl(frame.Payload)
		case config.FrameTypeSensor:
			a.handler.HandleSensor(frame.Payload)
		default:
			raputa.LogWarn("未知帧类型, 丢弃", "type", frame.Type, "len", len(frame.Payload))
		}
	}
}

// Pending 当前未消费的字节数
func (a *Assembler) Pending() int {
	return len(a.buf)
}
