package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"raputa-gateway/internal/config"
)

// 帧布局 (全部大端):
//
//	[0:4]   帧头魔数 0x000055AA
//	[4:8]   保留字段
//	[8:12]  帧类型
//	[12:16] length = 负载长度 + 8
//	[16:16+n] 负载
//	[16+n:20+n] CRC32 (IEEE, 覆盖帧头至负载末尾)
//	[20+n:24+n] 帧尾魔数 0x0000AA55
//
// 整帧大小 = length + 16
const (
	headerLen      = 16
	trailerLen     = 8
	lengthOverhead = 8
)

var (
	// ErrFrameInvalid 帧校验失败, 调用方应逐字节重新同步
	ErrFrameInvalid = errors.New("帧校验失败")
	// ErrNeedMore 数据不足一帧, 等待更多字节
	ErrNeedMore = errors.New("数据不足")
)

// Frame 解析出的完整帧
type Frame struct {
	Type    uint32
	Payload []byte
}

// ControlCommand 下发给设备的采集控制命令
type ControlCommand struct {
	Enable  bool `json:"enable"`
	Timeout int  `json:"timeout"`
}

// EncodeCommand 构造采集控制帧 (enable/disable)
func EncodeCommand(enable bool) ([]byte, error) {
	payload, err := json.Marshal(ControlCommand{
		Enable:  enable,
		Timeout: config.EnableTimeoutSec,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化控制命令失败: %w", err)
	}
	return EncodeFrame(config.FrameTypeAck, payload), nil
}

// EncodeFrame 按帧布局打包负载
func EncodeFrame(frameType uint32, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, headerLen+n+trailerLen)

	binary.BigEndian.PutUint32(buf[0:4], config.FrameHeadMagic)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], frameType)
	binary.BigEndian.PutUint32(buf[12:16], uint32(n+lengthOverhead))
	copy(buf[headerLen:], payload)

	crc := crc32.ChecksumIEEE(buf[:headerLen+n])
	binary.BigEndian.PutUint32(buf[headerLen+n:], crc)
	binary.BigEndian.PutUint32(buf[headerLen+n+4:], config.FrameTailMagic)

	return buf
}

// DecodeFrame 尝试从 buf 起始位置解析一帧。
// 成功时返回帧和整帧字节数; 不消耗输入, 前进由调用方负责。
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < config.MinFrameBytes {
		return nil, 0, ErrNeedMore
	}

	if binary.BigEndian.Uint32(buf[0:4]) != config.FrameHeadMagic {
		return nil, 0, fmt.Errorf("%w: 帧头魔数错误", ErrFrameInvalid)
	}

	length := binary.BigEndian.Uint32(buf[12:16])
	if length < lengthOverhead || length > config.MaxPayloadLen {
		return nil, 0, fmt.Errorf("%w: length 字段越界 %d", ErrFrameInvalid, length)
	}

	total := int(length) + headerLen
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	payloadLen := int(length) - lengthOverhead
	crcEnd := headerLen + payloadLen

	want := binary.BigEndian.Uint32(buf[crcEnd : crcEnd+4])
	if crc32.ChecksumIEEE(buf[:crcEnd]) != want {
		return nil, 0, fmt.Errorf("%w: CRC 不匹配", ErrFrameInvalid)
	}

	if binary.BigEndian.Uint32(buf[crcEnd+4:crcEnd+8]) != config.FrameTailMagic {
		return nil, 0, fmt.Errorf("%w: 帧尾魔数错误", ErrFrameInvalid)
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[headerLen:crcEnd])

	return &Frame{
		Type:    binary.BigEndian.Uint32(buf[8:12]),
		Payload: payload,
	}, total, nil
}
