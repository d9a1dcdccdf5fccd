package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AccSample 三轴加速度
type AccSample struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// SensorReading 传感器帧负载。
// 同一条负载可能同时携带 acc 和 flow, 按字段分流到 IMU/GAS 两路。
type SensorReading struct {
	Timestamp   int64      `json:"timestamp"`   // 秒级时间戳
	Timestampus int64      `json:"timestampus"` // 微秒余数 (0-999999)
	Acc         *AccSample `json:"acc"`
	Flow        *int       `json:"flow"`
}

// MillisTimestamp 重组毫秒时间戳, 整数语义保证可复现
func MillisTimestamp(sec, us int64) int64 {
	return sec*1000 + us/1000
}

// Millis 该采样的毫秒时间戳
func (r *SensorReading) Millis() int64 {
	return MillisTimestamp(r.Timestamp, r.Timestampus)
}

// ParseSensorReading 解析传感器 JSON, 先清理设备偶发混入的控制字符
func ParseSensorReading(raw string) (*SensorReading, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return nil, fmt.Errorf("空负载")
	}

	var reading SensorReading
	if err := json.Unmarshal([]byte(cleaned), &reading); err != nil {
		return nil, fmt.Errorf("非有效 json: %w", err)
	}
	return &reading, nil
}

// CSV 表头
var (
	ImuCSVHeader = []string{"time", "X", "Y", "Z"}
	GasCSVHeader = []string{"time", "value"}
)

// ImuCSVRow IMU 行 [毫秒时间戳, x, y, z], 无 acc 字段时返回 nil
func (r *SensorReading) ImuCSVRow() []string {
	if r.Acc == nil {
		return nil
	}
	return []string{
		strconv.FormatInt(r.Millis(), 10),
		strconv.Itoa(r.Acc.X),
		strconv.Itoa(r.Acc.Y),
		strconv.Itoa(r.Acc.Z),
	}
}

// GasCSVRow GAS 行 [毫秒时间戳, flow], 无 flow 字段时按 0 处理
func (r *SensorReading) GasCSVRow() []string {
	flow := 0
	if r.Flow != nil {
		flow = *r.Flow
	}
	return []string{
		strconv.FormatInt(r.Millis(), 10),
		strconv.Itoa(flow),
	}
}

// RealtimeMessage 实时推送消息
type RealtimeMessage struct {
	Type      string  `json:"type"` // imu / gas / audio
	DeviceID  string  `json:"deviceId"`
	Timestamp int64   `json:"timestamp"`
	X         int     `json:"x,omitempty"`
	Y         int     `json:"y,omitempty"`
	Z         int     `json:"z,omitempty"`
	Flow      int     `json:"flow,omitempty"`
	Amplitude float32 `json:"amplitude,omitempty"`
}

// NewImuMessage IMU 推送消息
func NewImuMessage(deviceID string, ts int64, x, y, z int) *RealtimeMessage {
	return &RealtimeMessage{Type: "imu", DeviceID: deviceID, Timestamp: ts, X: x, Y: y, Z: z}
}

// NewGasMessage GAS 推送消息
func NewGasMessage(deviceID string, ts int64, flow int) *RealtimeMessage {
	return &RealtimeMessage{Type: "gas", DeviceID: deviceID, Timestamp: ts, Flow: flow}
}

// NewAudioMessage 音频幅值推送消息
func NewAudioMessage(deviceID string, ts int64, amplitude float32) *RealtimeMessage {
	return &RealtimeMessage{Type: "audio", DeviceID: deviceID, Timestamp: ts, Amplitude: amplitude}
}

// PredictionResult 推理服务返回结果
type PredictionResult struct {
	Message       string           `json:"message,omitempty"`
	SwallowEvents [][]float64      `json:"swallow_events,omitempty"`
	Dysphagia     []map[string]any `json:"dysphagia,omitempty"`
	Aspiration    []map[string]any `json:"aspiration,omitempty"`
}

// HasSwallowEvents 是否检测到吞咽事件
func (p *PredictionResult) HasSwallowEvents() bool {
	return len(p.SwallowEvents) > 0
}
