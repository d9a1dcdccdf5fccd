package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// 帧协议常量
	FrameHeadMagic  = 0x000055AA // 帧头魔数
	FrameTailMagic  = 0x0000AA55 // 帧尾魔数
	FrameTypeAck    = 0x01       // 控制应答帧
	FrameTypeSensor = 0x02       // 传感器数据帧
	MaxPayloadLen   = 4096       // length 字段上限
	MinFrameBytes   = 16         // 解析循环的最小字节数

	// 设备端口
	SensorPort = 6667 // 传感器数据端口
	AudioPort  = 8554 // 音频 PCM 端口

	// 采集控制
	EnableTimeoutSec = 7200 // enable 命令的设备侧超时(固件常量)

	// 推送抽稀步长
	ImuPushInterval   = 20  // IMU 每 20 条推 1 条
	GasPushInterval   = 2   // GAS 每 2 条推 1 条
	AudioPushInterval = 240 // 音频每 240 个采样推 1 个 (48kHz -> 200Hz)

	// 音频重试
	AudioMaxRetry = 5
)

var (
	// 默认配置
	Host = "0.0.0.0"
	Port = 8080
)

// Config 运行配置, 可由 YAML 文件覆盖
type Config struct {
	DataPath   string `yaml:"dataPath"`   // 会话文件根目录
	PredictURL string `yaml:"predictUrl"` // 推理服务地址

	WriteIntervalMs   int `yaml:"writeIntervalMs"`   // 批量落盘周期
	PredictDelaySec   int `yaml:"predictDelaySec"`   // 首次推理延迟
	PredictPeriodSec  int `yaml:"predictPeriodSec"`  // 推理周期
	ExportWindowSec   int `yaml:"exportWindowSec"`   // 导出窗口长度
	BufferCapacity    int `yaml:"bufferCapacity"`    // 单流缓冲容量
	AudioRetryDelayMs int `yaml:"audioRetryDelayMs"` // 音频重连间隔
	MinFreeDiskMB     int `yaml:"minFreeDiskMB"`     // 建会话前的最小剩余磁盘
}

// Default 默认运行配置
func Default() *Config {
	return &Config{
		DataPath:          "./data",
		PredictURL:        "http://127.0.0.1:5000/predict",
		WriteIntervalMs:   200,
		PredictDelaySec:   7,
		PredictPeriodSec:  5,
		ExportWindowSec:   5,
		BufferCapacity:    1 << 20,
		AudioRetryDelayMs: 500,
		MinFreeDiskMB:     64,
	}
}

// Load 从 YAML 文件加载配置, 未设置的字段保留默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// WriteInterval 批量落盘周期
func (c *Config) WriteInterval() time.Duration {
	return time.Duration(c.WriteIntervalMs) * time.Millisecond
}

// PredictDelay 首次推理延迟
func (c *Config) PredictDelay() time.Duration {
	return time.Duration(c.PredictDelaySec) * time.Second
}

// PredictPeriod 推理周期
func (c *Config) PredictPeriod() time.Duration {
	return time.Duration(c.PredictPeriodSec) * time.Second
}

// AudioRetryDelay 音频重连间隔
func (c *Config) AudioRetryDelay() time.Duration {
	return time.Duration(c.AudioRetryDelayMs) * time.Millisecond
}
