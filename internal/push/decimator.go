package push

import "raputa-gateway/internal/models"

// Publisher 实时推送通道, 推送失败只记日志不上抛
type Publisher interface {
	PushImu(deviceID string, ts int64, x, y, z int)
	PushGas(deviceID string, ts int64, flow int)
	PushAudio(deviceID string, ts int64, amplitude float32)
	PushPrediction(deviceID string, result *models.PredictionResult)
}

// Decimator 按流抽稀转发: IMU 每 20 条 1 条, GAS 每 2 条 1 条,
// 音频每 240 个采样 1 个 (48kHz 降到 200Hz)。
// 每路计数器只由各自的生产 goroutine 递增, 不需要加锁。
type Decimator struct {
	pub Publisher

	imuInterval   int
	gasInterval   int
	audioInterval int

	imuCount   int64
	gasCount   int64
	audioCount int64
}

// NewDecimator 创建抽稀器
func NewDecimator(pub Publisher, imuInterval, gasInterval, audioInterval int) *Decimator {
	return &Decimator{
		pub:           pub,
		imuInterval:   imuInterval,
		gasInterval:   gasInterval,
		audioInterval: audioInterval,
	}
}

// OfferImu 进一条 IMU 采样, 在第 N, 2N, 3N... 条转发
func (d *Decimator) OfferImu(deviceID string, ts int64, x, y, z int) {
	d.imuCount++
	if d.imuCount%int64(d.imuInterval) == 0 {
		d.pub.PushImu(deviceID, ts, x, y, z)
	}
}

// OfferGas 进一条 GAS 采样
func (d *Decimator) OfferGas(deviceID string, ts int64, flow int) {
	d.gasCount++
	if d.gasCount%int64(d.gasInterval) == 0 {
		d.pub.PushGas(deviceID, ts, flow)
	}
}

// OfferAudioFrame 进一帧音频采样, 按采样点计数抽稀
func (d *Decimator) OfferAudioFrame(deviceID string, ts int64, samples []int) {
	for _, sample := range samples {
		d.audioCount++
		if d.audioCount%int64(d.audioInterval) == 0 {
			d.pub.PushAudio(deviceID, ts, float32(sample)/32768)
		}
	}
}

// OfferPrediction 推理结果不抽稀, 直接转发
func (d *Decimator) OfferPrediction(deviceID string, result *models.PredictionResult) {
	d.pub.PushPrediction(deviceID, result)
}
