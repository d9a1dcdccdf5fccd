package push

import (
	"testing"

	"raputa-gateway/internal/models"
)

type countingPublisher struct {
	imu         []int64
	gas         []int64
	audio       []float32
	predictions int
}

func (p *countingPublisher) PushImu(deviceID string, ts int64, x, y, z int) {
	p.imu = append(p.imu, ts)
}

func (p *countingPublisher) PushGas(deviceID string, ts int64, flow int) {
	p.gas = append(p.gas, ts)
}

func (p *countingPublisher) PushAudio(deviceID string, ts int64, amplitude float32) {
	p.audio = append(p.audio, amplitude)
}

func (p *countingPublisher) PushPrediction(deviceID string, result *models.PredictionResult) {
	p.predictions++
}

func TestDecimatorImuForwardsEveryTwentieth(t *testing.T) {
	pub := &countingPublisher{}
	d := NewDecimator(pub, 20, 2, 240)

	const n = 105
	for i := 1; i <= n; i++ {
		d.OfferImu("dev-1", int64(i), 0, 0, 0)
	}

	// floor(105/20) = 5, 位置 20,40,60,80,100
	if len(pub.imu) != 5 {
		t.Fatalf("转发数 = %d, want 5", len(pub.imu))
	}
	for i, ts := range pub.imu {
		want := int64((i + 1) * 20)
		if ts != want {
			t.Errorf("第 %d 次转发位置 = %d, want %d", i+1, ts, want)
		}
	}
}

func TestDecimatorGasForwardsEverySecond(t *testing.T) {
	pub := &countingPublisher{}
	d := NewDecimator(pub, 20, 2, 240)

	for i := 1; i <= 7; i++ {
		d.OfferGas("dev-1", int64(i), i)
	}

	if len(pub.gas) != 3 {
		t.Fatalf("转发数 = %d, want 3", len(pub.gas))
	}
	if pub.gas[0] != 2 || pub.gas[1] != 4 || pub.gas[2] != 6 {
		t.Errorf("转发位置 = %v", pub.gas)
	}
}

func TestDecimatorAudioCountsAcrossFrames(t *testing.T) {
	pub := &countingPublisher{}
	d := NewDecimator(pub, 20, 2, 240)

	// 跨帧累计: 3 帧各 100 个采样, 共 300 -> floor(300/240) = 1 次转发
	frame := make([]int, 100)
	for i := 0; i < 3; i++ {
		d.OfferAudioFrame("dev-1", int64(i), frame)
	}
	if len(pub.audio) != 1 {
		t.Fatalf("转发数 = %d, want 1", len(pub.audio))
	}

	// 再补 180 个, 累计 480 -> 第二次转发
	d.OfferAudioFrame("dev-1", 3, make([]int, 180))
	if len(pub.audio) != 2 {
		t.Fatalf("转发数 = %d, want 2", len(pub.audio))
	}
}

func TestDecimatorAudioAmplitudeScaling(t *testing.T) {
	pub := &countingPublisher{}
	d := NewDecimator(pub, 20, 2, 4)

	d.OfferAudioFrame("dev-1", 1, []int{0, 0, 0, 16384})
	if len(pub.audio) != 1 {
		t.Fatal("应转发 1 个采样")
	}
	if pub.audio[0] != 0.5 {
		t.Errorf("amplitude = %v, want 0.5", pub.audio[0])
	}
}

func TestDecimatorPredictionPassThrough(t *testing.T) {
	pub := &countingPublisher{}
	d := NewDecimator(pub, 20, 2, 240)

	d.OfferPrediction("dev-1", &models.PredictionResult{Message: "ok"})
	d.OfferPrediction("dev-1", nil)

	if pub.predictions != 2 {
		t.Errorf("转发数 = %d, want 2", pub.predictions)
	}
}
