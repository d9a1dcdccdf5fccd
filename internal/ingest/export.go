package ingest

import (
	"os"
	"time"

	"raputa-gateway/internal/raputa"
)

// exportLoop 周期性的窗口导出 + 推理触发。
// 首次延迟较长等待数据积累, 之后固定周期, 只在 RECORDING 状态执行。
func (s *Session) exportLoop() {
	defer s.wg.Done()

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.cfg.PredictDelay()):
	}

	ticker := time.NewTicker(s.cfg.PredictPeriod())
	defer ticker.Stop()

	for {
		if s.state.Load() == StateRecording {
			s.performPrediction()
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// performPrediction 导出三路数据段并调用推理服务。
// 任何一路导出失败都跳过本轮, 周期内不重试; 临时文件无论成败都删除。
func (s *Session) performPrediction() {
	window := s.cfg.ExportWindowSec

	audioSeg, err := s.store.ExportAudioSegment(s.DeviceID)
	if err != nil {
		raputa.LogWarn("音频段导出失败, 跳过本次预测", "deviceId", s.DeviceID, "err", err)
		return
	}
	defer os.Remove(audioSeg)

	imuSeg, err := s.store.ExportDataSegment(s.DeviceID, "imu", window)
	if err != nil {
		raputa.LogWarn("IMU 段导出失败, 跳过本次预测", "deviceId", s.DeviceID, "err", err)
		return
	}
	defer os.Remove(imuSeg)

	gasSeg, err := s.store.ExportDataSegment(s.DeviceID, "gas", window)
	if err != nil {
		raputa.LogWarn("GAS 段导出失败, 跳过本次预测", "deviceId", s.DeviceID, "err", err)
		return
	}
	defer os.Remove(gasSeg)

	result, err := s.predictor.UploadAndPredict(audioSeg, imuSeg, gasSeg)
	if err != nil {
		raputa.LogError("模型预测失败", "deviceId", s.DeviceID, "err", err)
		return
	}

	s.dec.OfferPrediction(s.DeviceID, result)

	if result.HasSwallowEvents() {
		raputa.LogInfo("预测成功, 检测到吞咽事件", "deviceId", s.DeviceID, "events", len(result.SwallowEvents))
	} else if result.Message != "" {
		raputa.LogInfo("预测结果", "deviceId", s.DeviceID, "message", result.Message)
	}
}
