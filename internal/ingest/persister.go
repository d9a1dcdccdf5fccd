package ingest

import (
	"sync/atomic"
	"time"

	"raputa-gateway/internal/buffer"
	"raputa-gateway/internal/models"
	"raputa-gateway/internal/raputa"
)

// imuBatchSize 按积压量分级的 IMU 单次落盘量
func imuBatchSize(depth int) int {
	switch {
	case depth > 2000:
		return 1500
	case depth > 1500:
		return 1000
	default:
		return 400
	}
}

// gasBatchSize 按积压量分级的 GAS 单次落盘量
func gasBatchSize(depth int) int {
	switch {
	case depth > 100:
		return 40
	case depth > 50:
		return 30
	default:
		return 20
	}
}

// persistLoop 定周期把缓冲批量落盘。
// 三路就绪前整个 tick 跳过 (积压保留不丢弃), 就绪后从积压开始追平。
func (s *Session) persistLoop(kind string, buf *buffer.Buffer[string], count *atomic.Int64, batchSize func(int) int) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WriteInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.allReady.Load() {
			continue
		}

		depth := buf.Len()
		batch := batchSize(depth)
		if depth > batch {
			raputa.LogWarn("缓冲区积压, 提升单次处理量", "deviceId", s.DeviceID, "kind", kind, "depth", depth, "batch", batch)
		}
		s.drainToCSV(kind, buf, count, batch)
	}
}

// finalDrain 停止路径上的同步排空, 不限量
func (s *Session) finalDrain(kind string, buf *buffer.Buffer[string], count *atomic.Int64) {
	n := s.drainToCSV(kind, buf, count, 0)
	if n > 0 {
		raputa.LogInfo("保存剩余缓冲数据", "deviceId", s.DeviceID, "kind", kind, "rows", n)
	}
}

// drainToCSV 非阻塞取出至多 max 条 (max<=0 为全部), 解析后一次写入。
// 解析失败的条目跳过, 不影响计数之外的任何状态。
func (s *Session) drainToCSV(kind string, buf *buffer.Buffer[string], count *atomic.Int64, max int) int {
	entries := buf.Drain(max)
	if len(entries) == 0 {
		return 0
	}

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		reading, err := models.ParseSensorReading(entry)
		if err != nil {
			raputa.LogWarn("跳过不可解析的采样", "deviceId", s.DeviceID, "kind", kind, "err", err)
			continue
		}

		var row []string
		if kind == "imu" {
			row = reading.ImuCSVRow()
		} else {
			row = reading.GasCSVRow()
		}
		if row == nil {
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return 0
	}
	if err := s.store.WriteRows(s.DeviceID, kind, rows); err != nil {
		// 落盘失败只记日志, 下个 tick 继续尽力写
		raputa.LogError("批量落盘失败", "deviceId", s.DeviceID, "kind", kind, "err", err)
		return 0
	}
	count.Add(int64(len(rows)))
	return len(rows)
}
