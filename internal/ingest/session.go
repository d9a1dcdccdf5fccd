package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"raputa-gateway/internal/audio"
	"raputa-gateway/internal/buffer"
	"raputa-gateway/internal/catalog"
	"raputa-gateway/internal/config"
	"raputa-gateway/internal/models"
	"raputa-gateway/internal/protocol"
	"raputa-gateway/internal/push"
	"raputa-gateway/internal/raputa"
	"raputa-gateway/internal/storage"
)

// 会话状态机: CONNECTING -> RECEIVING -> RECORDING -> STOPPING -> CLOSED
const (
	StateConnecting int32 = iota
	StateReceiving
	StateRecording
	StateStopping
	StateClosed
)

// Session 一台设备一次连接周期的全部状态。
// 缓冲、就绪标志、文件句柄都归本实例独占, 不跨会话共享。
type Session struct {
	DeviceID    string
	patientID   string
	patientName string
	deviceName  string
	sessionID   string

	cfg       *config.Config
	store     *storage.Store
	dec       *push.Decimator
	predictor Predictor
	checks    catalog.CheckRecordStore

	conn      net.Conn
	assembler *protocol.Assembler
	grabber   audio.Grabber

	imuBuf *buffer.Buffer[string]
	gasBuf *buffer.Buffer[string]

	state    atomic.Int32
	stopping atomic.Bool

	// 就绪门闩
	imuReady   atomic.Bool
	gasReady   atomic.Bool
	audioReady atomic.Bool
	allReady   atomic.Bool
	readyAtMs  atomic.Int64

	// 每流首条采样丢弃 (设备上电的初始化采样不可信)
	imuFirstSeen atomic.Bool
	gasFirstSeen atomic.Bool

	lastActivityMs atomic.Int64
	imuCount       atomic.Int64
	gasCount       atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed chan struct{}

	// 录制器由采集 goroutine 和停止路径共用, 同一把锁保护
	recMu           sync.Mutex
	recorder        *storage.WavRecorder
	recorderClosed  bool
	firstAudioFrame *audio.Frame

	onClosed func(deviceID string)
}

// Predictor 推理调用的最小接口, 便于测试替换
type Predictor interface {
	UploadAndPredict(audioPath, imuPath, gasPath string) (*models.PredictionResult, error)
}

// State 当前状态
func (s *Session) State() int32 {
	return s.state.Load()
}

// AllReady 三路流是否都已就绪
func (s *Session) AllReady() bool {
	return s.allReady.Load()
}

// LastActivity 最近一次成功收帧的时间
func (s *Session) LastActivity() time.Time {
	ms := s.lastActivityMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Counts 已落盘的 IMU/GAS 行数
func (s *Session) Counts() (imu, gas int64) {
	return s.imuCount.Load(), s.gasCount.Load()
}

// start 发送采集使能命令并拉起全部工作 goroutine
func (s *Session) start() error {
	cmd, err := protocol.EncodeCommand(true)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(cmd); err != nil {
		return fmt.Errorf("发送使能命令失败: %w", err)
	}

	s.state.Store(StateReceiving)

	s.wg.Add(4)
	go s.readLoop()
	go s.audioLoop()
	go s.persistLoop("imu", s.imuBuf, &s.imuCount, imuBatchSize)
	go s.persistLoop("gas", s.gasBuf, &s.gasCount, gasBatchSize)

	s.wg.Add(1)
	go s.exportLoop()

	raputa.LogInfo("会话已启动", "deviceId", s.DeviceID, "sessionId", s.sessionID)
	return nil
}

// readLoop 独占的 socket 读线程, 主控通道断开即结束会话
func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1024)
	for {
		if s.ctx.Err() != nil {
			return
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			// 每次成功读到字节都算设备存活, 与帧是否可解析无关
			s.lastActivityMs.Store(time.Now().UnixMilli())
			s.assembler.Feed(buf[:n])
		}
		if err != nil {
			if s.ctx.Err() == nil {
				raputa.LogWarn("设备连接断开", "deviceId", s.DeviceID, "err", err)
				go s.Stop(false)
			}
			return
		}
	}
}

// HandleControl 控制应答帧
func (s *Session) HandleControl(payload []byte) {
	raputa.LogDebug("设备控制响应", "deviceId", s.DeviceID, "payload", string(payload))
}

// HandleSensor 传感器数据帧。
// 同一负载可能同时带 acc 和 flow, 两路各自维护首条丢弃和就绪门闩。
func (s *Session) HandleSensor(payload []byte) {
	reading, err := models.ParseSensorReading(string(payload))
	if err != nil {
		raputa.LogWarn("解析错误, 丢弃采样", "deviceId", s.DeviceID, "err", err)
		return
	}
	ts := reading.Millis()

	if reading.Acc != nil {
		if s.imuFirstSeen.CompareAndSwap(false, true) {
			raputa.LogInfo("舍弃首条 IMU 数据", "deviceId", s.DeviceID)
		} else {
			if s.imuReady.CompareAndSwap(false, true) {
				raputa.LogInfo("IMU 数据就绪", "deviceId", s.DeviceID)
				s.checkAllReady()
			}
			if err := s.imuBuf.Put(s.ctx, string(payload)); err == nil {
				s.dec.OfferImu(s.DeviceID, ts, reading.Acc.X, reading.Acc.Y, reading.Acc.Z)
			}
		}
	}

	if reading.Flow != nil {
		if s.gasFirstSeen.CompareAndSwap(false, true) {
			raputa.LogInfo("舍弃首条 GAS 数据", "deviceId", s.DeviceID)
		} else {
			if s.gasReady.CompareAndSwap(false, true) {
				raputa.LogInfo("GAS 数据就绪", "deviceId", s.DeviceID)
				s.checkAllReady()
			}
			if err := s.gasBuf.Put(s.ctx, string(payload)); err == nil {
				s.dec.OfferGas(s.DeviceID, ts, *reading.Flow)
			}
		}
	}
}

// checkAllReady 第三个门闩翻转的那次调用独占完成一次性转换:
// 允许落盘 + 用缓存的首帧初始化音频录制器
func (s *Session) checkAllReady() {
	if !s.imuReady.Load() || !s.gasReady.Load() || !s.audioReady.Load() {
		return
	}
	if !s.allReady.CompareAndSwap(false, true) {
		return
	}

	s.readyAtMs.Store(time.Now().UnixMilli())
	s.state.CompareAndSwap(StateReceiving, StateRecording)
	raputa.LogInfo("三路数据全部就绪, 开始记录", "deviceId", s.DeviceID)

	s.initRecorder()
}

// ==================== 音频采集 ====================

// audioLoop 独立生命周期的音频拉取线程。
// 传输失败累计超过上限后本会话永久放弃音频, 不影响 IMU/GAS 记录。
func (s *Session) audioLoop() {
	defer s.wg.Done()

	failures := 0
	for failures <= config.AudioMaxRetry {
		if s.ctx.Err() != nil {
			return
		}

		if err := s.grabber.Open(s.ctx); err != nil {
			failures++
			raputa.LogWarn("打开音频流失败", "deviceId", s.DeviceID, "attempt", failures, "err", err)
			s.grabber.Close()
			if !s.sleepBackoff() {
				return
			}
			continue
		}

		err := s.grabFrames()
		s.grabber.Close()
		if err == nil {
			return // 正常停止
		}

		failures++
		raputa.LogWarn("音频流中断", "deviceId", s.DeviceID, "attempt", failures, "err", err)
		if !s.sleepBackoff() {
			return
		}
	}

	raputa.LogError("音频采集重试超限, 本会话无音频", "deviceId", s.DeviceID, "maxRetry", config.AudioMaxRetry)
}

func (s *Session) sleepBackoff() bool {
	select {
	case <-time.After(s.cfg.AudioRetryDelay()):
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) grabFrames() error {
	for {
		if s.ctx.Err() != nil {
			return nil
		}
		frame, err := s.grabber.Grab()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleAudioFrame(frame)
	}
}

// handleAudioFrame 每帧都走抽稀推送; 首帧只缓存不录制,
// 录制从三路就绪之后开始
func (s *Session) handleAudioFrame(frame *audio.Frame) {
	mono := frame.Mono()
	now := time.Now().UnixMilli()

	s.dec.OfferAudioFrame(s.DeviceID, now, mono)

	if !s.audioReady.Load() {
		s.recMu.Lock()
		if s.firstAudioFrame == nil {
			s.firstAudioFrame = frame
		}
		s.recMu.Unlock()

		if s.audioReady.CompareAndSwap(false, true) {
			raputa.LogInfo("音频数据就绪", "deviceId", s.DeviceID)
			s.checkAllReady()
		}
		return
	}

	if s.state.Load() == StateRecording {
		s.recordAudioFrame(mono)
	}
}

// initRecorder 就绪门闩翻转时从缓存首帧惰性初始化录制器,
// 使音频起点与 IMU/GAS 首次落盘对齐
func (s *Session) initRecorder() {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.recorder != nil || s.recorderClosed {
		return
	}

	path, ok := s.store.AudioPath(s.DeviceID)
	if !ok {
		raputa.LogError("会话目录缺失, 无法初始化录制器", "deviceId", s.DeviceID)
		return
	}

	rec, err := storage.NewWavRecorder(path, s.grabber.SampleRate())
	if err != nil {
		raputa.LogError("初始化音频录制器失败", "deviceId", s.DeviceID, "err", err)
		return
	}
	s.recorder = rec

	// 补写缓存的首帧
	if s.firstAudioFrame != nil {
		if err := rec.RecordFrame(s.firstAudioFrame.Mono()); err != nil {
			raputa.LogError("写入缓存音频首帧失败", "deviceId", s.DeviceID, "err", err)
		}
		s.firstAudioFrame = nil
	}

	raputa.LogInfo("音频录制器已初始化", "deviceId", s.DeviceID, "path", path)
}

func (s *Session) recordAudioFrame(mono []int) {
	s.recMu.Lock()
	rec := s.recorder
	s.recMu.Unlock()

	if rec == nil {
		return
	}
	if err := rec.RecordFrame(mono); err != nil {
		raputa.LogError("录制音频帧失败", "deviceId", s.DeviceID, "err", err)
	}
}

// ==================== 停止路径 ====================

// Stop 结束会话。幂等, 可由外部停止请求或传输断开触发。
// 并发调用全部阻塞到收尾完成, 返回时存储元信息已经释放。
// sendDisable 控制是否先给设备下发停止采集命令。
func (s *Session) Stop(sendDisable bool) error {
	if !s.stopping.CompareAndSwap(false, true) {
		<-s.closed
		return nil
	}
	s.state.Store(StateStopping)
	raputa.LogInfo("正在停止会话", "deviceId", s.DeviceID)

	if sendDisable {
		if cmd, err := protocol.EncodeCommand(false); err == nil {
			if _, err := s.conn.Write(cmd); err != nil {
				raputa.LogWarn("发送停止命令失败", "deviceId", s.DeviceID, "err", err)
			}
		}
	}

	// 取消所有循环, 读线程靠截止时间解除阻塞
	s.cancel()
	s.conn.SetReadDeadline(time.Now())

	// 有界等待, 超时也继续善后而不是挂死
	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		raputa.LogWarn("工作线程等待超时, 继续善后", "deviceId", s.DeviceID)
	}

	// 最终同步排空, 保证队列里的采样不丢
	if s.allReady.Load() {
		s.finalDrain("imu", s.imuBuf, &s.imuCount)
		s.finalDrain("gas", s.gasBuf, &s.gasCount)
	}

	// 严格顺序: 先收尾录制器(回填容器头), 再释放拉取端, 最后关 socket
	s.recMu.Lock()
	s.recorderClosed = true
	rec := s.recorder
	s.recorder = nil
	s.recMu.Unlock()
	if rec != nil {
		if err := rec.Close(); err != nil {
			raputa.LogError("关闭音频录制器失败", "deviceId", s.DeviceID, "err", err)
		}
	}
	if err := s.grabber.Close(); err != nil {
		raputa.LogWarn("关闭音频拉取端失败", "deviceId", s.DeviceID, "err", err)
	}
	if err := s.conn.Close(); err != nil {
		raputa.LogWarn("关闭设备连接失败", "deviceId", s.DeviceID, "err", err)
	}

	// 会话归档: 检查记录 + 文件登记
	if s.patientID != "" {
		rec := catalog.CheckRecord{
			PatientID:   s.patientID,
			PatientName: s.patientName,
			DeviceID:    s.DeviceID,
			DeviceName:  s.deviceName,
			CheckTime:   time.Now(),
		}
		if err := s.checks.Append(rec); err != nil {
			raputa.LogError("写入检查记录失败", "deviceId", s.DeviceID, "err", err)
		}
		if err := s.checks.MarkChecked(s.patientID); err != nil {
			raputa.LogError("标记患者已检测失败", "patientId", s.patientID, "err", err)
		}
	}

	if err := s.store.CloseWriters(s.DeviceID); err != nil {
		raputa.LogError("关闭会话文件失败", "deviceId", s.DeviceID, "err", err)
	}

	s.state.Store(StateClosed)
	imu, gas := s.Counts()
	raputa.LogInfo("会话已结束", "deviceId", s.DeviceID, "imuRows", imu, "gasRows", gas)

	if s.onClosed != nil {
		s.onClosed(s.DeviceID)
	}
	close(s.closed)
	return nil
}
