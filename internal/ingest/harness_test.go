package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"raputa-gateway/internal/audio"
	"raputa-gateway/internal/buffer"
	"raputa-gateway/internal/catalog"
	"raputa-gateway/internal/config"
	"raputa-gateway/internal/models"
	"raputa-gateway/internal/protocol"
	"raputa-gateway/internal/push"
	"raputa-gateway/internal/storage"
)

// ==================== 测试替身 ====================

type nopCatalog struct{}

func (nopCatalog) Record(patientID, absPath, fileType string, savedAt time.Time) error { return nil }

type memCheckStore struct {
	mu      sync.Mutex
	records []catalog.CheckRecord
	checked []string
}

func (s *memCheckStore) Append(rec catalog.CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memCheckStore) MarkChecked(patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = append(s.checked, patientID)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PushImu(string, int64, int, int, int)            {}
func (nopPublisher) PushGas(string, int64, int)                      {}
func (nopPublisher) PushAudio(string, int64, float32)                {}
func (nopPublisher) PushPrediction(string, *models.PredictionResult) {}

type stubPredictor struct {
	mu    sync.Mutex
	calls int
}

func (p *stubPredictor) UploadAndPredict(audioPath, imuPath, gasPath string) (*models.PredictionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &models.PredictionResult{Message: "ok"}, nil
}

// stubGrabber 测试音频源: 帧由测试主动投喂, ctx 取消时 Grab 解除阻塞
type stubGrabber struct {
	frames     chan *audio.Frame
	sampleRate int

	mu       sync.Mutex
	ctx      context.Context
	openErrs int // 先失败 N 次再成功
	opens    int
}

func newStubGrabber(sampleRate int) *stubGrabber {
	return &stubGrabber{
		frames:     make(chan *audio.Frame, 16),
		sampleRate: sampleRate,
	}
}

func (g *stubGrabber) Open(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opens++
	if g.openErrs > 0 {
		g.openErrs--
		return fmt.Errorf("stub: 音频流不可用")
	}
	g.ctx = ctx
	return nil
}

func (g *stubGrabber) Grab() (*audio.Frame, error) {
	g.mu.Lock()
	ctx := g.ctx
	g.mu.Unlock()
	if ctx == nil {
		return nil, fmt.Errorf("stub: 未打开")
	}
	select {
	case f := <-g.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *stubGrabber) SampleRate() int { return g.sampleRate }
func (g *stubGrabber) Channels() int   { return 1 }
func (g *stubGrabber) Close() error    { return nil }

// ==================== 模拟设备 ====================

// fakeDevice 回环 TCP 上的协议模拟端
type fakeDevice struct {
	ln     net.Listener
	mu     sync.Mutex
	conn   net.Conn
	gotCmd chan protocol.ControlCommand
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDevice{ln: ln, gotCmd: make(chan protocol.ControlCommand, 8)}
	t.Cleanup(func() { ln.Close(); d.closeConn() })

	go d.acceptLoop()
	return d
}

func (d *fakeDevice) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.conn = conn
		d.mu.Unlock()

		go d.readCommands(conn)
	}
}

// readCommands 解析服务端下发的控制帧
func (d *fakeDevice) readCommands(conn net.Conn) {
	asm := protocol.NewAssembler(cmdHandler{d}, nil)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			asm.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

type cmdHandler struct{ d *fakeDevice }

func (h cmdHandler) HandleControl(payload []byte) {
	var cmd protocol.ControlCommand
	if err := json.Unmarshal(payload, &cmd); err == nil {
		select {
		case h.d.gotCmd <- cmd:
		default:
		}
	}
}

func (h cmdHandler) HandleSensor(payload []byte) {}

func (d *fakeDevice) addr() string { return d.ln.Addr().String() }

func (d *fakeDevice) closeConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

// sendRaw 向服务端写任意字节
func (d *fakeDevice) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		t.Fatal("设备尚未被连接")
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("模拟设备发送失败: %v", err)
	}
}

// sendSensor 向服务端发一帧传感器数据
func (d *fakeDevice) sendSensor(t *testing.T, payload string) {
	t.Helper()
	d.sendRaw(t, protocol.EncodeFrame(config.FrameTypeSensor, []byte(payload)))
}

// sendImu 发 n 条 IMU 采样, 时间戳从 startMs 起每条 +5ms
func (d *fakeDevice) sendImu(t *testing.T, startMs int64, n int) {
	for i := 0; i < n; i++ {
		ms := startMs + int64(i)*5
		d.sendSensor(t, fmt.Sprintf(
			`{"timestamp":%d,"timestampus":%d,"acc":{"x":%d,"y":2,"z":3}}`,
			ms/1000, (ms%1000)*1000, i))
	}
}

// sendGas 发 n 条 GAS 采样, 时间戳从 startMs 起每条 +100ms
func (d *fakeDevice) sendGas(t *testing.T, startMs int64, n int) {
	for i := 0; i < n; i++ {
		ms := startMs + int64(i)*100
		d.sendSensor(t, fmt.Sprintf(
			`{"timestamp":%d,"timestampus":%d,"flow":%d}`,
			ms/1000, (ms%1000)*1000, i))
	}
}

// waitConnected 等设备侧连接建立
func (d *fakeDevice) waitConnected(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		ok := d.conn != nil
		d.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待设备连接超时")
}

// ==================== 组装 ====================

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	cfg.WriteIntervalMs = 20
	cfg.PredictDelaySec = 3600 // 默认测试里不触发预测
	cfg.PredictPeriodSec = 3600
	cfg.BufferCapacity = 1 << 14
	cfg.AudioRetryDelayMs = 10
	cfg.MinFreeDiskMB = 0
	return cfg
}

type harness struct {
	cfg     *config.Config
	store   *storage.Store
	manager *Manager
	grabber *stubGrabber
	checks  *memCheckStore
	pred    *stubPredictor
	device  *fakeDevice
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig(t)
	checks := &memCheckStore{}
	pred := &stubPredictor{}
	store := storage.NewStore(cfg.DataPath, nopCatalog{}, 0)
	grabber := newStubGrabber(48000)

	m := NewManager(cfg, store, nopPublisher{}, pred, checks)
	m.newGrabber = func(host string) audio.Grabber { return grabber }

	return &harness{
		cfg:     cfg,
		store:   store,
		manager: m,
		grabber: grabber,
		checks:  checks,
		pred:    pred,
		device:  newFakeDevice(t),
	}
}

func (h *harness) start(t *testing.T, deviceID string) {
	t.Helper()
	if err := h.manager.Start(deviceID, h.device.addr(), "p01", "测试", "gw"); err != nil {
		t.Fatal(err)
	}
	h.device.waitConnected(t)
}

// feedAudioFrame 投喂一帧 20ms 单声道音频
func (h *harness) feedAudioFrame() {
	samples := make([]int, 960)
	for i := range samples {
		samples[i] = i % 128
	}
	h.grabber.frames <- &audio.Frame{Samples: samples, Channels: 1}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

// 最小会话, 不依赖网络, 直接驱动就绪门闩
func newBareSession(t *testing.T) *Session {
	t.Helper()
	cfg := testConfig(t)
	store := storage.NewStore(cfg.DataPath, nopCatalog{}, 0)
	if _, err := store.BeginSession("dev-bare", "p01", "test", ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &Session{
		DeviceID:  "dev-bare",
		patientID: "p01",
		cfg:       cfg,
		store:     store,
		predictor: &stubPredictor{},
		checks:    &memCheckStore{},
		grabber:   newStubGrabber(48000),
		imuBuf:    buffer.New[string](cfg.BufferCapacity),
		gasBuf:    buffer.New[string](cfg.BufferCapacity),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	s.dec = push.NewDecimator(nopPublisher{},
		config.ImuPushInterval, config.GasPushInterval, config.AudioPushInterval)
	s.state.Store(StateReceiving)
	return s
}
