package ingest

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"raputa-gateway/internal/audio"
	"raputa-gateway/internal/buffer"
	"raputa-gateway/internal/catalog"
	"raputa-gateway/internal/config"
	"raputa-gateway/internal/protocol"
	"raputa-gateway/internal/push"
	"raputa-gateway/internal/raputa"
	"raputa-gateway/internal/storage"
)

// Manager 设备 id 到活动会话的唯一注册表。
// 同一设备重复启动按先停后起替换, 避免孤儿写入器和重复文件句柄。
type Manager struct {
	cfg       *config.Config
	store     *storage.Store
	pub       push.Publisher
	predictor Predictor
	checks    catalog.CheckRecordStore

	// 可注入的传输构造, 测试用回环实现替换
	dial       func(ctx context.Context, addr string) (net.Conn, error)
	newGrabber func(host string) audio.Grabber

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager 创建会话管理器
func NewManager(cfg *config.Config, store *storage.Store, pub push.Publisher, predictor Predictor, checks catalog.CheckRecordStore) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		pub:       pub,
		predictor: predictor,
		checks:    checks,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		newGrabber: func(host string) audio.Grabber {
			return audio.NewTCPGrabber(
				net.JoinHostPort(host, fmt.Sprintf("%d", config.AudioPort)), 48000, 1)
		},
		sessions: make(map[string]*Session),
	}
}

// sensorAddr 设备传感器端口地址, host 自带端口时原样使用
func sensorAddr(host string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, config.SensorPort)
}

// Start 为设备建立新会话。已有会话先停止再替换。
func (m *Manager) Start(deviceID, host, patientID, patientName, deviceName string) error {
	if old := m.get(deviceID); old != nil {
		raputa.LogInfo("设备已有活动会话, 先停止再替换", "deviceId", deviceID)
		// Stop 等到旧会话完全关闭才返回, 在途的自停流程不会
		// 清掉接下来新登记的存储元信息
		old.Stop(true)
	}

	sessionID, err := m.store.BeginSession(deviceID, patientID, patientName, deviceName)
	if err != nil {
		return fmt.Errorf("登记会话失败: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := m.dial(dialCtx, sensorAddr(host))
	dialCancel()
	if err != nil {
		m.store.CloseWriters(deviceID)
		return fmt.Errorf("连接设备失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		DeviceID:    deviceID,
		patientID:   patientID,
		patientName: patientName,
		deviceName:  deviceName,
		sessionID:   sessionID,
		cfg:         m.cfg,
		store:       m.store,
		predictor:   m.predictor,
		checks:      m.checks,
		conn:        conn,
		grabber:     m.newGrabber(hostOnly(host)),
		imuBuf:      buffer.New[string](m.cfg.BufferCapacity),
		gasBuf:      buffer.New[string](m.cfg.BufferCapacity),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		onClosed:    m.remove,
	}
	s.dec = push.NewDecimator(m.pub,
		config.ImuPushInterval, config.GasPushInterval, config.AudioPushInterval)
	s.assembler = protocol.NewAssembler(s, func(ts time.Time) {
		s.lastActivityMs.Store(ts.UnixMilli())
	})

	if err := s.start(); err != nil {
		cancel()
		conn.Close()
		m.store.CloseWriters(deviceID)
		return err
	}

	m.mu.Lock()
	m.sessions[deviceID] = s
	m.mu.Unlock()
	return nil
}

// hostOnly 去掉 host 里携带的端口 (音频端口独立)
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Stop 停止设备会话, 设备不存在返回 false
func (m *Manager) Stop(deviceID string) bool {
	s := m.get(deviceID)
	if s == nil {
		return false
	}
	s.Stop(true)
	return true
}

// StopAll 停止全部会话 (进程退出路径)
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Stop(true)
	}
}

// SendControl 向已连接设备下发采集使能/停止命令
func (m *Manager) SendControl(deviceID string, enable bool) error {
	s := m.get(deviceID)
	if s == nil {
		return fmt.Errorf("设备 %s 未连接", deviceID)
	}
	cmd, err := protocol.EncodeCommand(enable)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(cmd); err != nil {
		return fmt.Errorf("发送控制命令失败: %w", err)
	}
	return nil
}

// IsConnected 设备是否有活动会话
func (m *Manager) IsConnected(deviceID string) bool {
	s := m.get(deviceID)
	return s != nil && s.State() != StateClosed
}

// Devices 当前有活动会话的设备列表
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status 设备会话状态快照
func (m *Manager) Status(deviceID string) (map[string]any, bool) {
	s := m.get(deviceID)
	if s == nil {
		return nil, false
	}
	imu, gas := s.Counts()
	return map[string]any{
		"deviceId":     s.DeviceID,
		"state":        s.State(),
		"allReady":     s.AllReady(),
		"imuRows":      imu,
		"gasRows":      gas,
		"lastActivity": s.LastActivity(),
	}, true
}

// Session 取活动会话 (状态查询用)
func (m *Manager) Session(deviceID string) *Session {
	return m.get(deviceID)
}

func (m *Manager) get(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[deviceID]
}

// remove 会话结束回调。只移除仍指向该会话的注册项,
// 替换场景下新会话不受旧会话迟到的回调影响。
func (m *Manager) remove(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[deviceID]; ok && s.State() == StateClosed {
		delete(m.sessions, deviceID)
	}
}
