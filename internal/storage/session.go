package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"raputa-gateway/internal/catalog"
	"raputa-gateway/internal/models"
	"raputa-gateway/internal/raputa"
)

// Store 会话文件存储。
// 每个设备一个会话目录 (患者id_患者姓名_时间戳), 目录下 imu.csv / gas.csv / audio.wav。
type Store struct {
	dataDir   string
	catalog   catalog.FileCatalog
	minFreeMB int

	mu       sync.Mutex
	sessions map[string]*sessionMeta
}

type sessionMeta struct {
	id          string
	folder      string
	patientID   string
	patientName string
	deviceName  string
	createdAt   time.Time

	imuWriter *csvFile
	gasWriter *csvFile
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

// NewStore 创建存储, minFreeMB 为建会话前要求的最小剩余磁盘
func NewStore(dataDir string, cat catalog.FileCatalog, minFreeMB int) *Store {
	return &Store{
		dataDir:   dataDir,
		catalog:   cat,
		minFreeMB: minFreeMB,
		sessions:  make(map[string]*sessionMeta),
	}
}

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)

// sanitize 清理文件夹名中的非法字符
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	s = unsafeChars.ReplaceAllString(s, "_")
	s = regexp.MustCompile(`\s+`).ReplaceAllString(s, "_")
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// BeginSession 登记会话元信息并创建会话目录, 返回会话 id。
// 同一设备重复登记会覆盖旧会话元信息 (调用方负责先关闭旧会话)。
func (s *Store) BeginSession(deviceID, patientID, patientName, deviceName string) (string, error) {
	if err := s.checkDiskSpace(); err != nil {
		return "", err
	}

	if patientID == "" {
		patientID = "unknown"
	}
	if patientName == "" {
		patientName = "unknown"
	}

	now := time.Now()
	folderName := fmt.Sprintf("%s_%s_%s",
		sanitize(patientID), sanitize(patientName), now.Format("20060102_150405"))
	folder := filepath.Join(s.dataDir, folderName)

	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("创建会话文件夹失败: %w", err)
	}

	meta := &sessionMeta{
		id:          uuid.NewString(),
		folder:      folder,
		patientID:   patientID,
		patientName: patientName,
		deviceName:  deviceName,
		createdAt:   now,
	}

	s.mu.Lock()
	s.sessions[deviceID] = meta
	s.mu.Unlock()

	raputa.LogInfo("创建会话文件夹", "deviceId", deviceID, "folder", folder, "sessionId", meta.id)
	return meta.id, nil
}

// checkDiskSpace 建会话前的磁盘余量检查
func (s *Store) checkDiskSpace() error {
	if s.minFreeMB <= 0 {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(s.dataDir, &stat); err != nil {
		// 统计失败不阻止会话, 只告警
		raputa.LogWarn("磁盘空间检查失败", "dir", s.dataDir, "err", err)
		return nil
	}

	freeMB := stat.Bavail * uint64(stat.Bsize) / (1 << 20)
	if freeMB < uint64(s.minFreeMB) {
		return fmt.Errorf("磁盘剩余空间不足: %dMB < %dMB", freeMB, s.minFreeMB)
	}
	return nil
}

// SessionFolder 设备当前会话目录
func (s *Store) SessionFolder(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[deviceID]
	if !ok {
		return "", false
	}
	return meta.folder, true
}

// PatientID 设备当前会话的患者 id
func (s *Store) PatientID(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.sessions[deviceID]; ok {
		return meta.patientID
	}
	return ""
}

// PatientName 设备当前会话的患者姓名
func (s *Store) PatientName(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.sessions[deviceID]; ok {
		return meta.patientName
	}
	return ""
}

// AudioPath 会话目录下的音频文件路径
func (s *Store) AudioPath(deviceID string) (string, bool) {
	folder, ok := s.SessionFolder(deviceID)
	if !ok {
		return "", false
	}
	return filepath.Join(folder, "audio.wav"), true
}

// WriteRows 追加一批行到指定流的 CSV 文件。
// 首次写入空文件时先写表头并向文件登记服务登记一次,
// 以文件为空作为登记依据而不是单独的标志位。
func (s *Store) WriteRows(deviceID, kind string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.sessions[deviceID]
	if !ok {
		return fmt.Errorf("设备 %s 无活动会话", deviceID)
	}

	var writer **csvFile
	var header []string
	switch kind {
	case "imu":
		writer, header = &meta.imuWriter, models.ImuCSVHeader
	case "gas":
		writer, header = &meta.gasWriter, models.GasCSVHeader
	default:
		return fmt.Errorf("未知数据流类型: %s", kind)
	}

	if *writer == nil {
		cf, err := s.openCSV(meta, kind+".csv", header)
		if err != nil {
			return err
		}
		*writer = cf
	}

	for _, row := range rows {
		if err := (*writer).w.Write(row); err != nil {
			return fmt.Errorf("写入 %s 数据失败: %w", kind, err)
		}
	}
	(*writer).w.Flush()
	return (*writer).w.Error()
}

// openCSV 打开 (必要时创建) 流文件, 空文件先写表头再登记
func (s *Store) openCSV(meta *sessionMeta, name string, header []string) (*csvFile, error) {
	path := filepath.Join(meta.folder, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开 %s 失败: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("检查 %s 失败: %w", name, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("写入表头失败: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, err
		}

		abs, _ := filepath.Abs(path)
		if err := s.catalog.Record(meta.patientID, abs, "csv", time.Now()); err != nil {
			raputa.LogError("登记会话文件失败", "path", abs, "err", err)
		}
		raputa.LogInfo("创建新的流数据文件", "path", path)
	}

	return &csvFile{f: f, w: w}, nil
}

// CloseWriters 关闭设备会话: 关闭 CSV 写入器, 登记已生成的音频文件, 清理元信息
func (s *Store) CloseWriters(deviceID string) error {
	s.mu.Lock()
	meta, ok := s.sessions[deviceID]
	if ok {
		delete(s.sessions, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	var firstErr error
	for _, cf := range []*csvFile{meta.imuWriter, meta.gasWriter} {
		if cf == nil {
			continue
		}
		cf.w.Flush()
		if err := cf.w.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := cf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	audioPath := filepath.Join(meta.folder, "audio.wav")
	if info, err := os.Stat(audioPath); err == nil && info.Size() > 0 {
		abs, _ := filepath.Abs(audioPath)
		if err := s.catalog.Record(meta.patientID, abs, "wav", time.Now()); err != nil {
			raputa.LogError("登记音频文件失败", "path", abs, "err", err)
		} else {
			raputa.LogInfo("登记音频文件", "path", abs)
		}
	}

	raputa.LogInfo("会话文件已保存", "deviceId", deviceID, "folder", meta.folder)
	return firstErr
}
