package catalog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileCatalog 会话文件登记, 每个新建文件调用一次
type FileCatalog interface {
	Record(patientID, absPath, fileType string, savedAt time.Time) error
}

// CheckRecord 一次检测的归档记录, DeviceName 记录采集仪/操作方
type CheckRecord struct {
	PatientID   string
	PatientName string
	DeviceID    string
	DeviceName  string
	CheckTime   time.Time
}

// CheckRecordStore 检测记录存储, 会话结束时追加一条并标记患者已检测
type CheckRecordStore interface {
	Append(rec CheckRecord) error
	MarkChecked(patientID string) error
}

// ==================== CSV 文件实现 ====================

// CSVFileCatalog 追加写 CSV 的文件登记实现
type CSVFileCatalog struct {
	path string
	mu   sync.Mutex
}

// NewCSVFileCatalog 创建文件登记, 记录追加到 path
func NewCSVFileCatalog(path string) *CSVFileCatalog {
	return &CSVFileCatalog{path: path}
}

// Record 追加一条文件登记
func (c *CSVFileCatalog) Record(patientID, absPath, fileType string, savedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return appendCSVRow(c.path, []string{
		patientID, absPath, fileType, savedAt.Format(time.RFC3339),
	})
}

// CSVCheckRecordStore 追加写 CSV 的检测记录实现
type CSVCheckRecordStore struct {
	recordPath  string
	checkedPath string
	mu          sync.Mutex
}

// NewCSVCheckRecordStore 创建检测记录存储
func NewCSVCheckRecordStore(dir string) *CSVCheckRecordStore {
	return &CSVCheckRecordStore{
		recordPath:  filepath.Join(dir, "check_records.csv"),
		checkedPath: filepath.Join(dir, "checked_patients.csv"),
	}
}

// Append 追加一条检测记录
func (s *CSVCheckRecordStore) Append(rec CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := rec.PatientName
	if name == "" {
		name = "未知"
	}
	return appendCSVRow(s.recordPath, []string{
		rec.PatientID, name, rec.DeviceID, rec.DeviceName, rec.CheckTime.Format(time.RFC3339),
	})
}

// MarkChecked 标记患者已检测
func (s *CSVCheckRecordStore) MarkChecked(patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return appendCSVRow(s.checkedPath, []string{
		patientID, time.Now().Format(time.RFC3339),
	})
}

func appendCSVRow(path string, row []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开登记文件失败: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("写入登记行失败: %w", err)
	}
	w.Flush()
	return w.Error()
}
