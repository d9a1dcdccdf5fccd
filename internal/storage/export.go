package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"raputa-gateway/internal/raputa"
)

// ExportDataSegment 导出指定流最近 seconds 秒的数据段。
// 以最后一行的时间戳为窗口终点, 终点无法解析时回退一次到倒数第二行。
// 返回会话目录内的临时文件路径, 调用方用完负责删除。
func (s *Store) ExportDataSegment(deviceID, kind string, seconds int) (string, error) {
	folder, ok := s.SessionFolder(deviceID)
	if !ok {
		return "", fmt.Errorf("设备 %s 的会话文件夹不存在", deviceID)
	}

	src := filepath.Join(folder, kind+".csv")
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("读取 %s 失败: %w", src, err)
	}

	lines := splitLines(string(data))
	if len(lines) <= 1 {
		return "", fmt.Errorf("%s 数据不足", kind)
	}

	endTime, err := trailingTimestamp(lines)
	if err != nil {
		return "", fmt.Errorf("%s 窗口终点不可用: %w", kind, err)
	}
	startTime := endTime - int64(seconds)*1000

	out := []string{lines[0]}
	for _, line := range lines[1:] {
		ts, err := rowTimestamp(line)
		if err != nil {
			continue
		}
		if ts >= startTime && ts <= endTime {
			out = append(out, line)
		}
	}
	if len(out) <= 1 {
		return "", fmt.Errorf("最近 %d 秒没有 %s 数据", seconds, kind)
	}

	tempPath := filepath.Join(folder, fmt.Sprintf("%s_segment_%d.csv", kind, time.Now().UnixMilli()))
	if err := os.WriteFile(tempPath, []byte(strings.Join(out, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("写入数据段失败: %w", err)
	}

	raputa.LogInfo("导出数据段成功", "file", filepath.Base(tempPath), "rows", len(out)-1, "window", seconds)
	return tempPath, nil
}

// ExportAudioSegment 导出音频段。
// WAV 头在录制中尚未回填, 按整文件副本作为安全近似, 避免句柄冲突。
func (s *Store) ExportAudioSegment(deviceID string) (string, error) {
	folder, ok := s.SessionFolder(deviceID)
	if !ok {
		return "", fmt.Errorf("设备 %s 的会话文件夹不存在", deviceID)
	}

	src := filepath.Join(folder, "audio.wav")
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("音频文件不可用: %w", err)
	}
	defer in.Close()

	tempPath := filepath.Join(folder, fmt.Sprintf("audio_segment_%d.wav", time.Now().UnixMilli()))
	out, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("创建音频副本失败: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("复制音频失败: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return "", err
	}

	return tempPath, nil
}

// trailingTimestamp 取最后一行时间戳, 失败回退一次到倒数第二行
func trailingTimestamp(lines []string) (int64, error) {
	ts, err := rowTimestamp(lines[len(lines)-1])
	if err == nil {
		return ts, nil
	}

	if len(lines) > 2 {
		if ts, err2 := rowTimestamp(lines[len(lines)-2]); err2 == nil {
			raputa.LogWarn("末行时间戳不可解析, 使用倒数第二行", "err", err)
			return ts, nil
		}
	}
	return 0, err
}

// rowTimestamp 解析 CSV 行首列的毫秒时间戳
func rowTimestamp(line string) (int64, error) {
	field, _, _ := strings.Cut(line, ",")
	field = strings.Trim(strings.TrimSpace(field), `"`)
	return strconv.ParseInt(field, 10, 64)
}

func splitLines(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := raw[:0]
	for _, line := range raw {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
