package raputa

import (
	"log/slog"
	"os"
	"sync"
)

var (
	logger    *slog.Logger
	loggerMu  sync.RWMutex
	debugMode bool
)

func init() {
	// RAPUTA_DEBUG 环境变量可在进程启动前打开调试日志
	debugMode = os.Getenv("RAPUTA_DEBUG") != ""
	logger = slog.New(newHandler(debugMode))
}

func newHandler(debug bool) slog.Handler {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
}

// SetDebugMode 设置调试模式
func SetDebugMode(enabled bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	debugMode = enabled
	logger = slog.New(newHandler(enabled))
}

// IsDebugMode 是否调试模式
func IsDebugMode() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return debugMode
}

func current() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// LogDebug 调试日志
func LogDebug(msg string, args ...any) {
	current().Debug(msg, args...)
}

// LogInfo 信息日志
func LogInfo(msg string, args ...any) {
	current().Info(msg, args...)
}

// LogWarn 警告日志
func LogWarn(msg string, args ...any) {
	current().Warn(msg, args...)
}

// LogError 错误日志
func LogError(msg string, args ...any) {
	current().Error(msg, args...)
}
