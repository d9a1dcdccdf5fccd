package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
dataPath: /tmp/sessions
writeIntervalMs: 100
predictDelaySec: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataPath != "/tmp/sessions" {
		t.Errorf("DataPath = %q", cfg.DataPath)
	}
	if cfg.WriteIntervalMs != 100 {
		t.Errorf("WriteIntervalMs = %d", cfg.WriteIntervalMs)
	}
	if cfg.PredictDelaySec != 10 {
		t.Errorf("PredictDelaySec = %d", cfg.PredictDelaySec)
	}

	// 未设置的字段保留默认值
	def := Default()
	if cfg.PredictURL != def.PredictURL {
		t.Errorf("PredictURL = %q, want 默认值 %q", cfg.PredictURL, def.PredictURL)
	}
	if cfg.PredictPeriodSec != def.PredictPeriodSec {
		t.Errorf("PredictPeriodSec = %d, want %d", cfg.PredictPeriodSec, def.PredictPeriodSec)
	}
	if cfg.ExportWindowSec != def.ExportWindowSec {
		t.Errorf("ExportWindowSec = %d, want %d", cfg.ExportWindowSec, def.ExportWindowSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("缺失文件应报错")
	}
}

func TestLoadMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("dataPath: [broken"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("坏 YAML 应报错")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		WriteIntervalMs:   200,
		PredictDelaySec:   7,
		PredictPeriodSec:  5,
		AudioRetryDelayMs: 500,
	}
	if cfg.WriteInterval() != 200*time.Millisecond {
		t.Errorf("WriteInterval = %v", cfg.WriteInterval())
	}
	if cfg.PredictDelay() != 7*time.Second {
		t.Errorf("PredictDelay = %v", cfg.PredictDelay())
	}
	if cfg.PredictPeriod() != 5*time.Second {
		t.Errorf("PredictPeriod = %v", cfg.PredictPeriod())
	}
	if cfg.AudioRetryDelay() != 500*time.Millisecond {
		t.Errorf("AudioRetryDelay = %v", cfg.AudioRetryDelay())
	}
}
