// Package config 配置加载测试
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写临时配置失败: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
app:
  name: test-relay
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 失败: %v", err)
	}

	if cfg.App.Name != "test-relay" {
		t.Fatalf("App.Name=%q", cfg.App.Name)
	}
	if cfg.App.LogLevel != "info" {
		t.Fatalf("默认日志级别=%q, want info", cfg.App.LogLevel)
	}
	if cfg.Ingest.LedgerCapacity != 500 {
		t.Fatalf("默认台账容量=%d, want 500", cfg.Ingest.LedgerCapacity)
	}
	if cfg.Ingest.DriftWarnMs != 5000 {
		t.Fatalf("默认漂移告警阈值=%d, want 5000", cfg.Ingest.DriftWarnMs)
	}
	if cfg.Ingest.DriftP95MinSamples != 10 {
		t.Fatalf("默认 p95 最小样本数=%d, want 10", cfg.Ingest.DriftP95MinSamples)
	}
	if cfg.Broadcast.MaxDelayMs != 60000 {
		t.Fatalf("默认延迟上限=%d, want 60000", cfg.Broadcast.MaxDelayMs)
	}
	if cfg.Broadcast.TickMs != 100 {
		t.Fatalf("默认调度周期=%d, want 100", cfg.Broadcast.TickMs)
	}
	if cfg.Lanes.Count != 8 {
		t.Fatalf("默认通道数=%d, want 8", cfg.Lanes.Count)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("不存在的文件应返回错误")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "app: [broken")
	if _, err := Load(path); err == nil {
		t.Fatal("非法 YAML 应返回错误")
	}
}

func TestValidate_FailFast(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantSub string
	}{
		{
			name:    "台账容量为负",
			mutate:  func(c *Config) { c.Ingest.LedgerCapacity = -1 },
			wantSub: "ledger_capacity",
		},
		{
			name:    "调度周期为负",
			mutate:  func(c *Config) { c.Broadcast.TickMs = -5 },
			wantSub: "tick_ms",
		},
		{
			name:    "默认延迟超过上限",
			mutate:  func(c *Config) { c.Broadcast.DefaultDelayMs = 90000 },
			wantSub: "default_delay_ms",
		},
		{
			name:    "裁剪阈值越界",
			mutate:  func(c *Config) { c.Detector.ProximityPct = 0.7 },
			wantSub: "proximity_pct",
		},
		{
			name:    "非法日志级别",
			mutate:  func(c *Config) { c.App.LogLevel = "verbose" },
			wantSub: "log_level",
		},
		{
			name:    "通道数为负",
			mutate:  func(c *Config) { c.Lanes.Count = -2 },
			wantSub: "lanes.count",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("应返回验证错误")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("错误信息 %q 未包含 %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	cfg.Ingest.LedgerCapacity = -1
	cfg.Broadcast.MaxPending = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("应返回验证错误")
	}
	if !strings.Contains(err.Error(), "ledger_capacity") || !strings.Contains(err.Error(), "max_pending") {
		t.Fatalf("应汇总全部错误: %q", err.Error())
	}
}
