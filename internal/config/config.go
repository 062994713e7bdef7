// Package config 负责加载和验证 YAML 配置文件。
// 提供中继服务所需的所有配置项，包括监听地址、台账容量、
// 检测阈值、延迟广播参数等。
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Server HTTP/WebSocket 服务配置
	Server ServerConfig `yaml:"server"`
	// Ingest 会话接入登记配置
	Ingest IngestConfig `yaml:"ingest"`
	// Detector 空间事故检测配置
	Detector DetectorConfig `yaml:"detector"`
	// Broadcast 延迟广播配置
	Broadcast BroadcastConfig `yaml:"broadcast"`
	// Lanes 会话处理通道配置
	Lanes LanesConfig `yaml:"lanes"`
	// Output 审计输出配置
	Output OutputConfig `yaml:"output"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// ServerConfig HTTP/WebSocket 服务配置
type ServerConfig struct {
	// ListenAddr 监听地址，如 :8090
	ListenAddr string `yaml:"listen_addr"`
	// ReadTimeoutMs 读取超时（毫秒）
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
}

// IngestConfig 会话接入登记配置
type IngestConfig struct {
	// LedgerCapacity 各分类事件台账容量
	LedgerCapacity int `yaml:"ledger_capacity"`
	// DriftWarnMs 漂移告警阈值（毫秒），|drift| 超过该值才升级为告警
	DriftWarnMs int64 `yaml:"drift_warn_ms"`
	// DriftP95MinSamples p95 计算的最小样本数
	DriftP95MinSamples int `yaml:"drift_p95_min_samples"`
	// IdleTimeoutMs 会话空闲超时（毫秒），超时视为隐式结束
	IdleTimeoutMs int64 `yaml:"idle_timeout_ms"`
	// RateWindowMs 瞬时速率统计窗口（毫秒）
	RateWindowMs int64 `yaml:"rate_window_ms"`
}

// DetectorConfig 空间事故检测配置
type DetectorConfig struct {
	// ProximityPct 配对裁剪阈值（圈程百分比），超过则跳过精确几何计算
	ProximityPct float64 `yaml:"proximity_pct"`
	// ThreeWideBandM 三车并行的纵向带宽（米）
	// 源实现对带宽未作明确规定，这里作为可配置阈值暴露。
	ThreeWideBandM float64 `yaml:"three_wide_band_m"`
	// ClosingAnomalyMs 接近速率异常阈值（m/s）
	ClosingAnomalyMs float64 `yaml:"closing_anomaly_ms"`
	// StaleTimeoutMs 车辆失联超时（毫秒），超时后配对状态复位
	StaleTimeoutMs int64 `yaml:"stale_timeout_ms"`
}

// BroadcastConfig 延迟广播配置
type BroadcastConfig struct {
	// DefaultDelayMs 默认广播延迟（毫秒）
	DefaultDelayMs int64 `yaml:"default_delay_ms"`
	// MaxDelayMs 延迟上限（毫秒），超出请求被钳制
	MaxDelayMs int64 `yaml:"max_delay_ms"`
	// TickMs 释放调度器扫描周期（毫秒）
	TickMs int `yaml:"tick_ms"`
	// MaxPending 单会话待释放消息上限，超出时丢弃最旧未释放消息
	MaxPending int `yaml:"max_pending"`
	// RedactFields 释放前从载荷中脱敏移除的顶层字段
	RedactFields []string `yaml:"redact_fields"`
}

// LanesConfig 会话处理通道配置
// 按 sessionId 哈希分片，保证同一会话的状态只有单一写者。
type LanesConfig struct {
	// Count 通道数量
	Count int `yaml:"count"`
	// QueueSize 单通道输入队列大小
	QueueSize int `yaml:"queue_size"`
}

// OutputConfig 审计输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// CandidatesEnabled 是否输出事故候选文件
	CandidatesEnabled bool `yaml:"candidates_enabled"`
	// StatsEnabled 是否输出中继统计快照文件
	StatsEnabled bool `yaml:"stats_enabled"`
	// StatsIntervalMs 统计快照输出间隔（毫秒）
	StatsIntervalMs int `yaml:"stats_interval_ms"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SetDefaults 设置配置默认值
func (c *Config) SetDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pitbox-relay"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 30000 // 30 秒
	}

	if c.Ingest.LedgerCapacity == 0 {
		c.Ingest.LedgerCapacity = 500
	}
	if c.Ingest.DriftWarnMs == 0 {
		c.Ingest.DriftWarnMs = 5000 // 5 秒
	}
	if c.Ingest.DriftP95MinSamples == 0 {
		c.Ingest.DriftP95MinSamples = 10
	}
	if c.Ingest.IdleTimeoutMs == 0 {
		c.Ingest.IdleTimeoutMs = 120000 // 2 分钟
	}
	if c.Ingest.RateWindowMs == 0 {
		c.Ingest.RateWindowMs = 60000 // 60 秒
	}

	if c.Detector.ProximityPct == 0 {
		c.Detector.ProximityPct = 0.01
	}
	if c.Detector.ThreeWideBandM == 0 {
		c.Detector.ThreeWideBandM = 10
	}
	if c.Detector.ClosingAnomalyMs == 0 {
		c.Detector.ClosingAnomalyMs = 15
	}
	if c.Detector.StaleTimeoutMs == 0 {
		c.Detector.StaleTimeoutMs = 3000 // 3 秒
	}

	if c.Broadcast.MaxDelayMs == 0 {
		c.Broadcast.MaxDelayMs = 60000 // 60 秒
	}
	if c.Broadcast.TickMs == 0 {
		c.Broadcast.TickMs = 100
	}
	if c.Broadcast.MaxPending == 0 {
		c.Broadcast.MaxPending = 2048
	}

	if c.Lanes.Count == 0 {
		c.Lanes.Count = 8
	}
	if c.Lanes.QueueSize == 0 {
		c.Lanes.QueueSize = 1024
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.StatsIntervalMs == 0 {
		c.Output.StatsIntervalMs = 10000 // 10 秒
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
}

// Validate 验证配置合法性
// 内部不变量违例（容量为 0、负延迟等）在加载期快速失败，
// 而不是留到运行期逐帧暴露。
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	if c.Ingest.LedgerCapacity <= 0 {
		errs = append(errs, "ingest.ledger_capacity: 台账容量必须为正数")
	}
	if c.Ingest.DriftWarnMs < 0 {
		errs = append(errs, "ingest.drift_warn_ms: 漂移告警阈值不能为负数")
	}
	if c.Ingest.DriftP95MinSamples <= 0 {
		errs = append(errs, "ingest.drift_p95_min_samples: 最小样本数必须为正数")
	}
	if c.Ingest.IdleTimeoutMs <= 0 {
		errs = append(errs, "ingest.idle_timeout_ms: 空闲超时必须为正数")
	}
	if c.Ingest.RateWindowMs <= 0 {
		errs = append(errs, "ingest.rate_window_ms: 速率窗口必须为正数")
	}

	if c.Detector.ProximityPct <= 0 || c.Detector.ProximityPct >= 0.5 {
		errs = append(errs, "detector.proximity_pct: 裁剪阈值必须在 (0, 0.5) 之间")
	}
	if c.Detector.ThreeWideBandM <= 0 {
		errs = append(errs, "detector.three_wide_band_m: 纵向带宽必须为正数")
	}
	if c.Detector.ClosingAnomalyMs <= 0 {
		errs = append(errs, "detector.closing_anomaly_ms: 接近速率阈值必须为正数")
	}
	if c.Detector.StaleTimeoutMs <= 0 {
		errs = append(errs, "detector.stale_timeout_ms: 失联超时必须为正数")
	}

	if c.Broadcast.DefaultDelayMs < 0 {
		errs = append(errs, "broadcast.default_delay_ms: 默认延迟不能为负数")
	}
	if c.Broadcast.MaxDelayMs <= 0 {
		errs = append(errs, "broadcast.max_delay_ms: 延迟上限必须为正数")
	}
	if c.Broadcast.DefaultDelayMs > c.Broadcast.MaxDelayMs {
		errs = append(errs, "broadcast.default_delay_ms: 默认延迟不能超过上限")
	}
	if c.Broadcast.TickMs <= 0 {
		errs = append(errs, "broadcast.tick_ms: 调度周期必须为正数")
	}
	if c.Broadcast.MaxPending <= 0 {
		errs = append(errs, "broadcast.max_pending: 待释放上限必须为正数")
	}

	if c.Lanes.Count <= 0 {
		errs = append(errs, "lanes.count: 通道数量必须为正数")
	}
	if c.Lanes.QueueSize <= 0 {
		errs = append(errs, "lanes.queue_size: 队列大小必须为正数")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
