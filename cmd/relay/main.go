// Package main 是车场遥测中继服务的入口点。
// 接收中继客户端上行的遥测/事件流，做会话记账、空间事故检测，
// 并经防偷窥延迟缓冲向观赛订阅者再发射。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pitbox-relay/internal/broadcast"
	"pitbox-relay/internal/config"
	"pitbox-relay/internal/ingest"
	"pitbox-relay/internal/output/jsonl"
	"pitbox-relay/internal/pipeline"
	"pitbox-relay/internal/relay"
	"pitbox-relay/internal/tap"
	"pitbox-relay/internal/util/timeutil"
)

// statsSnapshot 周期性写入审计文件的中继统计快照
type statsSnapshot struct {
	// TsMs 采集时间（毫秒）
	TsMs int64 `json:"tsMs"`
	// Stats 全局累计统计
	Stats tap.RelayStats `json:"stats"`
	// Rates 瞬时接入速率
	Rates tap.IngestRates `json:"rates"`
	// Hottest 热度排名（标识已脱敏）
	Hottest []tap.HotSession `json:"hottest"`
	// Delivered 累计投递成功消息数
	Delivered int64 `json:"delivered"`
	// SlowDrops 累计慢消费者丢弃数
	SlowDrops int64 `json:"slowDrops"`
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	var candidatesWriter *jsonl.Writer
	var statsWriter *jsonl.Writer
	if cfg.Output.CandidatesEnabled {
		candidatesWriter, err = jsonl.NewWriter(fmt.Sprintf("%s/candidates.jsonl", cfg.Output.Dir), cfg.Output.BufferSize)
		if err != nil {
			logger.Error("创建 candidates writer 失败", zap.Error(err))
			os.Exit(1)
		}
	}
	if cfg.Output.StatsEnabled {
		statsWriter, err = jsonl.NewWriter(fmt.Sprintf("%s/relay_stats.jsonl", cfg.Output.Dir), cfg.Output.BufferSize)
		if err != nil {
			logger.Error("创建 stats writer 失败", zap.Error(err))
			os.Exit(1)
		}
	}

	// 核心组件：台账 -> 登记处 -> 延迟缓冲/枢纽 -> 管线 -> 接入服务
	ledgers := ingest.NewLedgers(cfg.Ingest.LedgerCapacity)
	registry := ingest.NewRegistry(cfg.Ingest, ledgers, logger)
	buffer := broadcast.New(cfg.Broadcast, registry, logger)
	hub := broadcast.NewHub(logger)
	relayTap := tap.New(registry, ledgers, logger)

	pipe := pipeline.New(cfg.Lanes, cfg.Detector, cfg.Ingest.IdleTimeoutMs,
		registry, buffer, hub, candidatesWriter, logger)

	server := relay.NewServer(cfg.Server, pipe, hub, buffer, ledgers, relayTap.Handler(), logger)

	go pipe.Run(ctx)
	go buffer.Run(ctx, hub.Deliver)
	go runStatsLoop(ctx, relayTap, hub, statsWriter, cfg.Output.StatsIntervalMs)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("接入服务退出", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()

	// 输出最后一条统计快照（便于离线复盘）
	if statsWriter != nil {
		_ = statsWriter.Write(buildSnapshot(relayTap, hub))
		_ = statsWriter.Flush()
	}

	// 优雅关闭（10s 超时）；延迟队列残留直接丢弃，遥测天然易腐
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Shutdown(shutdownCtx)
		if candidatesWriter != nil {
			_ = candidatesWriter.Close()
		}
		if statsWriter != nil {
			_ = statsWriter.Close()
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
}

// runStatsLoop 周期性写统计快照到审计文件
func runStatsLoop(ctx context.Context, relayTap *tap.Tap, hub *broadcast.Hub, w *jsonl.Writer, intervalMs int) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.Write(buildSnapshot(relayTap, hub))
			_ = w.Flush()
		}
	}
}

func buildSnapshot(relayTap *tap.Tap, hub *broadcast.Hub) statsSnapshot {
	nowMs := timeutil.NowMs()
	return statsSnapshot{
		TsMs:      nowMs,
		Stats:     relayTap.RelayStats(),
		Rates:     relayTap.IngestRates(nowMs),
		Hottest:   relayTap.HottestSessions(10, nowMs),
		Delivered: hub.DeliveredCount(),
		SlowDrops: hub.SlowDropCount(),
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
