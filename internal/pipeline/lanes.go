// Package pipeline 实现按会话哈希分片的处理通道。
// 同一会话的全部消息路由到同一通道，保证会话状态单写者与帧序一致；
// 通道输入有界，满载丢弃并记账，绝不反压 websocket 读循环。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"pitbox-relay/internal/broadcast"
	"pitbox-relay/internal/config"
	"pitbox-relay/internal/core/model"
	"pitbox-relay/internal/detector"
	"pitbox-relay/internal/ingest"
	"pitbox-relay/internal/output/jsonl"
	"pitbox-relay/internal/relay"
	"pitbox-relay/internal/util/timeutil"
)

// jobKind 通道任务类型
type jobKind int

const (
	// jobMessage 入站消息处理
	jobMessage jobKind = iota
	// jobEnd 会话结束（显式或空闲超时）
	jobEnd
)

// job 通道任务
type job struct {
	kind        jobKind
	sessionID   string
	data        []byte
	arrivedAtMs int64
	// idle jobEnd 时标记是否为空闲超时
	idle bool
}

// lane 单处理通道
// detectors 只由本通道 goroutine 访问，无锁。
type lane struct {
	in        chan job
	detectors map[string]*detector.Detector
}

// Pipeline 会话处理管线
type Pipeline struct {
	cfg    config.LanesConfig
	detCfg config.DetectorConfig
	logger *zap.Logger

	registry *ingest.Registry
	buffer   *broadcast.DelayBuffer
	hub      *broadcast.Hub
	// candidates 事故候选审计输出（可为 nil）
	candidates *jsonl.Writer

	idleTimeoutMs int64
	lanes         []*lane
	wg            sync.WaitGroup
}

// New 创建处理管线
// 参数 hub: 分发枢纽，会话结束时关闭其订阅者（可为 nil）
// 参数 candidates: 事故候选审计输出（可为 nil 表示关闭）
func New(
	cfg config.LanesConfig,
	detCfg config.DetectorConfig,
	idleTimeoutMs int64,
	registry *ingest.Registry,
	buffer *broadcast.DelayBuffer,
	hub *broadcast.Hub,
	candidates *jsonl.Writer,
	logger *zap.Logger,
) *Pipeline {
	p := &Pipeline{
		cfg:           cfg,
		detCfg:        detCfg,
		logger:        logger.Named("pipeline"),
		registry:      registry,
		buffer:        buffer,
		hub:           hub,
		candidates:    candidates,
		idleTimeoutMs: idleTimeoutMs,
		lanes:         make([]*lane, cfg.Count),
	}
	for i := range p.lanes {
		p.lanes[i] = &lane{
			in:        make(chan job, cfg.QueueSize),
			detectors: make(map[string]*detector.Detector),
		}
	}
	return p
}

// Submit 提交一条原始入站消息
// 参数 arrivedAtMs: 服务端接收时间（毫秒）
// 返回 false 表示消息被丢弃（信封非法或通道满载）。
// 只做信封窥探用于路由，完整校验在通道内完成。
func (p *Pipeline) Submit(data []byte, arrivedAtMs int64) bool {
	env, err := relay.PeekEnvelope(data)
	if err != nil {
		reason := "bad_json"
		var pe *relay.ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		p.registry.RecordInvalidPayload("", reason, arrivedAtMs)
		return false
	}

	ln := p.laneFor(env.SessionID)
	select {
	case ln.in <- job{kind: jobMessage, sessionID: env.SessionID, data: data, arrivedAtMs: arrivedAtMs}:
		return true
	default:
		p.registry.RecordDrop(env.SessionID, "lane_queue_full", arrivedAtMs)
		return false
	}
}

// EndSession 将会话结束信号路由到其所属通道
func (p *Pipeline) EndSession(sessionID string, idle bool, nowMs int64) bool {
	ln := p.laneFor(sessionID)
	select {
	case ln.in <- job{kind: jobEnd, sessionID: sessionID, arrivedAtMs: nowMs, idle: idle}:
		return true
	default:
		// 通道满载时放弃本轮，空闲清扫下一轮会重试
		return false
	}
}

// Run 启动全部通道与空闲清扫器，阻塞直到 ctx 取消
func (p *Pipeline) Run(ctx context.Context) {
	for i, ln := range p.lanes {
		p.wg.Add(1)
		go p.runLane(ctx, i, ln)
	}

	p.wg.Add(1)
	go p.runIdleSweeper(ctx)

	p.wg.Wait()
	p.logger.Info("处理管线已退出")
}

// runLane 单通道处理循环
func (p *Pipeline) runLane(ctx context.Context, idx int, ln *lane) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ln.in:
			switch j.kind {
			case jobMessage:
				p.processMessage(ln, j)
			case jobEnd:
				p.processEnd(ln, j)
			}
		}
	}
}

// processMessage 处理一条入站消息
// 数据质量问题一律降级为记账事件，绝不击穿通道。
func (p *Pipeline) processMessage(ln *lane, j job) {
	in, err := relay.Parse(j.data, j.arrivedAtMs)
	if err != nil {
		reason := "bad_json"
		var pe *relay.ParseError
		if errors.As(err, &pe) {
			reason = pe.Reason
		}
		p.registry.RecordInvalidPayload(j.sessionID, reason, j.arrivedAtMs)
		return
	}

	p.registry.RecordFrame(in.SessionID, in.Stream, j.arrivedAtMs)
	// 漂移 = 服务端到达时间 - 客户端采集时间；只采样，从不拒帧
	p.registry.RecordDrift(in.SessionID, j.arrivedAtMs-in.TimestampMs, j.arrivedAtMs)

	if in.Meta != nil {
		p.registry.SetSessionMeta(*in.Meta, j.arrivedAtMs)
	}
	if in.Stream == model.StreamDriverUpdate && in.DriverCount > 0 {
		p.registry.RecordDriverCount(in.SessionID, in.DriverCount, j.arrivedAtMs)
	}

	if in.Frame != nil {
		p.detectFrame(ln, in, j.arrivedAtMs)
	}

	// 全部流类型延迟再发射
	p.buffer.Enqueue(in.SessionID, in.Stream, in.Raw, j.arrivedAtMs)

	if in.End {
		p.endSessionNow(ln, in.SessionID, false, j.arrivedAtMs)
	}
}

// detectFrame 对 telemetry 帧执行事故检测并分发候选
// 尚未收到会话元数据（无赛道长度）时跳过几何检测，只做记账与再发射。
func (p *Pipeline) detectFrame(ln *lane, in *relay.Inbound, nowMs int64) {
	meta, ok := p.registry.SessionMeta(in.SessionID)
	if !ok {
		return
	}

	det, exists := ln.detectors[in.SessionID]
	if !exists {
		det = detector.New(p.detCfg, in.SessionID)
		ln.detectors[in.SessionID] = det
	}

	for _, cand := range det.ProcessFrame(in.Frame, meta.TrackLengthM, nowMs) {
		payload, err := json.Marshal(cand)
		if err != nil {
			p.registry.RecordError(in.SessionID, "detector", err.Error(), nowMs)
			continue
		}
		p.buffer.Enqueue(in.SessionID, model.StreamIncidentCandidate, payload, nowMs)
		if p.candidates != nil {
			if err := p.candidates.Write(cand); err != nil {
				p.registry.RecordError(in.SessionID, "audit", err.Error(), nowMs)
			}
		}
		p.logger.Info("事故候选",
			zap.String("session", in.SessionID),
			zap.String("kind", string(cand.Kind)),
			zap.Ints("cars", cand.CarIDs))
	}
}

// processEnd 处理会话结束任务
func (p *Pipeline) processEnd(ln *lane, j job) {
	p.endSessionNow(ln, j.sessionID, j.idle, j.arrivedAtMs)
}

// endSessionNow 在通道内执行会话结束
// 遥测天然易腐：残留的延迟队列直接丢弃而不是补发。
func (p *Pipeline) endSessionNow(ln *lane, sessionID string, idle bool, nowMs int64) {
	if idle {
		p.registry.RecordSessionIdleTimeout(sessionID, nowMs)
	} else {
		p.registry.RecordSessionEnded(sessionID, nowMs)
	}
	delete(ln.detectors, sessionID)
	p.buffer.EndSession(sessionID)
	if p.hub != nil {
		p.hub.CloseSession(sessionID)
	}
}

// runIdleSweeper 空闲清扫循环
// 结束信号可能丢失，超过空闲阈值的会话按隐式结束回收。
func (p *Pipeline) runIdleSweeper(ctx context.Context) {
	defer p.wg.Done()

	interval := time.Duration(p.idleTimeoutMs/4) * time.Millisecond
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepIdle(timeutil.NowMs())
		}
	}
}

// SweepIdle 执行一轮空闲清扫，返回本轮发出结束信号的会话数
// 结束任务路由回所属通道执行，维持单写者约定。
func (p *Pipeline) SweepIdle(nowMs int64) int {
	n := 0
	for _, id := range p.registry.IdleSessions(nowMs) {
		if p.EndSession(id, true, nowMs) {
			n++
		}
	}
	return n
}

// laneFor 按会话标识哈希选择通道
func (p *Pipeline) laneFor(sessionID string) *lane {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return p.lanes[h.Sum32()%uint32(len(p.lanes))]
}
