// Package broadcast 实现防偷窥延迟缓冲与订阅分发。
// 入站消息按会话进入 FIFO 延迟队列，到期后经脱敏再分发给订阅者。
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pitbox-relay/internal/config"
	"pitbox-relay/internal/core/model"
)

// Message 延迟队列中的一条待释放消息
type Message struct {
	// SessionID 会话标识
	SessionID string
	// Stream 消息流类型
	Stream model.StreamType
	// Payload 原始 JSON 载荷
	Payload []byte
	// EnqueuedAtMs 入队时间（毫秒）
	EnqueuedAtMs int64
	// ReleaseAtMs 释放时间（毫秒），入队时按当时延迟冻结
	ReleaseAtMs int64
}

// DropRecorder 队列丢弃上报接口
// 由接入登记实现；缓冲只依赖该窄接口，不反向依赖接入包。
type DropRecorder interface {
	RecordDrop(sessionID, reason string, nowMs int64)
}

// sessionQueue 单会话延迟队列
// 队列严格 FIFO：延迟调整只改变之后入队消息的释放时间，
// 已入队消息的释放时间不回溯修改。
type sessionQueue struct {
	msgs    []Message
	delayMs int64
}

// DelayBuffer 按会话分片的广播延迟缓冲
type DelayBuffer struct {
	// cfg 广播配置
	cfg config.BroadcastConfig
	// logger 日志
	logger *zap.Logger
	// redactor 释放时脱敏器
	redactor *Redactor
	// drops 丢弃上报
	drops DropRecorder

	mu sync.Mutex
	// queues 会话 -> 延迟队列
	queues map[string]*sessionQueue
	// dropped 累计丢弃数
	dropped int64
}

// New 创建延迟缓冲
// 参数 cfg: 广播配置
// 参数 drops: 丢弃上报（可为 nil）
// 参数 logger: 日志
func New(cfg config.BroadcastConfig, drops DropRecorder, logger *zap.Logger) *DelayBuffer {
	return &DelayBuffer{
		cfg:      cfg,
		logger:   logger.Named("broadcast"),
		redactor: NewRedactor(cfg.RedactFields),
		drops:    drops,
		queues:   make(map[string]*sessionQueue),
	}
}

// Enqueue 入队一条消息
// 参数 nowMs: 入队时间（毫秒）
// 释放时间 = 入队时间 + 会话当前延迟，入队时冻结。
// 队列满时丢弃最旧的未释放消息并上报，保证有界内存。
func (b *DelayBuffer) Enqueue(sessionID string, stream model.StreamType, payload []byte, nowMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(sessionID)
	q.msgs = append(q.msgs, Message{
		SessionID:    sessionID,
		Stream:       stream,
		Payload:      payload,
		EnqueuedAtMs: nowMs,
		ReleaseAtMs:  nowMs + q.delayMs,
	})

	if b.cfg.MaxPending > 0 && len(q.msgs) > b.cfg.MaxPending {
		q.msgs = q.msgs[1:]
		b.dropped++
		if b.drops != nil {
			b.drops.RecordDrop(sessionID, "delay_queue_full", nowMs)
		}
		b.logger.Warn("延迟队列已满，丢弃最旧消息",
			zap.String("session", sessionID),
			zap.Int("max_pending", b.cfg.MaxPending))
	}
}

// SetDelay 调整会话广播延迟，返回实际生效值（毫秒）
// 取值钳制到 [0, MaxDelayMs]；只影响之后入队的消息。
func (b *DelayBuffer) SetDelay(sessionID string, delayMs int64) int64 {
	if delayMs < 0 {
		delayMs = 0
	}
	if delayMs > b.cfg.MaxDelayMs {
		delayMs = b.cfg.MaxDelayMs
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(sessionID)
	q.delayMs = delayMs
	b.logger.Info("调整广播延迟",
		zap.String("session", sessionID),
		zap.Int64("delay_ms", delayMs))
	return delayMs
}

// Delay 查询会话当前延迟（毫秒）
func (b *DelayBuffer) Delay(sessionID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[sessionID]; ok {
		return q.delayMs
	}
	return b.cfg.DefaultDelayMs
}

// ReleaseDue 释放所有到期消息（按会话内 FIFO 顺序），载荷已脱敏
// 参数 nowMs: 当前时间（毫秒）
// 每个队列只弹出到期前缀：延迟中途调低不会让后入队消息插队。
func (b *DelayBuffer) ReleaseDue(nowMs int64) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, q := range b.queues {
		n := 0
		for n < len(q.msgs) && q.msgs[n].ReleaseAtMs <= nowMs {
			n++
		}
		if n == 0 {
			continue
		}
		for _, m := range q.msgs[:n] {
			m.Payload = b.redactor.Apply(m.Payload)
			out = append(out, m)
		}
		q.msgs = append([]Message(nil), q.msgs[n:]...)
	}
	return out
}

// EndSession 丢弃会话的全部待释放消息
// 会话结束后不再向订阅者释放其残留数据。
func (b *DelayBuffer) EndSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}

// PendingCount 查询会话待释放消息数
func (b *DelayBuffer) PendingCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[sessionID]; ok {
		return len(q.msgs)
	}
	return 0
}

// DroppedCount 累计因队列满丢弃的消息数
func (b *DelayBuffer) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run 释放调度循环，按配置的节拍扫描并投递到期消息
// 参数 deliver: 到期消息投递回调（由分发枢纽实现）
// 阻塞直到 ctx 取消。
func (b *DelayBuffer) Run(ctx context.Context, deliver func([]Message)) {
	ticker := time.NewTicker(time.Duration(b.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("释放调度退出")
			return
		case now := <-ticker.C:
			if due := b.ReleaseDue(now.UnixMilli()); len(due) > 0 {
				deliver(due)
			}
		}
	}
}

// queue 取会话队列，不存在则按默认延迟创建（需持锁调用）
func (b *DelayBuffer) queue(sessionID string) *sessionQueue {
	q, ok := b.queues[sessionID]
	if !ok {
		q = &sessionQueue{delayMs: b.cfg.DefaultDelayMs}
		b.queues[sessionID] = q
	}
	return q
}
