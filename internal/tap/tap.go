// Package tap 实现中继观测面：只读聚合 + 会话标识脱敏。
// 面向运维看板的非特权读者，原始会话标识绝不越过本边界。
package tap

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"pitbox-relay/internal/core/model"
	"pitbox-relay/internal/ingest"
	"pitbox-relay/internal/ledger"
	"pitbox-relay/internal/util/timeutil"
)

// RedactSessionID 会话标识脱敏
// 保留首尾各 4 字符（first4...last4）；过短标识整体掩蔽，
// 避免"脱敏"反而等于明文。
func RedactSessionID(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:4] + "..." + id[len(id)-4:]
}

// RelayStats 全局中继统计
type RelayStats struct {
	// ActiveSessions 活跃会话数
	ActiveSessions int `json:"activeSessions"`
	// TotalFrames 累计帧数
	TotalFrames int64 `json:"totalFrames"`
	// TotalDrops 累计丢弃数
	TotalDrops int64 `json:"totalDrops"`
	// TotalInvalid 累计非法载荷数
	TotalInvalid int64 `json:"totalInvalid"`
	// TotalDriftWarnings 累计漂移告警数
	TotalDriftWarnings int64 `json:"totalDriftWarnings"`
	// TotalErrors 累计错误数
	TotalErrors int64 `json:"totalErrors"`
}

// HotSession 热度排名条目（标识已脱敏）
type HotSession struct {
	// SessionID 脱敏后的会话标识
	SessionID string `json:"sessionId"`
	// FramesPerSec 自创建以来的平均帧率
	FramesPerSec float64 `json:"framesPerSec"`
	// TotalFrames 累计帧数
	TotalFrames int64 `json:"totalFrames"`
	// DriftP95Ms 漂移 95 分位（毫秒），样本不足时为 nil
	DriftP95Ms *float64 `json:"driftP95Ms,omitempty"`
}

// IngestRates 瞬时接入速率
type IngestRates struct {
	// GlobalPerSec 全局每秒帧数
	GlobalPerSec float64 `json:"globalPerSec"`
	// PerStream 按流类型的每秒帧数
	PerStream map[model.StreamType]float64 `json:"perStream"`
}

// LedgerEvent 脱敏后的台账条目视图
type LedgerEvent struct {
	// ID 条目序号
	ID int64 `json:"id"`
	// TimestampMs 记录时间（毫秒）
	TimestampMs int64 `json:"timestampMs"`
	// Kind 事件类型
	Kind string `json:"kind"`
	// SessionID 脱敏后的会话标识
	SessionID string `json:"sessionId"`
	// Detail 事件细节（原因码、漂移值等）
	Detail string `json:"detail,omitempty"`
}

// Tap 中继观测面
// 对登记处与台账的只读门面；所有返回值均为拷贝且标识已脱敏。
type Tap struct {
	registry *ingest.Registry
	ledgers  *ingest.Ledgers
	logger   *zap.Logger
}

// New 创建观测面
func New(registry *ingest.Registry, ledgers *ingest.Ledgers, logger *zap.Logger) *Tap {
	return &Tap{
		registry: registry,
		ledgers:  ledgers,
		logger:   logger.Named("tap"),
	}
}

// RelayStats 全局累计统计
func (t *Tap) RelayStats() RelayStats {
	totals := t.registry.Totals()
	return RelayStats{
		ActiveSessions:     totals.ActiveSessions,
		TotalFrames:        totals.TotalFrames,
		TotalDrops:         totals.TotalDrops,
		TotalInvalid:       totals.TotalInvalid,
		TotalDriftWarnings: totals.TotalDriftWarnings,
		TotalErrors:        totals.TotalErrors,
	}
}

// HottestSessions 按帧率降序的前 n 个会话（标识已脱敏）
func (t *Tap) HottestSessions(n int, nowMs int64) []HotSession {
	hot := t.registry.HottestSessions(n, nowMs)
	out := make([]HotSession, 0, len(hot))
	for _, h := range hot {
		entry := HotSession{
			SessionID:    RedactSessionID(h.SessionID),
			FramesPerSec: h.FramesPerSec,
			TotalFrames:  h.TotalFrames,
		}
		if p95, ok := t.registry.DriftP95(h.SessionID); ok {
			entry.DriftP95Ms = &p95
		}
		out = append(out, entry)
	}
	return out
}

// DriftP95 会话漂移 95 分位（毫秒）
// 入参为原始标识（仅特权调用方持有）；样本不足时 ok=false。
func (t *Tap) DriftP95(sessionID string) (float64, bool) {
	return t.registry.DriftP95(sessionID)
}

// IngestRates 瞬时接入速率
func (t *Tap) IngestRates(nowMs int64) IngestRates {
	rates := t.registry.IngestRates(nowMs)
	return IngestRates{
		GlobalPerSec: rates.GlobalPerSec,
		PerStream:    rates.PerStream,
	}
}

// RecentLifecycle 最近 n 条会话生命周期事件（新者在前，标识已脱敏）
func (t *Tap) RecentLifecycle(n int) []LedgerEvent {
	entries := t.ledgers.Lifecycle.Last(n)
	out := make([]LedgerEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEvent{
			ID:          e.ID,
			TimestampMs: e.TimestampMs,
			Kind:        string(e.Data.Kind),
			SessionID:   RedactSessionID(e.Data.SessionID),
		})
	}
	return out
}

// RecentTransport 最近 n 条传输事件（新者在前，标识已脱敏）
func (t *Tap) RecentTransport(n int) []LedgerEvent {
	entries := t.ledgers.Transport.Last(n)
	out := make([]LedgerEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEvent{
			ID:          e.ID,
			TimestampMs: e.TimestampMs,
			Kind:        string(e.Data.Kind),
			SessionID:   RedactSessionID(e.Data.SessionID),
			Detail:      transportDetail(e),
		})
	}
	return out
}

func transportDetail(e ledger.Entry[ingest.TransportEvent]) string {
	if e.Data.Reason != "" {
		return e.Data.Reason
	}
	if e.Data.Kind == ingest.TransportDrift {
		return "drift_ms=" + strconv.FormatInt(e.Data.DriftMs, 10)
	}
	return string(e.Data.Stream)
}

// snapshot /stats 端点的完整 JSON 视图
type snapshot struct {
	Stats           RelayStats    `json:"stats"`
	Rates           IngestRates   `json:"rates"`
	HottestSessions []HotSession  `json:"hottestSessions"`
	RecentLifecycle []LedgerEvent `json:"recentLifecycle"`
	RecentTransport []LedgerEvent `json:"recentTransport"`
}

// Handler 返回面向看板的 JSON 统计端点
func (t *Tap) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nowMs := timeutil.NowMs()
		snap := snapshot{
			Stats:           t.RelayStats(),
			Rates:           t.IngestRates(nowMs),
			HottestSessions: t.HottestSessions(10, nowMs),
			RecentLifecycle: t.RecentLifecycle(20),
			RecentTransport: t.RecentTransport(20),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			t.logger.Warn("统计快照编码失败", zap.Error(err))
		}
	}
}
