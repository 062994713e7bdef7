package model

// StreamIncidentCandidate 检测器产出的事故候选流（仅出站，不对应入站消息）
const StreamIncidentCandidate StreamType = "incident_candidate"

// IncidentKind 事故候选类型
type IncidentKind string

const (
	// KindOverlapEnter 两车进入并行重叠
	KindOverlapEnter IncidentKind = "overlap_enter"
	// KindOverlapExit 两车脱离并行重叠
	KindOverlapExit IncidentKind = "overlap_exit"
	// KindThreeWide 三车及以上并行
	KindThreeWide IncidentKind = "three_wide"
	// KindClosingRateAnomaly 接近速率异常（追尾风险）
	KindClosingRateAnomaly IncidentKind = "closing_rate_anomaly"
)

// IncidentCandidate 事故候选事件
// 由空间事故检测器产生，交由下游（不在本核心范围内的）规则引擎
// 做严重度分类与判罚，本核心不持久化候选本身。
type IncidentCandidate struct {
	// SessionID 会话标识
	SessionID string `json:"sessionId"`
	// EventTimeMs 事件时间戳（毫秒，取自触发帧的采集时间）
	EventTimeMs int64 `json:"eventTimeMs"`
	// Kind 候选类型
	Kind IncidentKind `json:"kind"`
	// CarIDs 涉事车辆标识（按升序）
	CarIDs []int `json:"carIds"`
	// OverlapPct 重叠比例 [0,1]（overlap 类事件携带）
	OverlapPct float64 `json:"overlapPct,omitempty"`
	// Side 相对方位: LEFT / RIGHT / 空（非并行几何）
	Side string `json:"side,omitempty"`
	// GapM 纵向间距（米，带符号，回绕修正后）
	GapM float64 `json:"gapM,omitempty"`
	// ClosingRateMs 接近速率（m/s，closing_rate_anomaly 携带）
	ClosingRateMs float64 `json:"closingRateMs,omitempty"`
	// LapDistPct 事件发生位置的圈程百分比（置信度评估用原始值）
	LapDistPct float64 `json:"lapDistPct"`
}
