// Package ingest 实现会话接入登记与事件台账分类。
// 每个会话的可变状态只由其处理通道单写者修改；
// 读者（中继观测面）通过快照拷贝读取。
package ingest

import (
	"pitbox-relay/internal/core/model"
	"pitbox-relay/internal/ledger"
)

// LifecycleKind 会话生命周期事件类型
type LifecycleKind string

const (
	// LifecycleCreated 会话创建
	LifecycleCreated LifecycleKind = "created"
	// LifecycleEnded 会话显式结束
	LifecycleEnded LifecycleKind = "ended"
	// LifecycleIdleTimeout 会话空闲超时（隐式结束）
	LifecycleIdleTimeout LifecycleKind = "idle_timeout"
)

// LifecycleEvent 会话生命周期台账条目
type LifecycleEvent struct {
	// Kind 事件类型
	Kind LifecycleKind
	// SessionID 会话标识
	SessionID string
}

// TransportKind 中继传输事件类型
type TransportKind string

const (
	// TransportFrame 帧接收
	TransportFrame TransportKind = "frame"
	// TransportDrop 消息丢弃
	TransportDrop TransportKind = "drop"
	// TransportDrift 时钟漂移告警
	TransportDrift TransportKind = "drift"
	// TransportInvalid 非法载荷
	TransportInvalid TransportKind = "invalid"
	// TransportConnect 中继客户端接入
	TransportConnect TransportKind = "connect"
	// TransportDisconnect 中继客户端断开
	TransportDisconnect TransportKind = "disconnect"
)

// TransportEvent 中继传输台账条目
// 封闭的标签变体：Kind 决定哪些字段有意义。
type TransportEvent struct {
	// Kind 事件类型
	Kind TransportKind
	// SessionID 会话标识
	SessionID string
	// Stream 消息流类型（frame 事件携带）
	Stream model.StreamType
	// Reason 丢弃/非法原因（drop、invalid 事件携带）
	Reason string
	// DriftMs 漂移值（drift 事件携带，毫秒）
	DriftMs int64
}

// ErrorEvent 错误台账条目
type ErrorEvent struct {
	// SessionID 会话标识（可为空，表示与会话无关）
	SessionID string
	// Stage 出错阶段（parse、detector、broadcast 等）
	Stage string
	// Message 错误描述
	Message string
}

// Ledgers 进程级事件台账集合（每个分类一个）
// 生命周期与进程绑定；测试中通过 Clear 复位。
type Ledgers struct {
	// Lifecycle 会话生命周期台账
	Lifecycle *ledger.Ledger[LifecycleEvent]
	// Transport 中继传输台账
	Transport *ledger.Ledger[TransportEvent]
	// Errors 错误台账
	Errors *ledger.Ledger[ErrorEvent]
}

// NewLedgers 创建台账集合
// 参数 capacity: 各分类容量，<=0 时取默认容量 500。
func NewLedgers(capacity int) *Ledgers {
	return &Ledgers{
		Lifecycle: ledger.New[LifecycleEvent](capacity),
		Transport: ledger.New[TransportEvent](capacity),
		Errors:    ledger.New[ErrorEvent](capacity),
	}
}

// Clear 清空全部台账（仅供测试与运维使用）
func (l *Ledgers) Clear() {
	l.Lifecycle.Clear()
	l.Transport.Clear()
	l.Errors.Clear()
}
