// Package model 定义中继核心使用的数据结构。
// 包含遥测帧、会话元数据、事故候选等核心类型。
package model

import (
	"time"
)

// StreamType 入站消息流类型
type StreamType string

const (
	// StreamSessionMetadata 会话元数据流
	StreamSessionMetadata StreamType = "session_metadata"
	// StreamTelemetry 遥测帧流（约 60Hz）
	StreamTelemetry StreamType = "telemetry"
	// StreamRaceEvent 比赛事件流（旗语/阶段变化）
	StreamRaceEvent StreamType = "race_event"
	// StreamIncident 事故上报流
	StreamIncident StreamType = "incident"
	// StreamDriverUpdate 车手信息更新流
	StreamDriverUpdate StreamType = "driver_update"
)

// Vec2 平面速度向量（m/s）
type Vec2 struct {
	// X 横向分量
	X float64
	// Y 纵向分量
	Y float64
}

// CarState 单辆车在一帧中的状态
type CarState struct {
	// CarID 车辆标识（会话内唯一）
	CarID int
	// LapDistPct 沿赛道中心线的圈程百分比，取值 [0,1)
	LapDistPct float64
	// Velocity 平面速度向量（m/s）
	Velocity Vec2
	// HasVelocity 是否携带速度数据
	// 无速度数据的车不参与接近速率检测，但仍参与静态重叠检测。
	HasVelocity bool
	// LaneOffset 横向车道偏移，归一化到 [-1,1]
	LaneOffset float64
	// TrackWidth 当前位置赛道宽度（米），可为 0 表示未知
	TrackWidth float64
	// InPit 是否在维修区
	InPit bool
	// Lap 当前圈数
	Lap int
}

// Frame 一个会话在某一时刻所有车辆的快照
// 瞬态数据：处理完即丢弃，本核心不持久化原始帧。
type Frame struct {
	// SessionID 会话标识
	SessionID string
	// CapturedAtMs 中继客户端采集时间戳（毫秒）
	CapturedAtMs int64
	// ArrivedAtMs 服务端接收时间戳（毫秒），用于漂移计算
	ArrivedAtMs int64
	// Cars 本帧所有车辆状态
	Cars []CarState
}

// CapturedAt 获取采集时间的 time.Time 表示
func (f *Frame) CapturedAt() time.Time {
	return time.UnixMilli(f.CapturedAtMs)
}

// DriftMs 计算该帧的时钟漂移（服务端到达时间 - 客户端采集时间）
// 正值表示客户端时钟偏慢或网络延迟，负值表示客户端时钟偏快。
func (f *Frame) DriftMs() int64 {
	return f.ArrivedAtMs - f.CapturedAtMs
}

// WeatherInfo 会话天气信息
type WeatherInfo struct {
	// AmbientTemp 环境温度（摄氏度）
	AmbientTemp float64
	// TrackTemp 赛道温度（摄氏度）
	TrackTemp float64
	// Precipitation 降水强度（0-1）
	Precipitation float64
	// TrackState 赛道状态: dry, damp, wet
	TrackState string
}

// SessionMeta 会话元数据
// 由 session_metadata 消息提供，供几何计算（赛道长度）与下游规则引擎使用。
type SessionMeta struct {
	// SessionID 会话标识
	SessionID string
	// TrackName 赛道名称
	TrackName string
	// TrackConfig 赛道布局（可为空）
	TrackConfig string
	// TrackLengthM 赛道长度（米），圈程回绕换算的基准
	TrackLengthM float64
	// Category 比赛类别（如 gt3, oval, endurance）
	Category string
	// MultiClass 是否多组别同场
	MultiClass bool
	// CautionsEnabled 是否启用全场黄旗
	CautionsEnabled bool
	// DriverSwap 是否允许车手轮换
	DriverSwap bool
	// MaxDrivers 最大车手数
	MaxDrivers int
	// Weather 天气信息
	Weather WeatherInfo
}
