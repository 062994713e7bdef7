// Package relay 定义中继上行的线缆协议并实现解析与接入服务。
// 入站消息为带公共信封的扁平 JSON；解析层负责模式校验，
// 核心管线只接收已验证的结构化数据。
package relay

import (
	"pitbox-relay/internal/core/model"
)

// SchemaVersion 当前线缆协议版本
const SchemaVersion = 2

// Envelope 入站消息公共信封
type Envelope struct {
	// Type 消息类型，对应 model.StreamType
	Type string `json:"type"`
	// SessionID 会话标识
	SessionID string `json:"sessionId"`
	// Timestamp 中继客户端采集时间戳（毫秒）
	Timestamp int64 `json:"timestamp"`
	// SchemaVersion 协议版本
	SchemaVersion int `json:"schemaVersion"`
}

// WirePos 车辆赛道位置
type WirePos struct {
	// S 沿中心线的圈程百分比 [0,1)
	S float64 `json:"s"`
}

// WireCar telemetry 消息中的单车状态
// rpm/laneOffset/velocity 为可选字段：老版本中继客户端不上报。
type WireCar struct {
	// CarID 车辆标识
	CarID int `json:"carId"`
	// DriverID 车手标识（可选）
	DriverID string `json:"driverId,omitempty"`
	// Speed 标量速度（m/s）
	Speed float64 `json:"speed"`
	// Gear 当前档位
	Gear int `json:"gear"`
	// Pos 赛道位置
	Pos WirePos `json:"pos"`
	// Throttle 油门开度 [0,1]
	Throttle float64 `json:"throttle"`
	// Brake 刹车开度 [0,1]
	Brake float64 `json:"brake"`
	// Steering 方向盘转角（弧度）
	Steering float64 `json:"steering"`
	// RPM 发动机转速（可选）
	RPM *float64 `json:"rpm,omitempty"`
	// InPit 是否在维修区
	InPit bool `json:"inPit"`
	// Lap 当前圈数
	Lap int `json:"lap"`
	// LaneOffset 横向车道偏移 [-1,1]（可选）
	LaneOffset *float64 `json:"laneOffset,omitempty"`
	// VelocityX 速度横向分量 m/s（可选）
	VelocityX *float64 `json:"velocityX,omitempty"`
	// VelocityY 速度纵向分量 m/s（可选）
	VelocityY *float64 `json:"velocityY,omitempty"`
	// TrackWidth 当前位置赛道宽度（米，可选）
	TrackWidth float64 `json:"trackWidth,omitempty"`
}

// TelemetryMessage telemetry 流消息
type TelemetryMessage struct {
	Envelope
	// Cars 本帧全部车辆状态，非空
	Cars []WireCar `json:"cars"`
	// SessionTimeMs 会话内计时（毫秒，可选）
	SessionTimeMs int64 `json:"sessionTimeMs,omitempty"`
}

// WireWeather 会话天气
type WireWeather struct {
	// AmbientTemp 环境温度（摄氏度）
	AmbientTemp float64 `json:"ambientTemp"`
	// TrackTemp 赛道温度（摄氏度）
	TrackTemp float64 `json:"trackTemp"`
	// Precipitation 降水强度 [0,1]
	Precipitation float64 `json:"precipitation"`
	// TrackState 赛道状态: dry, damp, wet
	TrackState string `json:"trackState"`
}

// SessionMetadataMessage session_metadata 流消息
// 携带几何计算必需的赛道长度，触发会话创建。
type SessionMetadataMessage struct {
	Envelope
	// TrackName 赛道名称
	TrackName string `json:"trackName"`
	// TrackConfig 赛道布局（可选）
	TrackConfig string `json:"trackConfig,omitempty"`
	// TrackLengthM 赛道长度（米）
	TrackLengthM float64 `json:"trackLengthM"`
	// Category 比赛类别
	Category string `json:"category"`
	// MultiClass 是否多组别同场
	MultiClass bool `json:"multiClass"`
	// CautionsEnabled 是否启用全场黄旗
	CautionsEnabled bool `json:"cautionsEnabled"`
	// DriverSwap 是否允许车手轮换
	DriverSwap bool `json:"driverSwap"`
	// MaxDrivers 最大车手数
	MaxDrivers int `json:"maxDrivers"`
	// Weather 天气信息
	Weather WireWeather `json:"weather"`
}

// RaceEventMessage race_event 流消息（旗语/阶段变化）
type RaceEventMessage struct {
	Envelope
	// FlagState 旗语状态: green, yellow, red, checkered 等
	FlagState string `json:"flagState"`
	// Lap 领跑圈数
	Lap int `json:"lap"`
	// TimeRemaining 剩余时间（秒）
	TimeRemaining float64 `json:"timeRemaining"`
	// SessionPhase 会话阶段: practice, qualify, race
	SessionPhase string `json:"sessionPhase"`
}

// WireDriver driver_update 消息中的单个车手条目
type WireDriver struct {
	// DriverID 车手标识
	DriverID string `json:"driverId"`
	// CarID 所驾车辆
	CarID int `json:"carId"`
	// Name 车手显示名
	Name string `json:"name,omitempty"`
}

// DriverUpdateMessage driver_update 流消息（车手名单变化）
type DriverUpdateMessage struct {
	Envelope
	// Drivers 当前车手名单
	Drivers []WireDriver `json:"drivers"`
}

// DelayCommand 订阅端延迟调整命令
type DelayCommand struct {
	// Type 固定为 broadcast:delay
	Type string `json:"type"`
	// DelayMs 请求的延迟（毫秒），服务端钳制后回执
	DelayMs int64 `json:"delayMs"`
}

// DelayAck 延迟调整确认，立即广播给会话全体订阅者
type DelayAck struct {
	// Type 固定为 broadcast:delay
	Type string `json:"type"`
	// SessionID 会话标识
	SessionID string `json:"sessionId"`
	// DelayMs 实际生效延迟（毫秒）
	DelayMs int64 `json:"delayMs"`
}

// Inbound 解析通过后的入站消息
// Frame/Meta 按流类型填充其一或都为空；Raw 保留原始载荷供延迟再发射。
type Inbound struct {
	// Stream 消息流类型
	Stream model.StreamType
	// SessionID 会话标识
	SessionID string
	// TimestampMs 客户端采集时间戳（毫秒）
	TimestampMs int64
	// Raw 原始 JSON 载荷
	Raw []byte
	// Frame telemetry 消息解析出的帧
	Frame *model.Frame
	// Meta session_metadata 消息解析出的元数据
	Meta *model.SessionMeta
	// DriverCount driver_update 消息携带的车手数（其余流为 0）
	DriverCount int
	// End 是否为会话结束信号
	End bool
}
