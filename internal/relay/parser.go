package relay

import (
	"encoding/json"
	"fmt"

	"pitbox-relay/internal/core/model"
)

// ParseError 模式校验失败
// Reason 为机器可读的短原因码，供非法载荷台账聚合使用。
type ParseError struct {
	// Reason 原因码: bad_json, unknown_type, missing_session 等
	Reason string
	// Detail 人读描述
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("载荷校验失败 [%s]: %s", e.Reason, e.Detail)
}

func parseErr(reason, format string, args ...any) *ParseError {
	return &ParseError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// PeekEnvelope 只解析公共信封，用于处理通道路由
// 完整校验留给通道内的 Parse，保持 websocket 读循环轻量。
func PeekEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, parseErr("bad_json", "信封解析失败: %v", err)
	}
	if env.SessionID == "" {
		return Envelope{}, parseErr("missing_session", "缺少 sessionId")
	}
	return env, nil
}

// Parse 解析并校验一条入站消息
// 参数 data: 原始消息字节
// 参数 arrivedAtMs: 服务端接收时间（毫秒）
// 返回: 解析通过的入站消息；校验失败时返回 *ParseError，
// 调用方记入非法载荷台账后丢弃该消息，处理通道继续运行。
func Parse(data []byte, arrivedAtMs int64) (*Inbound, error) {
	env, err := PeekEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Timestamp <= 0 {
		return nil, parseErr("missing_timestamp", "timestamp=%d", env.Timestamp)
	}

	in := &Inbound{
		SessionID:   env.SessionID,
		TimestampMs: env.Timestamp,
		Raw:         data,
	}

	switch model.StreamType(env.Type) {
	case model.StreamTelemetry:
		in.Stream = model.StreamTelemetry
		frame, err := parseTelemetry(data, env, arrivedAtMs)
		if err != nil {
			return nil, err
		}
		in.Frame = frame

	case model.StreamSessionMetadata:
		in.Stream = model.StreamSessionMetadata
		meta, err := parseSessionMetadata(data, env)
		if err != nil {
			return nil, err
		}
		in.Meta = meta

	case model.StreamRaceEvent:
		in.Stream = model.StreamRaceEvent
		var msg RaceEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, parseErr("bad_json", "race_event 解析失败: %v", err)
		}
		// 阶段进入 ended 视为显式结束信号
		in.End = msg.SessionPhase == "ended"

	case model.StreamIncident:
		in.Stream = model.StreamIncident

	case model.StreamDriverUpdate:
		in.Stream = model.StreamDriverUpdate
		var msg DriverUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, parseErr("bad_json", "driver_update 解析失败: %v", err)
		}
		in.DriverCount = len(msg.Drivers)

	default:
		return nil, parseErr("unknown_type", "未知消息类型 %q", env.Type)
	}

	return in, nil
}

// parseTelemetry 解析 telemetry 消息为帧
func parseTelemetry(data []byte, env Envelope, arrivedAtMs int64) (*model.Frame, error) {
	var msg TelemetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, parseErr("bad_json", "telemetry 解析失败: %v", err)
	}
	if len(msg.Cars) == 0 {
		return nil, parseErr("empty_cars", "telemetry 车辆列表为空")
	}

	cars := make([]model.CarState, 0, len(msg.Cars))
	for _, wc := range msg.Cars {
		if wc.Pos.S < 0 || wc.Pos.S >= 1 {
			return nil, parseErr("bad_lap_pct", "carId=%d pos.s=%f 超出 [0,1)", wc.CarID, wc.Pos.S)
		}
		cs := model.CarState{
			CarID:      wc.CarID,
			LapDistPct: wc.Pos.S,
			TrackWidth: wc.TrackWidth,
			InPit:      wc.InPit,
			Lap:        wc.Lap,
		}
		if wc.LaneOffset != nil {
			cs.LaneOffset = *wc.LaneOffset
		}
		if wc.VelocityX != nil && wc.VelocityY != nil {
			cs.Velocity = model.Vec2{X: *wc.VelocityX, Y: *wc.VelocityY}
			cs.HasVelocity = true
		}
		cars = append(cars, cs)
	}

	return &model.Frame{
		SessionID:    env.SessionID,
		CapturedAtMs: env.Timestamp,
		ArrivedAtMs:  arrivedAtMs,
		Cars:         cars,
	}, nil
}

// parseSessionMetadata 解析 session_metadata 消息
// 赛道长度是圈程回绕换算的基准，非正值在此快速失败。
func parseSessionMetadata(data []byte, env Envelope) (*model.SessionMeta, error) {
	var msg SessionMetadataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, parseErr("bad_json", "session_metadata 解析失败: %v", err)
	}
	if msg.TrackLengthM <= 0 {
		return nil, parseErr("bad_track_length", "trackLengthM=%f", msg.TrackLengthM)
	}

	return &model.SessionMeta{
		SessionID:       env.SessionID,
		TrackName:       msg.TrackName,
		TrackConfig:     msg.TrackConfig,
		TrackLengthM:    msg.TrackLengthM,
		Category:        msg.Category,
		MultiClass:      msg.MultiClass,
		CautionsEnabled: msg.CautionsEnabled,
		DriverSwap:      msg.DriverSwap,
		MaxDrivers:      msg.MaxDrivers,
		Weather: model.WeatherInfo{
			AmbientTemp:   msg.Weather.AmbientTemp,
			TrackTemp:     msg.Weather.TrackTemp,
			Precipitation: msg.Weather.Precipitation,
			TrackState:    msg.Weather.TrackState,
		},
	}, nil
}
