// Package relay 线缆协议解析测试
package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitbox-relay/internal/core/model"
)

func TestParse_Telemetry(t *testing.T) {
	data := []byte(`{
		"type": "telemetry",
		"sessionId": "subses_9f2c1a",
		"timestamp": 1700000000123,
		"schemaVersion": 2,
		"cars": [
			{"carId": 7, "speed": 62.1, "gear": 4, "pos": {"s": 0.4213},
			 "throttle": 0.92, "brake": 0, "steering": -0.03, "inPit": false, "lap": 12,
			 "laneOffset": 0.35, "velocityX": 1.2, "velocityY": 61.8, "trackWidth": 14.5},
			{"carId": 9, "speed": 0, "gear": 1, "pos": {"s": 0.0}, "inPit": true, "lap": 12}
		],
		"sessionTimeMs": 812000
	}`)

	in, err := Parse(data, 1700000000200)
	require.NoError(t, err)
	require.NotNil(t, in.Frame)

	assert.Equal(t, model.StreamTelemetry, in.Stream)
	assert.Equal(t, "subses_9f2c1a", in.SessionID)
	assert.Equal(t, int64(1700000000123), in.Frame.CapturedAtMs)
	assert.Equal(t, int64(1700000000200), in.Frame.ArrivedAtMs)
	assert.Equal(t, int64(77), in.Frame.DriftMs())
	require.Len(t, in.Frame.Cars, 2)

	c := in.Frame.Cars[0]
	assert.Equal(t, 7, c.CarID)
	assert.InDelta(t, 0.4213, c.LapDistPct, 1e-9)
	assert.True(t, c.HasVelocity)
	assert.InDelta(t, 61.8, c.Velocity.Y, 1e-9)
	assert.InDelta(t, 0.35, c.LaneOffset, 1e-9)
	assert.False(t, c.InPit)

	// 可选字段缺省：无速度数据、零偏移
	c = in.Frame.Cars[1]
	assert.False(t, c.HasVelocity)
	assert.Zero(t, c.LaneOffset)
	assert.True(t, c.InPit)
}

func TestParse_SessionMetadata(t *testing.T) {
	data := []byte(`{
		"type": "session_metadata",
		"sessionId": "subses_9f2c1a",
		"timestamp": 1700000000000,
		"schemaVersion": 2,
		"trackName": "Okayama International",
		"trackConfig": "Full Course",
		"trackLengthM": 3703,
		"category": "gt3",
		"multiClass": true,
		"cautionsEnabled": false,
		"driverSwap": false,
		"maxDrivers": 32,
		"weather": {"ambientTemp": 24.5, "trackTemp": 31.2, "precipitation": 0, "trackState": "dry"}
	}`)

	in, err := Parse(data, 1700000000050)
	require.NoError(t, err)
	require.NotNil(t, in.Meta)

	assert.Equal(t, model.StreamSessionMetadata, in.Stream)
	assert.Equal(t, "Okayama International", in.Meta.TrackName)
	assert.InDelta(t, 3703.0, in.Meta.TrackLengthM, 1e-9)
	assert.True(t, in.Meta.MultiClass)
	assert.Equal(t, 32, in.Meta.MaxDrivers)
	assert.Equal(t, "dry", in.Meta.Weather.TrackState)
}

func TestParse_RaceEventEndSignal(t *testing.T) {
	running := []byte(`{"type":"race_event","sessionId":"s1","timestamp":1000,
		"flagState":"green","lap":3,"timeRemaining":1800,"sessionPhase":"race"}`)
	in, err := Parse(running, 1100)
	require.NoError(t, err)
	assert.Equal(t, model.StreamRaceEvent, in.Stream)
	assert.False(t, in.End)

	ended := []byte(`{"type":"race_event","sessionId":"s1","timestamp":2000,
		"flagState":"checkered","lap":40,"timeRemaining":0,"sessionPhase":"ended"}`)
	in, err = Parse(ended, 2100)
	require.NoError(t, err)
	assert.True(t, in.End)
}

func TestParse_PassthroughStreams(t *testing.T) {
	for _, typ := range []string{"incident", "driver_update"} {
		data := []byte(`{"type":"` + typ + `","sessionId":"s1","timestamp":1000}`)
		in, err := Parse(data, 1100)
		require.NoError(t, err, typ)
		assert.Equal(t, model.StreamType(typ), in.Stream)
		assert.Nil(t, in.Frame)
		// 原始载荷保留，供延迟广播再发射
		assert.Equal(t, data, in.Raw)
	}
}

func TestParse_DriverUpdateCount(t *testing.T) {
	data := []byte(`{"type":"driver_update","sessionId":"s1","timestamp":1000,
		"drivers":[{"driverId":"d1","carId":1},{"driverId":"d2","carId":2},{"driverId":"d3","carId":3}]}`)
	in, err := Parse(data, 1100)
	require.NoError(t, err)
	assert.Equal(t, 3, in.DriverCount)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		reason string
	}{
		{"非法 JSON", `{nope`, "bad_json"},
		{"缺少会话", `{"type":"telemetry","timestamp":1000,"cars":[{"carId":1,"pos":{"s":0.5}}]}`, "missing_session"},
		{"缺少时间戳", `{"type":"telemetry","sessionId":"s1","cars":[{"carId":1,"pos":{"s":0.5}}]}`, "missing_timestamp"},
		{"未知类型", `{"type":"pit_wall_chat","sessionId":"s1","timestamp":1000}`, "unknown_type"},
		{"空车辆列表", `{"type":"telemetry","sessionId":"s1","timestamp":1000,"cars":[]}`, "empty_cars"},
		{"圈程越界", `{"type":"telemetry","sessionId":"s1","timestamp":1000,"cars":[{"carId":1,"pos":{"s":1.0}}]}`, "bad_lap_pct"},
		{"圈程为负", `{"type":"telemetry","sessionId":"s1","timestamp":1000,"cars":[{"carId":1,"pos":{"s":-0.1}}]}`, "bad_lap_pct"},
		{"赛道长度非正", `{"type":"session_metadata","sessionId":"s1","timestamp":1000,"trackLengthM":0}`, "bad_track_length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Parse([]byte(tt.data), 2000)
			require.Error(t, err)
			assert.Nil(t, in)

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.reason, pe.Reason)
		})
	}
}
