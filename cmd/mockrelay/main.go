// Package main 是合成遥测中继客户端，用于联调与压测。
// 模拟一个比赛会话：先上行会话元数据，再按固定频率上行遥测帧，
// 车辆沿赛道推进并周期性靠近，足以触发重叠/三车并行检测。
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pitbox-relay/internal/relay"
	"pitbox-relay/internal/util/backoff"
	"pitbox-relay/internal/util/timeutil"
)

// carSim 单车运动模拟状态
type carSim struct {
	carID    int
	pct      float64
	speedMs  float64
	lane     float64
	lanePhse float64
}

func main() {
	var (
		addr      string
		sessionID string
		cars      int
		hz        int
		trackLenM float64
		duration  time.Duration
	)
	flag.StringVar(&addr, "addr", "ws://localhost:8090/ingest", "中继服务上行地址")
	flag.StringVar(&sessionID, "session", "", "会话标识（默认随机生成）")
	flag.IntVar(&cars, "cars", 6, "模拟车辆数")
	flag.IntVar(&hz, "hz", 60, "遥测帧频率")
	flag.Float64Var(&trackLenM, "track", 5000, "赛道长度（米）")
	flag.DurationVar(&duration, "duration", 0, "运行时长（0 为不限）")
	flag.Parse()

	if sessionID == "" {
		sessionID = "subses_" + uuid.NewString()[:12]
	}

	logger := newLogger()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号")
		cancel()
	}()

	sims := make([]*carSim, cars)
	for i := range sims {
		sims[i] = &carSim{
			carID:    i + 1,
			pct:      rand.Float64(),
			speedMs:  45 + rand.Float64()*25,
			lane:     -0.6 + rand.Float64()*1.2,
			lanePhse: rand.Float64() * 2 * math.Pi,
		}
	}

	// 断线按指数退避重连，会话状态在服务端由空闲超时兜底
	bo := backoff.NewDefault()
	for ctx.Err() == nil {
		if err := runSession(ctx, logger, addr, sessionID, trackLenM, hz, sims); err != nil {
			delay := bo.Next()
			logger.Warn("上行中断，准备重连",
				zap.Error(err),
				zap.Duration("retry_in", delay),
				zap.Int("attempt", bo.Attempt()))
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
	}
	logger.Info("合成中继退出", zap.String("session", sessionID))
}

// runSession 一次连接生命周期：元数据 + 遥测流 + 结束信号
func runSession(ctx context.Context, logger *zap.Logger, addr, sessionID string, trackLenM float64, hz int, sims []*carSim) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("拨号失败: %w", err)
	}
	defer conn.Close()
	logger.Info("已连接中继服务", zap.String("addr", addr), zap.String("session", sessionID))

	if err := conn.WriteJSON(buildMetadata(sessionID, trackLenM)); err != nil {
		return fmt.Errorf("发送元数据失败: %w", err)
	}

	interval := time.Second / time.Duration(hz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dt := interval.Seconds()
	for {
		select {
		case <-ctx.Done():
			// 退出前上行显式结束信号，服务端立即回收会话
			end := relay.RaceEventMessage{
				Envelope:     envelope("race_event", sessionID),
				FlagState:    "checkered",
				SessionPhase: "ended",
			}
			_ = conn.WriteJSON(end)
			return nil
		case <-ticker.C:
			if err := conn.WriteJSON(buildTelemetry(sessionID, trackLenM, dt, sims)); err != nil {
				return fmt.Errorf("发送遥测失败: %w", err)
			}
		}
	}
}

func envelope(typ, sessionID string) relay.Envelope {
	return relay.Envelope{
		Type:          typ,
		SessionID:     sessionID,
		Timestamp:     timeutil.NowMs(),
		SchemaVersion: relay.SchemaVersion,
	}
}

func buildMetadata(sessionID string, trackLenM float64) relay.SessionMetadataMessage {
	return relay.SessionMetadataMessage{
		Envelope:     envelope("session_metadata", sessionID),
		TrackName:    "Synthetic Ring",
		TrackLengthM: trackLenM,
		Category:     "gt3",
		MaxDrivers:   24,
		Weather: relay.WireWeather{
			AmbientTemp: 22.0,
			TrackTemp:   28.0,
			TrackState:  "dry",
		},
	}
}

// buildTelemetry 推进模拟并生成一帧
// 车速带轻微抖动，横向偏移按正弦摆动，邻近车辆会周期性并排。
func buildTelemetry(sessionID string, trackLenM, dt float64, sims []*carSim) relay.TelemetryMessage {
	wire := make([]relay.WireCar, 0, len(sims))
	for _, s := range sims {
		s.speedMs += (rand.Float64() - 0.5) * 0.8
		if s.speedMs < 30 {
			s.speedMs = 30
		}
		if s.speedMs > 80 {
			s.speedMs = 80
		}
		s.pct += s.speedMs * dt / trackLenM
		for s.pct >= 1 {
			s.pct -= 1
		}
		s.lanePhse += dt * 0.4
		s.lane = 0.7 * math.Sin(s.lanePhse+float64(s.carID))

		lane := s.lane
		vx := s.lane * 0.5
		vy := s.speedMs
		wire = append(wire, relay.WireCar{
			CarID:      s.carID,
			Speed:      s.speedMs,
			Gear:       4,
			Pos:        relay.WirePos{S: s.pct},
			Throttle:   0.8 + rand.Float64()*0.2,
			Lap:        1,
			LaneOffset: &lane,
			VelocityX:  &vx,
			VelocityY:  &vy,
			TrackWidth: 14,
		})
	}
	return relay.TelemetryMessage{
		Envelope: envelope("telemetry", sessionID),
		Cars:     wire,
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
