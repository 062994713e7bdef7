// Package pipeline 会话处理通道测试
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"pitbox-relay/internal/broadcast"
	"pitbox-relay/internal/config"
	"pitbox-relay/internal/ingest"
)

func newTestPipeline(t *testing.T) (*Pipeline, *ingest.Registry, *broadcast.DelayBuffer) {
	t.Helper()
	var cfg config.Config
	cfg.SetDefaults()

	ledgers := ingest.NewLedgers(cfg.Ingest.LedgerCapacity)
	registry := ingest.NewRegistry(cfg.Ingest, ledgers, zap.NewNop())
	buffer := broadcast.New(cfg.Broadcast, registry, zap.NewNop())

	p := New(cfg.Lanes, cfg.Detector, cfg.Ingest.IdleTimeoutMs,
		registry, buffer, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(cancel)

	return p, registry, buffer
}

// waitFor 轮询等待异步通道处理完成
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", msg)
}

func metadataMsg(sessionID string, trackLenM float64, tsMs int64) []byte {
	return []byte(fmt.Sprintf(`{"type":"session_metadata","sessionId":"%s","timestamp":%d,
		"trackName":"Test Ring","trackLengthM":%f,"category":"gt3","maxDrivers":20,
		"weather":{"ambientTemp":20,"trackTemp":25,"precipitation":0,"trackState":"dry"}}`,
		sessionID, tsMs, trackLenM))
}

func telemetryMsg(sessionID string, tsMs int64, pctA, pctB float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"telemetry","sessionId":"%s","timestamp":%d,"cars":[
		{"carId":1,"speed":60,"gear":4,"pos":{"s":%f},"lap":3,"laneOffset":-0.3},
		{"carId":2,"speed":61,"gear":4,"pos":{"s":%f},"lap":3,"laneOffset":0.3}]}`,
		sessionID, tsMs, pctA, pctB))
}

// 完整链路：元数据建会话，两车间距 10m -> 5m -> 2m 收紧，
// 恰好一条 overlap_enter 候选进入延迟队列。
func TestPipeline_EndToEndIncidentFlow(t *testing.T) {
	p, registry, buffer := newTestPipeline(t)

	base := int64(1_000_000)
	if !p.Submit(metadataMsg("s1", 5000, base), base) {
		t.Fatal("元数据提交失败")
	}
	// 5000m 赛道：0.002 pct = 10m
	p.Submit(telemetryMsg("s1", base+16, 0.1000, 0.1020), base+16)
	p.Submit(telemetryMsg("s1", base+32, 0.1000, 0.1010), base+32)
	p.Submit(telemetryMsg("s1", base+48, 0.1000, 0.1004), base+48)

	waitFor(t, "4 条消息处理完成", func() bool {
		return registry.Totals().TotalFrames == 4
	})

	// 默认零延迟：全部消息立即到期
	due := buffer.ReleaseDue(base + 1000)
	enters := 0
	for _, m := range due {
		if bytes.Contains(m.Payload, []byte(`"overlap_enter"`)) {
			enters++
		}
	}
	if enters != 1 {
		t.Fatalf("overlap_enter 候选数=%d, want 1", enters)
	}
	// 元数据 1 + 遥测 3 + 候选 1
	if len(due) != 5 {
		t.Fatalf("释放消息数=%d, want 5", len(due))
	}

	snap, ok := registry.SessionStats("s1")
	if !ok || snap.TotalFrames != 4 {
		t.Fatalf("会话统计错误: %+v", snap)
	}
}

// 元数据未到前不做几何检测，遥测照常记账与再发射
func TestPipeline_NoMetaSkipsDetection(t *testing.T) {
	p, registry, buffer := newTestPipeline(t)

	base := int64(1_000_000)
	p.Submit(telemetryMsg("s2", base, 0.1000, 0.1004), base)

	waitFor(t, "遥测处理完成", func() bool {
		return registry.Totals().TotalFrames == 1
	})

	due := buffer.ReleaseDue(base + 1000)
	if len(due) != 1 {
		t.Fatalf("应只有原始遥测再发射: %+v", due)
	}
	if bytes.Contains(due[0].Payload, []byte("overlap_enter")) {
		t.Fatal("无赛道长度不应产生候选")
	}
}

func TestPipeline_InvalidPayloadRecorded(t *testing.T) {
	p, registry, _ := newTestPipeline(t)

	// 信封非法：Submit 同步拒绝
	if p.Submit([]byte(`{broken`), 1000) {
		t.Fatal("非法信封应被拒绝")
	}
	if registry.Totals().TotalInvalid != 1 {
		t.Fatal("信封非法应记账")
	}

	// 信封可路由但载荷非法：通道内拒绝，帧不计数
	bad := []byte(`{"type":"telemetry","sessionId":"s3","timestamp":1000,
		"cars":[{"carId":1,"pos":{"s":1.5}}]}`)
	if !p.Submit(bad, 1000) {
		t.Fatal("可路由载荷应进入通道")
	}
	waitFor(t, "非法载荷记账", func() bool {
		return registry.Totals().TotalInvalid == 2
	})
	if registry.Totals().TotalFrames != 0 {
		t.Fatal("非法载荷不应计入帧数")
	}
}

// race_event 阶段 ended 触发显式结束：会话移除、延迟队列丢弃
func TestPipeline_ExplicitEndSignal(t *testing.T) {
	p, registry, buffer := newTestPipeline(t)

	base := int64(1_000_000)
	p.Submit(telemetryMsg("s4", base, 0.1, 0.3), base)
	end := []byte(`{"type":"race_event","sessionId":"s4","timestamp":` +
		fmt.Sprint(base+100) + `,"flagState":"checkered","lap":40,"sessionPhase":"ended"}`)
	p.Submit(end, base+100)

	waitFor(t, "会话结束", func() bool {
		_, ok := registry.SessionStats("s4")
		return !ok
	})
	if buffer.PendingCount("s4") != 0 {
		t.Fatal("结束会话的延迟队列应被丢弃")
	}
}

// 空闲超过阈值的会话被清扫为隐式结束
func TestPipeline_IdleSweep(t *testing.T) {
	p, registry, _ := newTestPipeline(t)

	base := int64(1_000_000)
	p.Submit(telemetryMsg("s5", base, 0.1, 0.3), base)
	waitFor(t, "帧处理完成", func() bool {
		return registry.Totals().TotalFrames == 1
	})

	// 阈值内不清扫
	if n := p.SweepIdle(base + 1000); n != 0 {
		t.Fatalf("阈值内清扫数=%d, want 0", n)
	}

	if n := p.SweepIdle(base + 120_001); n != 1 {
		t.Fatalf("超时清扫数=%d, want 1", n)
	}
	waitFor(t, "空闲会话移除", func() bool {
		_, ok := registry.SessionStats("s5")
		return !ok
	})
}

// 同一会话恒定路由到同一通道
func TestPipeline_LaneRoutingStable(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	first := p.laneFor("subses_9f2c1a")
	for i := 0; i < 10; i++ {
		if p.laneFor("subses_9f2c1a") != first {
			t.Fatal("同一会话路由不稳定")
		}
	}
}
