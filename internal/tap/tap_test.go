// Package tap 观测面脱敏测试
package tap

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pitbox-relay/internal/config"
	"pitbox-relay/internal/core/model"
	"pitbox-relay/internal/ingest"
)

const rawSession = "subses_9f2c1a77d0e4"

func newTestTap() (*Tap, *ingest.Registry) {
	var cfg config.Config
	cfg.SetDefaults()
	ledgers := ingest.NewLedgers(cfg.Ingest.LedgerCapacity)
	reg := ingest.NewRegistry(cfg.Ingest, ledgers, zap.NewNop())
	return New(reg, ledgers, zap.NewNop()), reg
}

func TestRedactSessionID(t *testing.T) {
	assert.Equal(t, "subs...d0e4", RedactSessionID(rawSession))
	// 过短标识整体掩蔽，不泄露首尾
	assert.Equal(t, "****", RedactSessionID("s1"))
	assert.Equal(t, "****", RedactSessionID("12345678"))
	assert.Equal(t, "1234...6789", RedactSessionID("123456789"))
}

func TestTap_HottestSessionsRedacted(t *testing.T) {
	tap, reg := newTestTap()

	for i := 0; i < 100; i++ {
		reg.RecordFrame(rawSession, model.StreamTelemetry, 1000)
	}
	for i := 0; i < 20; i++ {
		reg.RecordDrift(rawSession, int64(i*10), 1000)
	}

	hot := tap.HottestSessions(5, 6000)
	require.Len(t, hot, 1)
	assert.Equal(t, "subs...d0e4", hot[0].SessionID)
	assert.Equal(t, int64(100), hot[0].TotalFrames)
	assert.Greater(t, hot[0].FramesPerSec, 0.0)
	// 漂移样本充足：附带 p95
	require.NotNil(t, hot[0].DriftP95Ms)
	assert.GreaterOrEqual(t, *hot[0].DriftP95Ms, 0.0)
}

func TestTap_RelayStatsAndRates(t *testing.T) {
	tap, reg := newTestTap()

	reg.RecordFrame(rawSession, model.StreamTelemetry, 1000)
	reg.RecordDrop(rawSession, "queue_full", 1000)
	reg.RecordInvalidPayload(rawSession, "bad_lap_pct", 1000)

	stats := tap.RelayStats()
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.TotalFrames)
	assert.Equal(t, int64(1), stats.TotalDrops)
	assert.Equal(t, int64(1), stats.TotalInvalid)

	rates := tap.IngestRates(1500)
	assert.Greater(t, rates.GlobalPerSec, 0.0)
	assert.Contains(t, rates.PerStream, model.StreamTelemetry)
}

func TestTap_RecentEventsRedacted(t *testing.T) {
	tap, reg := newTestTap()

	reg.RecordFrame(rawSession, model.StreamTelemetry, 1000)
	reg.RecordDrop(rawSession, "queue_full", 1000)
	reg.RecordSessionEnded(rawSession, 2000)

	life := tap.RecentLifecycle(10)
	require.Len(t, life, 2)
	for _, e := range life {
		assert.Equal(t, "subs...d0e4", e.SessionID)
	}
	// 新者在前
	assert.Equal(t, "ended", life[0].Kind)
	assert.Equal(t, "created", life[1].Kind)

	trans := tap.RecentTransport(10)
	require.Len(t, trans, 1)
	assert.Equal(t, "drop", trans[0].Kind)
	assert.Equal(t, "queue_full", trans[0].Detail)
	assert.Equal(t, "subs...d0e4", trans[0].SessionID)
}

// 原始标识绝不出现在 /stats 端点的任何输出中
func TestTap_HandlerNeverLeaksRawID(t *testing.T) {
	tap, reg := newTestTap()

	for i := 0; i < 50; i++ {
		reg.RecordFrame(rawSession, model.StreamTelemetry, 1000)
	}
	reg.RecordDrop(rawSession, "queue_full", 1000)
	reg.RecordDrift(rawSession, 9000, 1000)

	rec := httptest.NewRecorder()
	tap.Handler()(rec, httptest.NewRequest("GET", "/stats", nil))

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.False(t, strings.Contains(body, rawSession), "原始会话标识泄露: %s", body)
	assert.Contains(t, body, "subs...d0e4")

	var snap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	for _, key := range []string{"stats", "rates", "hottestSessions", "recentLifecycle", "recentTransport"} {
		assert.Contains(t, snap, key)
	}
}
