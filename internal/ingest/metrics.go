package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus 指标：接入路径的累计计数与活跃会话数。
// 台账提供近期明细，这里提供可被抓取的长期累计值。
var (
	metricFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pitbox_relay_frames_total",
		Help: "按流类型统计的累计接收帧数",
	}, []string{"stream"})

	metricDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pitbox_relay_drops_total",
		Help: "累计丢弃消息数",
	})

	metricInvalidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pitbox_relay_invalid_payloads_total",
		Help: "累计非法载荷数",
	})

	metricDriftWarnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pitbox_relay_drift_warnings_total",
		Help: "累计漂移告警数（|drift| 超过阈值）",
	})

	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pitbox_relay_active_sessions",
		Help: "当前活跃会话数",
	})
)
