package ingest

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"pitbox-relay/internal/config"
	"pitbox-relay/internal/core/model"
)

// SessionState 会话状态
// 状态机: none -> active -> ended（终态；ended 后重建视为全新会话，无暂停态）。
type SessionState string

const (
	// StateActive 活跃
	StateActive SessionState = "active"
	// StateEnded 已结束
	StateEnded SessionState = "ended"
)

// maxDriftSamples 单会话漂移样本环上限
const maxDriftSamples = 100

// sessionEntry 单会话可变状态（内部表示，读者不得直接持有）
type sessionEntry struct {
	sessionID          string
	state              SessionState
	driverCount        int
	createdAtMs        int64
	lastFrameAtMs      int64
	frameCountByStream map[model.StreamType]int64
	totalFrames        int64
	dropCount          int64
	invalidCount       int64
	errorCount         int64
	driftWarnCount     int64
	driftSamples       []float64
	meta               *model.SessionMeta
}

// SessionSnapshot 会话状态快照（拷贝语义，读者安全）
type SessionSnapshot struct {
	// SessionID 会话标识
	SessionID string
	// State 会话状态
	State SessionState
	// DriverCount 车手数量
	DriverCount int
	// CreatedAtMs 创建时间（毫秒）
	CreatedAtMs int64
	// LastFrameAtMs 最近帧时间（毫秒）
	LastFrameAtMs int64
	// FrameCountByStream 按流类型的帧计数（会话生命周期内单调不减）
	FrameCountByStream map[model.StreamType]int64
	// TotalFrames 累计帧数
	TotalFrames int64
	// DropCount 丢弃计数
	DropCount int64
	// InvalidCount 非法载荷计数
	InvalidCount int64
	// ErrorCount 错误计数
	ErrorCount int64
	// DriftWarnCount 漂移告警计数
	DriftWarnCount int64
	// DriftSampleCount 漂移样本数（环内当前数量）
	DriftSampleCount int
}

// HotSession 热度排名条目
type HotSession struct {
	// SessionID 会话标识
	SessionID string
	// FramesPerSec 自创建以来的平均帧率
	FramesPerSec float64
	// TotalFrames 累计帧数
	TotalFrames int64
}

// IngestRates 瞬时接入速率（基于滚动窗口）
type IngestRates struct {
	// GlobalPerSec 全局每秒帧数
	GlobalPerSec float64
	// PerStream 按流类型的每秒帧数
	PerStream map[model.StreamType]float64
}

// GlobalTotals 全局累计计数
type GlobalTotals struct {
	// ActiveSessions 当前活跃会话数
	ActiveSessions int
	// TotalFrames 累计帧数
	TotalFrames int64
	// TotalDrops 累计丢弃数
	TotalDrops int64
	// TotalInvalid 累计非法载荷数
	TotalInvalid int64
	// TotalDriftWarnings 累计漂移告警数
	TotalDriftWarnings int64
	// TotalErrors 累计错误数
	TotalErrors int64
}

// rateWindow 秒粒度滚动计数窗口
// 固定桶数，随写入滚动清零过期桶，避免无界时间戳日志。
type rateWindow struct {
	windowSec int64
	buckets   []int64
	lastSec   int64
}

func newRateWindow(windowMs int64) *rateWindow {
	sec := windowMs / 1000
	if sec <= 0 {
		sec = 60
	}
	return &rateWindow{
		windowSec: sec,
		buckets:   make([]int64, sec),
	}
}

// advance 滚动到 sec，清零期间经过的过期桶
func (w *rateWindow) advance(sec int64) {
	if w.lastSec == 0 {
		w.lastSec = sec
		return
	}
	if sec <= w.lastSec {
		return
	}
	if sec-w.lastSec >= w.windowSec {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
	} else {
		for s := w.lastSec + 1; s <= sec; s++ {
			w.buckets[s%w.windowSec] = 0
		}
	}
	w.lastSec = sec
}

func (w *rateWindow) add(nowMs int64) {
	sec := nowMs / 1000
	w.advance(sec)
	w.buckets[sec%w.windowSec]++
}

// rate 返回窗口内的平均每秒计数
func (w *rateWindow) rate(nowMs int64) float64 {
	w.advance(nowMs / 1000)
	var sum int64
	for _, v := range w.buckets {
		sum += v
	}
	return float64(sum) / float64(w.windowSec)
}

// Registry 会话接入登记处
// 进程级服务对象：在启动时构造并以句柄传入所有调用点（依赖注入），
// 不使用包级全局，便于测试构造隔离实例。
// 并发约定：同一会话的写操作由其处理通道串行化；跨会话读走快照，
// 内部互斥锁仅短持。
type Registry struct {
	cfg     config.IngestConfig
	logger  *zap.Logger
	ledgers *Ledgers

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	globalRate  *rateWindow
	streamRates map[model.StreamType]*rateWindow

	totalFrames        int64
	totalDrops         int64
	totalInvalid       int64
	totalDriftWarnings int64
	totalErrors        int64
}

// NewRegistry 创建会话接入登记处
// 参数 cfg: 接入配置
// 参数 ledgers: 进程级事件台账集合
// 参数 logger: 日志记录器
func NewRegistry(cfg config.IngestConfig, ledgers *Ledgers, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:         cfg,
		logger:      logger.Named("ingest"),
		ledgers:     ledgers,
		sessions:    make(map[string]*sessionEntry),
		globalRate:  newRateWindow(cfg.RateWindowMs),
		streamRates: make(map[model.StreamType]*rateWindow),
	}
}

// RecordSessionCreated 登记会话创建
// 幂等效果：总是（重新）创建一个计数清零的活跃条目，并记录生命周期台账。
func (r *Registry) RecordSessionCreated(sessionID string, nowMs int64) {
	r.mu.Lock()
	r.createLocked(sessionID, nowMs)
	r.mu.Unlock()

	r.ledgers.Lifecycle.Push(LifecycleEvent{Kind: LifecycleCreated, SessionID: sessionID})
	r.logger.Info("会话已创建", zap.String("session", sessionID))
}

// createLocked 创建或重建活跃条目（调用方持锁）
func (r *Registry) createLocked(sessionID string, nowMs int64) *sessionEntry {
	e := &sessionEntry{
		sessionID:          sessionID,
		state:              StateActive,
		createdAtMs:        nowMs,
		lastFrameAtMs:      nowMs,
		frameCountByStream: make(map[model.StreamType]int64),
	}
	r.sessions[sessionID] = e
	metricActiveSessions.Set(float64(len(r.sessions)))
	return e
}

// RecordSessionEnded 登记会话结束
// 标记 ended 后从活跃表移除；无论条目是否存在都记录台账（防御性）。
func (r *Registry) RecordSessionEnded(sessionID string, nowMs int64) {
	r.endSession(sessionID, LifecycleEnded)
}

// RecordSessionIdleTimeout 登记会话空闲超时（隐式结束）
// 效果等同于显式结束，用于结束信号丢失时回收内存。
func (r *Registry) RecordSessionIdleTimeout(sessionID string, nowMs int64) {
	r.endSession(sessionID, LifecycleIdleTimeout)
}

func (r *Registry) endSession(sessionID string, kind LifecycleKind) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.state = StateEnded
		delete(r.sessions, sessionID)
	}
	metricActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	r.ledgers.Lifecycle.Push(LifecycleEvent{Kind: kind, SessionID: sessionID})
	r.logger.Info("会话已结束", zap.String("session", sessionID), zap.String("kind", string(kind)))
}

// RecordFrame 登记一帧接收
// 未知会话自动创建（帧是会话存活的权威信号，状态机转移 none --frame--> active）；
// 更新全局与按流计数，并刷新滚动速率窗口。
func (r *Registry) RecordFrame(sessionID string, stream model.StreamType, nowMs int64) {
	created := false

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		e = r.createLocked(sessionID, nowMs)
		created = true
	}
	e.lastFrameAtMs = nowMs
	e.frameCountByStream[stream]++
	e.totalFrames++
	r.totalFrames++
	r.globalRate.add(nowMs)
	sw, ok := r.streamRates[stream]
	if !ok {
		sw = newRateWindow(r.cfg.RateWindowMs)
		r.streamRates[stream] = sw
	}
	sw.add(nowMs)
	r.mu.Unlock()

	metricFramesTotal.WithLabelValues(string(stream)).Inc()

	if created {
		r.ledgers.Lifecycle.Push(LifecycleEvent{Kind: LifecycleCreated, SessionID: sessionID})
		r.logger.Info("首帧触发会话创建", zap.String("session", sessionID), zap.String("stream", string(stream)))
	}
}

// SetSessionMeta 存储会话元数据（赛道长度等几何上下文）
// 未知会话自动创建。
func (r *Registry) SetSessionMeta(meta model.SessionMeta, nowMs int64) {
	r.mu.Lock()
	e, ok := r.sessions[meta.SessionID]
	if !ok {
		e = r.createLocked(meta.SessionID, nowMs)
	}
	m := meta
	e.meta = &m
	if e.driverCount == 0 {
		e.driverCount = meta.MaxDrivers
	}
	r.mu.Unlock()
}

// SessionMeta 获取会话元数据
// 返回: 元数据拷贝；会话未知或未收到元数据时 ok=false。
func (r *Registry) SessionMeta(sessionID string) (model.SessionMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || e.meta == nil {
		return model.SessionMeta{}, false
	}
	return *e.meta, true
}

// RecordDriverCount 更新会话车手数量（driver_update 流）
func (r *Registry) RecordDriverCount(sessionID string, count int, nowMs int64) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.driverCount = count
	}
	r.mu.Unlock()
}

// RecordDrop 登记一次消息丢弃
// 丢弃在高负载下属预期行为，只计数与记账，不升级为告警。
func (r *Registry) RecordDrop(sessionID, reason string, nowMs int64) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.dropCount++
	}
	r.totalDrops++
	r.mu.Unlock()

	metricDropsTotal.Inc()
	r.ledgers.Transport.Push(TransportEvent{Kind: TransportDrop, SessionID: sessionID, Reason: reason})
}

// RecordDrift 登记一次时钟漂移样本
// 样本总是写入会话漂移环（上限 100，淘汰最旧）；
// 仅当 |driftMs| 超过阈值才升级为告警日志、告警计数与传输台账，
// 漂移永远不会导致帧被拒绝。
func (r *Registry) RecordDrift(sessionID string, driftMs int64, nowMs int64) {
	warn := driftMs > r.cfg.DriftWarnMs || driftMs < -r.cfg.DriftWarnMs

	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.driftSamples = append(e.driftSamples, float64(driftMs))
		if len(e.driftSamples) > maxDriftSamples {
			e.driftSamples = e.driftSamples[len(e.driftSamples)-maxDriftSamples:]
		}
		if warn {
			e.driftWarnCount++
		}
	}
	if warn {
		r.totalDriftWarnings++
	}
	r.mu.Unlock()

	if warn {
		metricDriftWarnsTotal.Inc()
		r.ledgers.Transport.Push(TransportEvent{Kind: TransportDrift, SessionID: sessionID, DriftMs: driftMs})
		r.logger.Warn("时钟漂移超过阈值",
			zap.String("session", sessionID),
			zap.Int64("drift_ms", driftMs),
			zap.Int64("threshold_ms", r.cfg.DriftWarnMs))
	}
}

// RecordInvalidPayload 登记一次非法载荷
// 载荷被丢弃，处理继续；绝不让数据质量问题击穿接入通道。
func (r *Registry) RecordInvalidPayload(sessionID, reason string, nowMs int64) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.invalidCount++
	}
	r.totalInvalid++
	r.mu.Unlock()

	metricInvalidTotal.Inc()
	r.ledgers.Transport.Push(TransportEvent{Kind: TransportInvalid, SessionID: sessionID, Reason: reason})
}

// RecordError 登记一次处理错误
func (r *Registry) RecordError(sessionID, stage, message string, nowMs int64) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.errorCount++
	}
	r.totalErrors++
	r.mu.Unlock()

	r.ledgers.Errors.Push(ErrorEvent{SessionID: sessionID, Stage: stage, Message: message})
}

// SessionStats 获取单会话状态快照
// 返回: 快照与是否存在；未知会话返回 ok=false 而不是报错。
func (r *Registry) SessionStats(sessionID string) (SessionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return SessionSnapshot{}, false
	}
	return snapshotLocked(e), true
}

// AllSessionStats 获取全部活跃会话快照
func (r *Registry) AllSessionStats() []SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, snapshotLocked(e))
	}
	return out
}

func snapshotLocked(e *sessionEntry) SessionSnapshot {
	counts := make(map[model.StreamType]int64, len(e.frameCountByStream))
	for k, v := range e.frameCountByStream {
		counts[k] = v
	}
	return SessionSnapshot{
		SessionID:          e.sessionID,
		State:              e.state,
		DriverCount:        e.driverCount,
		CreatedAtMs:        e.createdAtMs,
		LastFrameAtMs:      e.lastFrameAtMs,
		FrameCountByStream: counts,
		TotalFrames:        e.totalFrames,
		DropCount:          e.dropCount,
		InvalidCount:       e.invalidCount,
		ErrorCount:         e.errorCount,
		DriftWarnCount:     e.driftWarnCount,
		DriftSampleCount:   len(e.driftSamples),
	}
}

// HottestSessions 按自创建以来的平均帧率降序返回前 n 个活跃会话
func (r *Registry) HottestSessions(n int, nowMs int64) []HotSession {
	r.mu.Lock()
	hot := make([]HotSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		elapsedMs := nowMs - e.createdAtMs
		if elapsedMs < 1 {
			elapsedMs = 1
		}
		hot = append(hot, HotSession{
			SessionID:    e.sessionID,
			FramesPerSec: float64(e.totalFrames) / (float64(elapsedMs) / 1000.0),
			TotalFrames:  e.totalFrames,
		})
	}
	r.mu.Unlock()

	sort.Slice(hot, func(i, j int) bool { return hot[i].FramesPerSec > hot[j].FramesPerSec })
	if n > 0 && len(hot) > n {
		hot = hot[:n]
	}
	return hot
}

// IngestRates 返回全局与按流类型的瞬时接入速率
func (r *Registry) IngestRates(nowMs int64) IngestRates {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := IngestRates{
		GlobalPerSec: r.globalRate.rate(nowMs),
		PerStream:    make(map[model.StreamType]float64, len(r.streamRates)),
	}
	for stream, w := range r.streamRates {
		out.PerStream[stream] = w.rate(nowMs)
	}
	return out
}

// DriftP95 计算会话漂移样本的 95 分位数（毫秒）
// 样本数不足最小门槛时返回 ok=false（"unavailable"），避免小样本误导。
func (r *Registry) DriftP95(sessionID string) (float64, bool) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || len(e.driftSamples) < r.cfg.DriftP95MinSamples {
		r.mu.Unlock()
		return 0, false
	}
	samples := make([]float64, len(e.driftSamples))
	copy(samples, e.driftSamples)
	r.mu.Unlock()

	sort.Float64s(samples)
	return stat.Quantile(0.95, stat.Empirical, samples, nil), true
}

// IdleSessions 返回空闲超过配置阈值的会话标识
// 由空闲清扫器周期调用，对结果逐个执行隐式结束。
func (r *Registry) IdleSessions(nowMs int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []string
	for id, e := range r.sessions {
		if nowMs-e.lastFrameAtMs > r.cfg.IdleTimeoutMs {
			idle = append(idle, id)
		}
	}
	return idle
}

// Totals 返回全局累计计数
func (r *Registry) Totals() GlobalTotals {
	r.mu.Lock()
	defer r.mu.Unlock()

	return GlobalTotals{
		ActiveSessions:     len(r.sessions),
		TotalFrames:        r.totalFrames,
		TotalDrops:         r.totalDrops,
		TotalInvalid:       r.totalInvalid,
		TotalDriftWarnings: r.totalDriftWarnings,
		TotalErrors:        r.totalErrors,
	}
}
