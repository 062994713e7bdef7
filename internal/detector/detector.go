// Package detector 实现空间事故检测。
// 每帧对邻近车辆做成对几何计算，跨帧跟踪配对状态，
// 在重叠进入/脱离、三车并行、接近速率异常时产生事故候选。
// 检测器实例归属会话处理通道（单写者），不做内部加锁。
package detector

import (
	"fmt"
	"sort"

	"pitbox-relay/internal/config"
	"pitbox-relay/internal/core/kinematics"
	"pitbox-relay/internal/core/model"
)

// pairPhase 配对重叠状态
// 状态机: clear -> overlapped -> clear，每次转移恰好产生一条候选，
// 避免同一重叠局面逐帧重复上报。
type pairPhase int

const (
	phaseClear pairPhase = iota
	phaseOverlapped
)

// pairKey 配对键，恒保证 a < b
type pairKey struct {
	a, b int
}

func makePairKey(x, y int) pairKey {
	if x < y {
		return pairKey{a: x, b: y}
	}
	return pairKey{a: y, b: x}
}

// pairState 单配对的跨帧状态
type pairState struct {
	// phase 重叠状态
	phase pairPhase
	// side 进入重叠时的相对方位
	side kinematics.Side
	// closingEpisode 接近速率异常进行中（防止逐帧重复上报）
	closingEpisode bool
	// lastTouchMs 最近一次参与几何计算的时间
	lastTouchMs int64
}

// Detector 单会话空间事故检测器
type Detector struct {
	// cfg 检测配置
	cfg config.DetectorConfig
	// sessionID 会话标识
	sessionID string

	// pairs 配对状态表
	pairs map[pairKey]*pairState
	// lastSeenMs 各车最近出现时间（毫秒）
	lastSeenMs map[int]int64
	// threeWideActive 已上报的三车并行组合（签名 -> 是否仍成立）
	threeWideActive map[string]bool
}

// New 创建会话检测器
// 参数 cfg: 检测配置
// 参数 sessionID: 会话标识
func New(cfg config.DetectorConfig, sessionID string) *Detector {
	return &Detector{
		cfg:             cfg,
		sessionID:       sessionID,
		pairs:           make(map[pairKey]*pairState),
		lastSeenMs:      make(map[int]int64),
		threeWideActive: make(map[string]bool),
	}
}

// ProcessFrame 处理一帧，返回本帧产生的事故候选
// 参数 frame: 会话帧
// 参数 trackLengthM: 赛道长度（米），来自会话元数据
// 参数 nowMs: 服务端当前时间（毫秒），用于失联清理
// 成对几何前先按圈程百分比差做候选裁剪，避免对远距车辆做 O(n²) 精确计算。
func (d *Detector) ProcessFrame(frame *model.Frame, trackLengthM float64, nowMs int64) []model.IncidentCandidate {
	if frame == nil || trackLengthM <= 0 {
		return nil
	}

	var out []model.IncidentCandidate

	// 维修区车辆不参与检测
	cars := make([]model.CarState, 0, len(frame.Cars))
	for _, c := range frame.Cars {
		if c.InPit {
			continue
		}
		cars = append(cars, c)
		d.lastSeenMs[c.CarID] = nowMs
	}

	d.expireStale(nowMs)

	// 本帧处于重叠状态的配对（供三车并行判定）
	overlapped := make(map[pairKey]float64)
	pctByCar := make(map[int]float64, len(cars))

	for i := 0; i < len(cars); i++ {
		pctByCar[cars[i].CarID] = cars[i].LapDistPct
		for j := i + 1; j < len(cars); j++ {
			a, b := cars[i], cars[j]

			// 候选裁剪：回绕感知的圈程差超出阈值则跳过精确几何
			if !withinProximity(a.LapDistPct, b.LapDistPct, d.cfg.ProximityPct) {
				continue
			}

			key := makePairKey(a.CarID, b.CarID)
			st, ok := d.pairs[key]
			if !ok {
				st = &pairState{}
				d.pairs[key] = st
			}
			st.lastTouchMs = nowMs

			gap := kinematics.LongitudinalGap(a.LapDistPct, b.LapDistPct, trackLengthM)
			overlapPct := kinematics.OverlapPct(gap)
			side := kinematics.RelativeSide(a.LaneOffset, b.LaneOffset)

			// 并行重叠 = 纵向重叠且存在横向错位；
			// side 为空表示同车道/追尾几何，交给接近速率检测处理。
			isOverlap := overlapPct > 0 && side != kinematics.SideNone

			switch {
			case isOverlap && st.phase == phaseClear:
				st.phase = phaseOverlapped
				st.side = side
				out = append(out, d.candidate(frame, model.KindOverlapEnter, []int{key.a, key.b}, overlapPct, string(side), gap, 0, a.LapDistPct))
			case !isOverlap && st.phase == phaseOverlapped:
				st.phase = phaseClear
				out = append(out, d.candidate(frame, model.KindOverlapExit, []int{key.a, key.b}, overlapPct, string(st.side), gap, 0, a.LapDistPct))
				st.side = kinematics.SideNone
			}

			if st.phase == phaseOverlapped {
				overlapped[key] = a.LapDistPct
			}

			// 接近速率异常：仅当双方都有速度数据时参与；
			// 每个异常事件段只上报一次。
			if a.HasVelocity && b.HasVelocity {
				rate := kinematics.ClosingRate(a.Velocity, b.Velocity)
				if rate > d.cfg.ClosingAnomalyMs {
					if !st.closingEpisode {
						st.closingEpisode = true
						out = append(out, d.candidate(frame, model.KindClosingRateAnomaly, []int{key.a, key.b}, 0, "", gap, rate, a.LapDistPct))
					}
				} else {
					st.closingEpisode = false
				}
			}
		}
	}

	out = append(out, d.detectThreeWide(frame, overlapped, pctByCar, trackLengthM)...)

	return out
}

// withinProximity 回绕感知的圈程差裁剪
func withinProximity(pctA, pctB, threshold float64) bool {
	diff := pctA - pctB
	if diff < 0 {
		diff = -diff
	}
	if diff > 0.5 {
		diff = 1.0 - diff
	}
	return diff <= threshold
}

// detectThreeWide 三车并行判定
// 某车同时与 >=2 辆车处于重叠状态，且三车落在同一纵向带内时上报；
// 同一组合只在形成时上报一次，散开后允许再次上报。
func (d *Detector) detectThreeWide(frame *model.Frame, overlapped map[pairKey]float64, pctByCar map[int]float64, trackLengthM float64) []model.IncidentCandidate {
	partners := make(map[int][]int)
	for key := range overlapped {
		partners[key.a] = append(partners[key.a], key.b)
		partners[key.b] = append(partners[key.b], key.a)
	}

	current := make(map[string][]int)
	for car, ps := range partners {
		if len(ps) < 2 {
			continue
		}
		for i := 0; i < len(ps); i++ {
			for j := i + 1; j < len(ps); j++ {
				trio := []int{car, ps[i], ps[j]}
				sort.Ints(trio)
				if !d.withinBand(trio, pctByCar, trackLengthM) {
					continue
				}
				current[trioSignature(trio)] = trio
			}
		}
	}

	var out []model.IncidentCandidate
	for sig, trio := range current {
		if !d.threeWideActive[sig] {
			d.threeWideActive[sig] = true
			out = append(out, d.candidate(frame, model.KindThreeWide, trio, 0, "", 0, 0, pctByCar[trio[0]]))
		}
	}
	// 不再成立的组合清除，允许下次重新形成时再次上报
	for sig := range d.threeWideActive {
		if _, ok := current[sig]; !ok {
			delete(d.threeWideActive, sig)
		}
	}

	return out
}

// withinBand 三车是否落在配置的纵向带内
func (d *Detector) withinBand(trio []int, pctByCar map[int]float64, trackLengthM float64) bool {
	for i := 0; i < len(trio); i++ {
		for j := i + 1; j < len(trio); j++ {
			gap := kinematics.LongitudinalGap(pctByCar[trio[i]], pctByCar[trio[j]], trackLengthM)
			if gap < 0 {
				gap = -gap
			}
			if gap > d.cfg.ThreeWideBandM {
				return false
			}
		}
	}
	return true
}

func trioSignature(trio []int) string {
	return fmt.Sprintf("%d-%d-%d", trio[0], trio[1], trio[2])
}

// expireStale 清理失联车辆与长期未触达的配对状态
// 中途消失的车不会卡死在 overlapped：超时后配对状态直接复位。
// 拉开距离后不再进入裁剪范围的配对同样按 lastTouchMs 回收，
// 保证状态表规模与当前邻近关系成正比。
func (d *Detector) expireStale(nowMs int64) {
	for carID, seen := range d.lastSeenMs {
		if nowMs-seen <= d.cfg.StaleTimeoutMs {
			continue
		}
		delete(d.lastSeenMs, carID)
		for key := range d.pairs {
			if key.a == carID || key.b == carID {
				delete(d.pairs, key)
			}
		}
	}
	for key, st := range d.pairs {
		if nowMs-st.lastTouchMs > d.cfg.StaleTimeoutMs {
			delete(d.pairs, key)
		}
	}
}

func (d *Detector) candidate(frame *model.Frame, kind model.IncidentKind, carIDs []int, overlapPct float64, side string, gapM, closingRate, lapDistPct float64) model.IncidentCandidate {
	ids := make([]int, len(carIDs))
	copy(ids, carIDs)
	sort.Ints(ids)
	return model.IncidentCandidate{
		SessionID:     d.sessionID,
		EventTimeMs:   frame.CapturedAtMs,
		Kind:          kind,
		CarIDs:        ids,
		OverlapPct:    overlapPct,
		Side:          side,
		GapM:          gapM,
		ClosingRateMs: closingRate,
		LapDistPct:    lapDistPct,
	}
}
