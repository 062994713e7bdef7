// Package kinematics 实现车辆空间关系的纯几何计算。
// 所有函数无共享状态，可在任意 goroutine 并发调用。
package kinematics

import (
	"math"

	"pitbox-relay/internal/core/model"
)

// CarLengthM 标准车长（米），重叠比例计算的基准。
// 常量非零，保证除法安全。
const CarLengthM = 4.5

// SideThreshold 横向偏移差判定阈值
// 差值小于该值视为同车道/追尾几何，不构成并行。
const SideThreshold = 0.2

// Side 相对方位
type Side string

const (
	// SideNone 非并行几何（同车道或追尾）
	SideNone Side = ""
	// SideLeft B 车在 A 车左侧
	SideLeft Side = "LEFT"
	// SideRight B 车在 A 车右侧
	SideRight Side = "RIGHT"
)

// LongitudinalGap 计算两车沿赛道中心线的带符号纵向间距（米）
// 先计算 pctB-pctA，再做圈程回绕修正：结果 > 0.5 减 1.0，< -0.5 加 1.0，
// 最后乘以赛道长度。修正保证返回的始终是环路上的较短路径，
// 这才是判断前后/并行关系时物理上有意义的间距。
// 反对称性: LongitudinalGap(a,b,L) == -LongitudinalGap(b,a,L)。
func LongitudinalGap(pctA, pctB, trackLengthM float64) float64 {
	diff := pctB - pctA
	if diff > 0.5 {
		diff -= 1.0
	} else if diff < -0.5 {
		diff += 1.0
	}
	return diff * trackLengthM
}

// ClosingRate 计算两车相对速度的欧氏模长（m/s，恒 >= 0）
// 注意：这是未投影到赛道切线方向的近似值，属于已知简化而非缺陷；
// 下游事故置信度调参依赖该口径，不要擅自改为切向投影。
func ClosingRate(va, vb model.Vec2) float64 {
	dx := vb.X - va.X
	dy := vb.Y - va.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// OverlapPct 根据纵向间距计算重叠比例 [0,1]
// |gap| >= 车长时为 0（无重叠），否则 (车长-|gap|)/车长。
// 单调性：间距越小重叠越大，gap=0 时为 1。
func OverlapPct(gapMeters float64) float64 {
	abs := math.Abs(gapMeters)
	if abs >= CarLengthM {
		return 0
	}
	return (CarLengthM - abs) / CarLengthM
}

// RelativeSide 判断 B 车相对 A 车的横向方位
// |laneOffsetA-laneOffsetB| < 0.2 视为同车道几何返回 SideNone；
// 否则 B 偏移更小返回 LEFT，更大返回 RIGHT。
func RelativeSide(laneOffsetA, laneOffsetB float64) Side {
	diff := laneOffsetB - laneOffsetA
	if math.Abs(diff) < SideThreshold {
		return SideNone
	}
	if diff < 0 {
		return SideLeft
	}
	return SideRight
}
