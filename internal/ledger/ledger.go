// Package ledger 实现固定容量、插入有序的通用事件台账。
// 环形缓冲实现：追加 O(1)，超容量自动淘汰最旧条目并累计淘汰计数。
// 本组件只做容量约束，不会失败；预期单写者多读者，写锁仅在追加时短持。
package ledger

import (
	"sync"

	"pitbox-relay/internal/util/timeutil"
)

// DefaultCapacity 默认台账容量
const DefaultCapacity = 500

// Entry 台账条目
// ID 与 TimestampMs 由 Push 时统一分配，条目一经追加不可变。
type Entry[T any] struct {
	// ID 单调递增的条目标识
	ID int64
	// TimestampMs 追加时间戳（毫秒）
	TimestampMs int64
	// Data 分类特定的载荷（各分类为封闭的标签变体类型）
	Data T
}

// Stats 台账统计
type Stats struct {
	// Count 当前条目数
	Count int
	// Capacity 容量上限
	Capacity int
	// EvictedCount 累计淘汰条目数（容量规划用）
	EvictedCount int64
	// TotalAppended 累计追加条目数
	// 不变式: EvictedCount + Count == TotalAppended
	TotalAppended int64
}

// Ledger 固定容量事件台账
type Ledger[T any] struct {
	mu sync.RWMutex

	// capacity 容量上限
	capacity int
	// buf 环形缓冲区
	buf []Entry[T]
	// pos 下一个写入位置
	pos int
	// full 环是否已填满
	full bool
	// nextID 下一个条目 ID
	nextID int64
	// evicted 累计淘汰数
	evicted int64
}

// New 创建事件台账
// 参数 capacity: 容量上限；<=0 时取 DefaultCapacity。
func New[T any](capacity int) *Ledger[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger[T]{
		capacity: capacity,
		buf:      make([]Entry[T], capacity),
		nextID:   1,
	}
}

// Push 追加一条台账条目
// 分配单调 ID 与当前时间戳；超容量时淘汰最旧条目并累计 evicted。
// 返回已存储的条目副本。
func (l *Ledger[T]) Push(data T) Entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry[T]{
		ID:          l.nextID,
		TimestampMs: timeutil.NowMs(),
		Data:        data,
	}
	l.nextID++

	if l.full {
		l.evicted++
	}
	l.buf[l.pos] = e
	l.pos++
	if l.pos >= l.capacity {
		l.pos = 0
		l.full = true
	}

	return e
}

// All 返回全部条目（最新在前）
func (l *Ledger[T]) All() []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(func(Entry[T]) bool { return true }, -1)
}

// Last 返回最近 n 条条目（最新在前）
func (l *Ledger[T]) Last(n int) []Entry[T] {
	if n <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(func(Entry[T]) bool { return true }, n)
}

// Since 返回时间戳不早于 tsMs 的条目（最新在前）
func (l *Ledger[T]) Since(tsMs int64) []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(func(e Entry[T]) bool { return e.TimestampMs >= tsMs }, -1)
}

// Filter 返回满足谓词的条目（最新在前）
func (l *Ledger[T]) Filter(pred func(Entry[T]) bool) []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(pred, -1)
}

// collect 按最新在前遍历环形缓冲并收集条目
// 调用方必须持有读锁；limit<0 表示不限数量。
func (l *Ledger[T]) collect(pred func(Entry[T]) bool, limit int) []Entry[T] {
	size := l.size()
	out := make([]Entry[T], 0, size)

	for i := 0; i < size; i++ {
		idx := l.pos - 1 - i
		if idx < 0 {
			idx += l.capacity
		}
		e := l.buf[idx]
		if !pred(e) {
			continue
		}
		out = append(out, e)
		if limit >= 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// size 当前条目数（调用方持锁）
func (l *Ledger[T]) size() int {
	if l.full {
		return l.capacity
	}
	return l.pos
}

// Stats 返回台账统计
func (l *Ledger[T]) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.size()
	return Stats{
		Count:         count,
		Capacity:      l.capacity,
		EvictedCount:  l.evicted,
		TotalAppended: l.evicted + int64(count),
	}
}

// Clear 清空台账（仅供测试与运维使用）
// 重置条目与淘汰计数，但保留 ID 单调性。
func (l *Ledger[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = make([]Entry[T], l.capacity)
	l.pos = 0
	l.full = false
	l.evicted = 0
}
