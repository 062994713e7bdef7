// Package ledger 事件台账属性测试
package ledger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// **Feature: pitbox-relay, Property 3: Ledger Bound Invariant**
// **Validates: Requirements 4.2, 8**

func TestLedger_BoundInvariant_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("evicted + count == totalAppended 且 count <= capacity", prop.ForAll(
		func(capacity, pushes int) bool {
			l := New[int](capacity)
			for i := 0; i < pushes; i++ {
				l.Push(i)
			}

			s := l.Stats()
			if s.Count > s.Capacity {
				return false
			}
			if s.EvictedCount+int64(s.Count) != s.TotalAppended {
				return false
			}
			if s.TotalAppended != int64(pushes) {
				return false
			}
			return len(l.All()) == s.Count
		},
		gen.IntRange(1, 64),
		gen.IntRange(0, 512),
	))

	properties.Property("All 返回的 ID 严格递减（最新在前）", prop.ForAll(
		func(pushes int) bool {
			l := New[int](32)
			for i := 0; i < pushes; i++ {
				l.Push(i)
			}
			all := l.All()
			for i := 1; i < len(all); i++ {
				if all[i-1].ID <= all[i].ID {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
