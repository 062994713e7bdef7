// Package backoff 退避计算器测试
package backoff

import (
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	// 关闭抖动便于断言精确值
	b := New(time.Second, 30*time.Second, 0)

	wants := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // 封顶
		30 * time.Second,
	}
	for i, want := range wants {
		got := b.Next()
		if got != want {
			t.Fatalf("第 %d 次 Next()=%v, want %v", i+1, got, want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0.2)

	for i := 0; i < 20; i++ {
		got := b.Next()
		// 抖动后仍应落在 [0.8*delay, 1.2*max]
		if got <= 0 || got > time.Duration(float64(30*time.Second)*1.2) {
			t.Fatalf("Next()=%v 超出抖动范围", got)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := New(time.Second, 30*time.Second, 0)

	b.Next()
	b.Next()
	if b.Attempt() != 2 {
		t.Fatalf("Attempt()=%d, want 2", b.Attempt())
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("Reset 后 Attempt()=%d, want 0", b.Attempt())
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("Reset 后首个 Next()=%v, want 1s", got)
	}
}
