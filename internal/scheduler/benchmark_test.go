package scheduler

import (
	"testing"

	"github.com/cbegin/beatgrid-go/internal/pattern"
)

func BenchmarkTick(b *testing.B) {
	lib := newFakeLibrary("kick", "snare", "hiHatClosed")
	clock := newFakeClock(lib)
	s := newTestScheduler(b, clock, lib)
	g := pattern.Scaffold(4, 4)
	g.Resize(64)
	for i := 0; i < 64; i++ {
		_ = g.Set(2, i, true)
		if i%4 == 0 {
			_ = g.Set(0, i, true)
		}
	}
	q, err := g.Queue(pattern.DefaultTempo())
	if err != nil {
		b.Fatalf("queue: %v", err)
	}
	s.SetQueue(q)

	b.ResetTimer()
	now := 0.0
	for i := 0; i < b.N; i++ {
		now += 0.025
		clock.set(now)
		s.Tick()
		if i%1024 == 0 {
			clock.taken()
		}
	}
}
