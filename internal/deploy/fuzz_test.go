package deploy_test

import (
	"fmt"
	"testing"
	"time"

	"drydock/internal/deploy"
)

func FuzzWatchSchedule_StaysWithinBudget(f *testing.F) {
	f.Add(uint32(1000), uint32(30000))
	f.Add(uint32(0), uint32(300000))
	f.Add(uint32(500), uint32(3500))
	f.Add(uint32(2000), uint32(2000))

	f.Fuzz(func(t *testing.T, lo, span uint32) {
		minMS := int(lo % 600000)
		maxMS := minMS + int(span%600000)
		w, err := deploy.ParseWatchTime(fmt.Sprintf("%d-%d", minMS, maxMS))
		if err != nil {
			t.Fatalf("ParseWatchTime() error = %v", err)
		}

		steps := deploy.WatchSchedule(w)
		if len(steps) == 0 || steps[0] != w.Min {
			t.Fatalf("WatchSchedule(%v) = %v, want first step %v", w, steps, w.Min)
		}
		var total time.Duration
		for i, d := range steps {
			total += d
			if i == 0 {
				continue
			}
			if d < time.Second || d > 15*time.Second {
				t.Fatalf("WatchSchedule(%v)[%d] = %v, want 1s..15s", w, i, d)
			}
			if d != steps[1] {
				t.Fatalf("WatchSchedule(%v) has uneven steps %v", w, steps)
			}
		}
		if total > w.Max {
			t.Fatalf("WatchSchedule(%v) sums to %v, over budget", w, total)
		}
		if len(steps) > 1 && w.Max-total >= steps[1] {
			t.Fatalf("WatchSchedule(%v) sums to %v, leaves a full step unused", w, total)
		}
	})
}
