package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type staticIdle time.Duration

func (s staticIdle) IdleSince() time.Duration { return time.Duration(s) }

func TestOverlappingTicksAreDropped(t *testing.T) {
	var running, maxRunning, runs int32

	task := &Task{
		Name:         "slow",
		Interval:     10 * time.Millisecond,
		InitialDelay: 0,
		Enabled:      true,
		Run: func(ctx context.Context) error {
			cur := atomic.AddInt32(&running, 1)
			for {
				prev := atomic.LoadInt32(&maxRunning)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, cur) {
					break
				}
			}
			atomic.AddInt32(&runs, 1)
			time.Sleep(35 * time.Millisecond) // spans several ticks
			atomic.AddInt32(&running, -1)
			return nil
		},
	}

	m := New(staticIdle(0), task)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if got := atomic.LoadInt32(&maxRunning); got != 1 {
		t.Fatalf("observed %d concurrent executions, invariant is at most 1", got)
	}
	if got := atomic.LoadInt32(&runs); got == 0 {
		t.Fatal("task never ran")
	}
}

func TestIdleGateSkipsButBypassRuns(t *testing.T) {
	var gatedRuns, bypassRuns int32

	gated := &Task{
		Name: "gated", Interval: 10 * time.Millisecond, Enabled: true,
		Run: func(context.Context) error { atomic.AddInt32(&gatedRuns, 1); return nil },
	}
	bypass := &Task{
		Name: "bypass", Interval: 10 * time.Millisecond, Enabled: true, BypassIdleCheck: true,
		Run: func(context.Context) error { atomic.AddInt32(&bypassRuns, 1); return nil },
	}

	m := New(staticIdle(2*time.Hour), gated, bypass) // device long idle
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if atomic.LoadInt32(&gatedRuns) != 0 {
		t.Fatal("idle-gated task ran on an idle device")
	}
	if atomic.LoadInt32(&bypassRuns) == 0 {
		t.Fatal("bypass_idle_check task must run regardless of idleness")
	}
}

func TestCanRunGate(t *testing.T) {
	var runs int32
	task := &Task{
		Name: "windowed", Interval: 10 * time.Millisecond, Enabled: true,
		CanRun: func(time.Time) bool { return false },
		Run:    func(context.Context) error { atomic.AddInt32(&runs, 1); return nil },
	}
	m := New(staticIdle(0), task)
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if atomic.LoadInt32(&runs) != 0 {
		t.Fatal("can_run=false task must not run")
	}
}
