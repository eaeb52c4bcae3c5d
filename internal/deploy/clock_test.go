package deploy

import "testing"

func TestSchedulerKeepsOnlyLatestTask(t *testing.T) {
	clock := newFakeClock()
	s := newScheduler(clock)
	var ran []string
	s.schedule(0, func() { ran = append(ran, "first") })
	stale := clock.active()[0]
	s.schedule(0, func() { ran = append(ran, "second") })

	if n := len(clock.active()); n != 1 {
		t.Fatalf("expected one pending task, got %d", n)
	}
	stale.fn()
	clock.fire(t)
	if len(ran) != 1 || ran[0] != "second" {
		t.Fatalf("expected only the replacing task to run, got %v", ran)
	}
	if s.outstanding() {
		t.Fatalf("expected nothing outstanding after firing")
	}
}

func TestSchedulerCancel(t *testing.T) {
	clock := newFakeClock()
	s := newScheduler(clock)
	fired := false
	s.schedule(0, func() { fired = true })
	pending := clock.active()[0]
	s.cancel()
	pending.fn()
	if fired || s.outstanding() {
		t.Fatalf("cancelled task must not run")
	}
}
