package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var order []string
	f.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	f.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	f.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	f.Advance(2 * time.Second)
	if got := len(order); got != 2 {
		t.Fatalf("fired = %d, want 2", got)
	}

	f.Advance(time.Second)
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if f.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", f.PendingCount())
	}
}

func TestFake_StopPreventsCallback(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop() = false on a live timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	f.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFake_CallbackCanReschedule(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		f.AfterFunc(10*time.Second, tick)
	}
	f.AfterFunc(10*time.Second, tick)

	f.Advance(35 * time.Second)
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
	if got := f.Now(); !got.Equal(time.Unix(35, 0)) {
		t.Errorf("Now() = %v, want %v", got, time.Unix(35, 0))
	}

	pending := f.Pending()
	if len(pending) != 1 || pending[0] != 10*time.Second {
		t.Errorf("Pending() = %v, want [10s]", pending)
	}
}

func TestFake_SameDeadlineFiresInScheduleOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	var order []int
	for i := 0; i < 5; i++ {
		f.AfterFunc(time.Second, func() { order = append(order, i) })
	}

	f.Advance(time.Second)
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want 0..4", order)
		}
	}
	if len(order) != 5 {
		t.Errorf("fired = %d, want 5", len(order))
	}
}

func TestFake_CallbackStopsLaterTimer(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := false
	var later Timer
	f.AfterFunc(time.Second, func() { later.Stop() })
	later = f.AfterFunc(2*time.Second, func() { fired = true })

	f.Advance(5 * time.Second)
	if fired {
		t.Error("timer stopped by an earlier callback still fired")
	}
	if f.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", f.PendingCount())
	}
}

func TestFake_ZeroDelayFiresOnNextAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := false
	f.AfterFunc(0, func() { fired = true })
	if fired {
		t.Fatal("callback ran before Advance")
	}

	f.Advance(0)
	if !fired {
		t.Error("zero-delay timer did not fire")
	}
}

func TestReal_AfterFuncFires(t *testing.T) {
	s := Real()

	done := make(chan time.Time, 1)
	start := s.Now()
	s.AfterFunc(10*time.Millisecond, func() { done <- s.Now() })

	select {
	case at := <-done:
		if at.Before(start) {
			t.Errorf("fired at %v, before start %v", at, start)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("real timer never fired")
	}

	stopped := s.AfterFunc(time.Hour, func() {})
	if !stopped.Stop() {
		t.Error("Stop() = false on a live timer")
	}
}
