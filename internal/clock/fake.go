package clock

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// source is the part of clockwork's fake clock that Fake drives.
type source interface {
	Now() time.Time
	Advance(d time.Duration)
	AfterFunc(d time.Duration, f func()) clockwork.Timer
}

// Fake is a manually driven Scheduler for tests.
// Expiry is tracked by a clockwork fake clock; callbacks run synchronously
// on the goroutine that calls Advance, one at a time in deadline order.
type Fake struct {
	// srcMu keeps deadline computation and clockwork registration atomic
	// with respect to Advance steps.
	srcMu sync.Mutex
	src   source

	mu      sync.Mutex
	expired *sync.Cond
	seq     uint64
	timers  []*fakeTimer
}

type fakeTimer struct {
	f        *Fake
	inner    clockwork.Timer
	deadline time.Time
	seq      uint64
	delay    time.Duration
	fn       func()
	// fired is set once clockwork reports the deadline as reached.
	fired bool
	done  bool
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	f := &Fake{src: clockwork.NewFakeClockAt(start)}
	f.expired = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.srcMu.Lock()
	defer f.srcMu.Unlock()
	return f.src.Now()
}

// AfterFunc schedules fn to run once the fake clock reaches now+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.srcMu.Lock()
	defer f.srcMu.Unlock()

	f.mu.Lock()
	f.seq++
	t := &fakeTimer{
		f:        f,
		deadline: f.src.Now().Add(d),
		seq:      f.seq,
		delay:    d,
		fn:       fn,
	}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	// clockwork may report expiry on its own goroutine, so the mark is
	// taken under mu and Advance waits for it.
	inner := f.src.AfterFunc(d, func() {
		f.mu.Lock()
		t.fired = true
		f.mu.Unlock()
		f.expired.Broadcast()
	})

	f.mu.Lock()
	t.inner = inner
	f.mu.Unlock()
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the window in deadline order. Timers scheduled by a firing
// callback are honoured if they also fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	target := f.Now().Add(d)

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		f.mu.Unlock()
		if next == nil {
			break
		}

		f.step(next.deadline)

		f.mu.Lock()
		for !next.fired && !next.done {
			f.expired.Wait()
		}
		if next.done {
			// stopped by an earlier callback
			f.mu.Unlock()
			continue
		}
		next.done = true
		f.removeLocked(next)
		fn := next.fn
		f.mu.Unlock()

		fn()
	}

	f.step(target)
}

// step moves clockwork forward to at. It never moves backward.
func (f *Fake) step(at time.Time) {
	f.srcMu.Lock()
	defer f.srcMu.Unlock()
	if d := at.Sub(f.src.Now()); d > 0 {
		f.src.Advance(d)
	}
}

// Pending returns the original delays of timers that have not fired or been
// stopped, ordered by deadline.
func (f *Fake) Pending() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := slices.Clone(f.timers)
	slices.SortFunc(live, compareTimers)

	out := make([]time.Duration, 0, len(live))
	for _, t := range live {
		out = append(out, t.delay)
	}
	return out
}

// PendingCount returns the number of live timers.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range f.timers {
		if t.deadline.After(target) {
			continue
		}
		if next == nil || compareTimers(t, next) < 0 {
			next = t
		}
	}
	return next
}

func (f *Fake) removeLocked(target *fakeTimer) {
	if i := slices.Index(f.timers, target); i >= 0 {
		f.timers = slices.Delete(f.timers, i, i+1)
	}
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	if t.done {
		t.f.mu.Unlock()
		return false
	}
	t.done = true
	t.f.removeLocked(t)
	inner := t.inner
	t.f.mu.Unlock()
	t.f.expired.Broadcast()

	if inner != nil {
		inner.Stop()
	}
	return true
}

func compareTimers(a, b *fakeTimer) int {
	if c := a.deadline.Compare(b.deadline); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}
