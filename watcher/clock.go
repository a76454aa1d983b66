package watcher

import "time"

// Clock supplies the deadline timer, so tests can drive time by hand
type Clock interface {
	NewTimer(d time.Duration) Timer
}

// Timer fires once on C
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) C() <-chan time.Time {
	return t.t.C
}

func (t systemTimer) Stop() bool {
	return t.t.Stop()
}
