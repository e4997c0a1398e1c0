// Package clock provides the monotonic time source and one-shot timer
// facility used by routingmeta and net. AfterFunc schedules a callback
// to run once after a delay, and the returned Timer can be cancelled
// before it fires. Cancellation racing with delivery is resolved by
// the caller (routingmeta, net), not here — Stop merely best-efforts.
package clock

import "time"

// AbsTime represents a monotonic instant in nanoseconds since some
// unspecified epoch. Only differences between AbsTime values are
// meaningful.
type AbsTime int64

// Sub returns t-t2 as a duration.
func (t AbsTime) Sub(t2 AbsTime) time.Duration {
	return time.Duration(t - t2)
}

// Add returns t+d.
func (t AbsTime) Add(d time.Duration) AbsTime {
	return t + AbsTime(d)
}

// Timer represents a scheduled, cancellable one-shot callback.
type Timer interface {
	// Stop cancels the timer. It returns true if the cancellation
	// happened before the timer fired.
	Stop() bool
}

// Clock abstracts over wall-clock time so that routingmeta and net can
// be driven by a Simulated clock in tests, exactly as the production
// node uses the System clock.
type Clock interface {
	Now() AbsTime
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the real, wall-clock backed Clock.
type System struct{}

var _ Clock = System{}

// processStart is the epoch of System's AbsTime readings; time.Since
// measures from it with the runtime's monotonic clock reading.
var processStart = time.Now()

func (System) Now() AbsTime {
	return AbsTime(time.Since(processStart))
}

func (System) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return &systemTimer{t: time.AfterFunc(d, f)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) Stop() bool {
	return s.t.Stop()
}
