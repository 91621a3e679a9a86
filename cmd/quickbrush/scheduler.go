package main

import "time"

// repeatScheduler wraps a single timer armed for the earliest classifier deadline.
//
// It is owned by the daemon goroutine. Arm replaces any pending deadline and Stop
// guarantees that no stale fire is delivered afterwards, so a release always
// cancels the next repeat.
type repeatScheduler struct {
	timer    *time.Timer
	deadline time.Time
	armed    bool
	now      func() time.Time
}

func newRepeatScheduler() *repeatScheduler {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &repeatScheduler{timer: t, now: time.Now}
}

// C returns the fire channel, or nil while disarmed (a nil channel blocks forever in select).
func (r *repeatScheduler) C() <-chan time.Time {
	if !r.armed {
		return nil
	}
	return r.timer.C
}

// Arm schedules a fire at deadline. A deadline in the past fires immediately.
func (r *repeatScheduler) Arm(deadline time.Time) {
	if r.armed && deadline.Equal(r.deadline) {
		return
	}
	r.Stop()

	d := deadline.Sub(r.now())
	if d < 0 {
		d = 0
	}
	r.timer.Reset(d)
	r.deadline = deadline
	r.armed = true
}

// Stop disarms the timer and drains a pending fire.
func (r *repeatScheduler) Stop() {
	if !r.armed {
		return
	}
	if !r.timer.Stop() {
		select {
		case <-r.timer.C:
		default:
		}
	}
	r.armed = false
	r.deadline = time.Time{}
}

// Fired must be called after receiving from C.
func (r *repeatScheduler) Fired() time.Time {
	d := r.deadline
	r.armed = false
	r.deadline = time.Time{}
	return d
}

// Deadline returns the armed deadline.
func (r *repeatScheduler) Deadline() (time.Time, bool) {
	return r.deadline, r.armed
}
