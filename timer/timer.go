// Package timer implements the monotonic-microsecond one-shot expiry
// primitive used throughout the engine and slmp packages.
//
// All timing in this repository is expressed as a wrapping uint32 count of
// microseconds, supplied by the application on every call to Periodic. The
// wrap is handled by computing elapsed time with modular subtraction rather
// than a direct less-than comparison, so a timer armed near the top of the
// range behaves correctly across the wraparound.
package timer

// Elapsed returns the number of microseconds that passed going from "from"
// to "to", correctly handling uint32 wraparound. It must be used instead of
// "to - from" or "to < from" anywhere elapsed time is computed.
func Elapsed(from, to uint32) uint32 {
	return to - from
}

// Timer is a one-shot, monotonic-microsecond expiry check. A zero-value
// Timer is disarmed.
type Timer struct {
	armed     bool
	deadline  uint32
	startedAt uint32
}

// Arm starts the timer so that it expires durationUs microseconds after
// now. Arming an already-armed timer replaces its deadline.
func (t *Timer) Arm(now uint32, durationUs uint32) {
	t.armed = true
	t.startedAt = now
	t.deadline = now + durationUs
}

// Disarm cancels the timer. Expired reports false and Remaining reports 0
// after this call until Arm is called again; ElapsedSince still measures
// from the last Arm.
func (t *Timer) Disarm() {
	t.armed = false
}

// Armed reports whether the timer is currently running.
func (t *Timer) Armed() bool {
	return t.armed
}

// Expired reports whether the timer is armed and now is at or past its
// deadline. It does not disarm the timer; callers that treat expiry as
// one-shot must call Disarm themselves.
func (t *Timer) Expired(now uint32) bool {
	if !t.armed {
		return false
	}
	return Elapsed(t.startedAt, now) >= Elapsed(t.startedAt, t.deadline)
}

// ElapsedSince returns the microseconds elapsed since the timer was armed.
// It is valid even after expiry or disarming (it uses the last startedAt).
func (t *Timer) ElapsedSince(now uint32) uint32 {
	return Elapsed(t.startedAt, now)
}

// Remaining returns the microseconds left until expiry, or 0 if already
// expired or not armed.
func (t *Timer) Remaining(now uint32) uint32 {
	if !t.armed {
		return 0
	}
	total := Elapsed(t.startedAt, t.deadline)
	elapsed := Elapsed(t.startedAt, now)
	if elapsed >= total {
		return 0
	}
	return total - elapsed
}
