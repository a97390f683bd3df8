package daemon

import "time"

// TriggerState is the debounce state of one project.
type TriggerState int

const (
	// StateIdle means no events are waiting and no sync is running.
	StateIdle TriggerState = iota
	// StatePending means events arrived and a sync fires at the deadline.
	StatePending
	// StateRunning means a sync is in progress.
	StateRunning
)

// String returns a human-readable representation of the state.
func (s TriggerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// projectTrigger coalesces change events for one project into sync runs.
//
// Transitions:
//
//	Idle    --observe-->  Pending
//	Pending --observe-->  Pending (deadline pushed out, capped by maxWait)
//	Pending --start---->  Running (only once due)
//	Running --observe-->  Running, follow-up recorded
//	Running --finish--->  Idle, or Pending if a follow-up was recorded
//
// It holds no timers and reads no clock; callers pass the time in, so the
// transitions can be driven with synthetic timestamps.
type projectTrigger struct {
	quiet   time.Duration // required quiescence after the last event
	maxWait time.Duration // cap measured from the first event of a burst; 0 disables

	state      TriggerState
	firstEvent time.Time
	lastEvent  time.Time
	followUp   bool

	// immediate makes the pending run due right away.
	immediate bool
}

func newProjectTrigger(quiet, maxWait time.Duration) *projectTrigger {
	return &projectTrigger{quiet: quiet, maxWait: maxWait}
}

// observe records a change event at now.
func (t *projectTrigger) observe(now time.Time) {
	switch t.state {
	case StateIdle:
		t.state = StatePending
		t.firstEvent, t.lastEvent = now, now
	case StatePending:
		t.lastEvent = now
	case StateRunning:
		if !t.followUp {
			t.followUp = true
			t.firstEvent = now
		}
		t.lastEvent = now
	}
}

// force requests a run without waiting for quiescence.
func (t *projectTrigger) force(now time.Time) {
	t.observe(now)
	t.immediate = true
}

// deadline returns when the pending run becomes due.
func (t *projectTrigger) deadline() time.Time {
	if t.immediate {
		return t.lastEvent
	}
	d := t.lastEvent.Add(t.quiet)
	if t.maxWait > 0 {
		if capAt := t.firstEvent.Add(t.maxWait); capAt.Before(d) {
			d = capAt
		}
	}
	return d
}

// due reports whether a pending run should start at now.
func (t *projectTrigger) due(now time.Time) bool {
	return t.state == StatePending && !now.Before(t.deadline())
}

// start moves a pending trigger to Running. It reports false if the trigger
// was not pending.
func (t *projectTrigger) start() bool {
	if t.state != StatePending {
		return false
	}
	t.state = StateRunning
	t.immediate = false
	return true
}

// finish ends a run. It reports true if events arrived during the run and
// another run is now pending.
func (t *projectTrigger) finish() bool {
	if t.state != StateRunning {
		return false
	}
	if t.followUp {
		t.followUp = false
		t.state = StatePending
		return true
	}
	t.state = StateIdle
	return false
}
