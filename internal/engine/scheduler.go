package engine

import (
	"time"

	"go.uber.org/zap"
)

// Clock schedules callbacks. Callbacks run on their own goroutine and must
// only post events back to the loop.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type SystemClock struct{}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// reconcileTimers makes the set of running idle timers match the policy: a
// section has a timer while orchestration is enabled, it is a draft still
// present in the stream, and the cursor is elsewhere. Running timers are left
// alone.
func (e *Engine) reconcileTimers() {
	for key, sec := range e.reg.sections {
		want := e.enabled &&
			sec.Status == StatusDraft &&
			e.reg.present[key] &&
			!e.isActive(key)
		switch {
		case want && sec.timer == nil:
			e.startTimer(sec)
		case !want && sec.timer != nil:
			e.stopTimer(sec)
		}
	}
}

func (e *Engine) startTimer(sec *Section) {
	sec.timerSeq++
	key, seq := sec.Key, sec.timerSeq
	sec.timer = e.clock.AfterFunc(e.timing.IdleThreshold, func() {
		e.post(idleTimerFired{key: key, seq: seq})
	})
	e.log.Debug("idle timer started", zap.String("section", key))
}

func (e *Engine) stopTimer(sec *Section) {
	if sec.timer == nil {
		return
	}
	sec.timer.Stop()
	sec.timer = nil
	sec.timerSeq++
}

// onIdle dispatches a section whose countdown ran out. A firing that was
// superseded, or that finds the section no longer in draft, does nothing.
func (e *Engine) onIdle(ev idleTimerFired) {
	sec, ok := e.reg.get(ev.key)
	if !ok || sec.timerSeq != ev.seq || sec.timer == nil {
		return
	}
	sec.timer = nil
	if sec.Status != StatusDraft || !e.enabled {
		return
	}
	e.dispatch(sec)
}
