package engine

import (
	"scribe/api/internal/blocks"
	"scribe/api/internal/llm"
)

type EventKind string

const (
	// EventStatus reports a status transition.
	EventStatus EventKind = "status"
	// EventFailed reports a resume or rewrite failure. Status is unchanged.
	EventFailed EventKind = "failed"
	// EventSettled reports that a processed section's completion flash is over.
	EventSettled EventKind = "settled"
)

// Event is what observers see of the register.
type Event struct {
	DocumentID string
	Key        string
	Kind       EventKind
	Status     Status
	Question   string
	Err        error
}

// Observer receives events on the engine's loop. Implementations must not
// call back into the engine.
type Observer interface {
	SectionChanged(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) SectionChanged(ev Event) { f(ev) }

// Loop events. Each is handled to completion before the next.
type (
	documentLoaded   struct{ blocks []blocks.Block }
	contentChanged   struct{ cursor Cursor }
	cursorMoved      struct{ cursor Cursor }
	contextArrived   struct{ fragment Fragment }
	answerSubmitted  struct{ key, answer string }
	rewriteRequested struct{ key, instruction string }
	enabledSet       struct{ enabled bool }
	snapshotTaken    struct{ out *State }
	closeRequested   struct{}

	editApplied struct {
		apply  func() error
		cursor Cursor
	}
	idleTimerFired struct {
		key string
		seq uint64
	}
	responseReceived struct {
		key    string
		id     uint64
		op     operation
		result llm.Result
		err    error
	}
	autosaveFired struct{ seq uint64 }
	lockReleased  struct {
		key string
		seq uint64
	}
	flashExpired struct {
		key string
		seq uint64
	}
)

type operation int

const (
	opProcess operation = iota
	opResume
	opRewrite
)

func (op operation) String() string {
	switch op {
	case opProcess:
		return "process"
	case opResume:
		return "resume"
	case opRewrite:
		return "rewrite"
	default:
		return "unknown"
	}
}
