package live

import (
	"sync"
	"time"

	"scribe/api/internal/blocks"
	"scribe/api/internal/engine"
)

const eventLogSize = 50

// Session is one document open for live editing.
type Session struct {
	id     string
	doc    *blocks.Document
	eng    *engine.Engine
	events *eventLog
}

// Snapshot is what a polling client sees of a session.
type Snapshot struct {
	engine.State
	Blocks   []blocks.Block `json:"blocks"`
	Revision int64          `json:"revision"`
	Events   []EventRecord  `json:"events"`
}

func (s *Session) ID() string { return s.id }

func (s *Session) Snapshot() (Snapshot, error) {
	st, err := s.eng.Snapshot()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		State:    st,
		Blocks:   s.doc.Blocks(),
		Revision: s.doc.Revision(),
		Events:   s.events.list(),
	}, nil
}

// Edit replaces the surface content with what the editor reports and tells
// the engine about it. base is the revision the editor's content derives
// from; a report against an older revision fails with
// blocks.ErrStaleRevision and the editor has to resync first. Block colors
// painted by the session survive.
func (s *Session) Edit(base int64, stream []blocks.Block, c engine.Cursor) error {
	return s.eng.ApplyEdit(func() error {
		return s.doc.ReplaceAt(base, stream)
	}, c)
}

func (s *Session) Revision() int64 { return s.doc.Revision() }

func (s *Session) MoveCursor(c engine.Cursor) error {
	return s.eng.MoveCursor(c)
}

func (s *Session) Inject(kind engine.Kind, text string) error {
	return s.eng.InjectContext(kind, text)
}

func (s *Session) Answer(key, answer string) error {
	return s.eng.SubmitAnswer(key, answer)
}

func (s *Session) Rewrite(key, instruction string) error {
	return s.eng.RequestRewrite(key, instruction)
}

func (s *Session) SetEnabled(enabled bool) error {
	return s.eng.SetEnabled(enabled)
}

// EventRecord is a section event as kept for clients.
type EventRecord struct {
	Seq      uint64           `json:"seq"`
	At       time.Time        `json:"at"`
	Key      string           `json:"key"`
	Kind     engine.EventKind `json:"kind"`
	Status   engine.Status    `json:"status"`
	Question string           `json:"question,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// eventLog keeps the latest section events of a session.
type eventLog struct {
	mu    sync.Mutex
	size  int
	seq   uint64
	items []EventRecord
}

func newEventLog(size int) *eventLog {
	return &eventLog{size: size}
}

func (l *eventLog) SectionChanged(ev engine.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	rec := EventRecord{
		Seq:      l.seq,
		At:       time.Now().UTC(),
		Key:      ev.Key,
		Kind:     ev.Kind,
		Status:   ev.Status,
		Question: ev.Question,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	l.items = append(l.items, rec)
	if len(l.items) > l.size {
		l.items = append(l.items[:0:0], l.items[len(l.items)-l.size:]...)
	}
}

func (l *eventLog) list() []EventRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventRecord{}, l.items...)
}
