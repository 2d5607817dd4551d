package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"scribe/api/internal/blocks"
	"scribe/api/internal/llm"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due, in order.
// Callbacks run outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

type fakeProcessor struct {
	mu        sync.Mutex
	processFn func(context.Context, llm.ProcessRequest) (llm.Result, error)
	resumeFn  func(context.Context, llm.ResumeRequest) (llm.Result, error)
	rewriteFn func(context.Context, llm.RewriteRequest) (llm.Result, error)

	processed []llm.ProcessRequest
	resumed   []llm.ResumeRequest
	rewritten []llm.RewriteRequest
}

func (p *fakeProcessor) Process(ctx context.Context, req llm.ProcessRequest) (llm.Result, error) {
	p.mu.Lock()
	p.processed = append(p.processed, req)
	fn := p.processFn
	p.mu.Unlock()
	if fn == nil {
		return llm.Result{}, errors.New("unexpected process call")
	}
	return fn(ctx, req)
}

func (p *fakeProcessor) Resume(ctx context.Context, req llm.ResumeRequest) (llm.Result, error) {
	p.mu.Lock()
	p.resumed = append(p.resumed, req)
	fn := p.resumeFn
	p.mu.Unlock()
	if fn == nil {
		return llm.Result{}, errors.New("unexpected resume call")
	}
	return fn(ctx, req)
}

func (p *fakeProcessor) Rewrite(ctx context.Context, req llm.RewriteRequest) (llm.Result, error) {
	p.mu.Lock()
	p.rewritten = append(p.rewritten, req)
	fn := p.rewriteFn
	p.mu.Unlock()
	if fn == nil {
		return llm.Result{}, errors.New("unexpected rewrite call")
	}
	return fn(ctx, req)
}

func (p *fakeProcessor) processCalls() []llm.ProcessRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.ProcessRequest(nil), p.processed...)
}

func completed(markdown string) func(context.Context, llm.ProcessRequest) (llm.Result, error) {
	return func(context.Context, llm.ProcessRequest) (llm.Result, error) {
		return llm.Result{Status: llm.StatusCompleted, Markdown: markdown}, nil
	}
}

type fakeSaver struct {
	mu     sync.Mutex
	saveFn func(ctx context.Context, id, content string) error
	saves  []string
}

func (s *fakeSaver) Save(ctx context.Context, id, content string) error {
	s.mu.Lock()
	s.saves = append(s.saves, content)
	fn := s.saveFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, content)
	}
	return nil
}

func (s *fakeSaver) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) SectionChanged(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds(key string) []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		if ev.Key == key {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	eng    *Engine
	doc    *blocks.Document
	clock  *fakeClock
	proc   *fakeProcessor
	saver  *fakeSaver
	events *eventLog
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		doc:    blocks.NewDocument(nil),
		clock:  &fakeClock{},
		proc:   &fakeProcessor{},
		saver:  &fakeSaver{},
		events: &eventLog{},
	}
	opts := Options{
		DocumentID: "doc-1",
		Surface:    h.doc,
		Processor:  h.proc,
		Saver:      h.saver,
		Observers:  []Observer{h.events},
		Clock:      h.clock,
		Timing:     DefaultTiming(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	t.Cleanup(func() { _ = eng.Close() })
	return h
}

// edit replaces the surface content the way the editor does and reports it.
func (h *harness) edit(cursor Cursor, bs ...blocks.Block) {
	h.t.Helper()
	h.doc.Replace(bs)
	if err := h.eng.ContentChanged(cursor); err != nil {
		h.t.Fatalf("ContentChanged: %v", err)
	}
}

func (h *harness) move(cursor Cursor) {
	h.t.Helper()
	if err := h.eng.MoveCursor(cursor); err != nil {
		h.t.Fatalf("MoveCursor: %v", err)
	}
}

// settle waits for every request goroutine and for the events they posted.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 3; i++ {
		h.eng.inflight.Wait()
		h.state()
	}
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.state()
}

func (h *harness) state() State {
	h.t.Helper()
	st, err := h.eng.Snapshot()
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	return st
}

func (h *harness) section(key string) SectionState {
	h.t.Helper()
	sec, ok := h.state().Section(key)
	if !ok {
		h.t.Fatalf("section %s not registered", key)
	}
	return sec
}

func inline(text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[{"type":"text","text":%q,"styles":{}}]`, text))
}

func heading(id, text string) blocks.Block {
	return blocks.Block{ID: id, Type: blocks.TypeHeading, Props: map[string]any{"level": 1}, Content: inline(text)}
}

func para(id, text string) blocks.Block {
	return blocks.Block{ID: id, Type: blocks.TypeParagraph, Content: inline(text)}
}

func at(blockID string) Cursor {
	return Cursor{BlockID: blockID, Focused: true}
}

var noFocus = Cursor{}

func blockIDs(bs []blocks.Block) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.ID)
	}
	return out
}
