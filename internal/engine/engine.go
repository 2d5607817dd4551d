// Package engine decides, section by section, when a live document's notes
// are ready for processing and merges the processed content back in.
//
// All register state is owned by a single event loop goroutine. Public
// methods enqueue an event and wait for it to be handled; timers and
// network responses enqueue events of their own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"scribe/api/internal/blocks"
	"scribe/api/internal/llm"
)

// Surface is the editing surface's mutation interface.
type Surface interface {
	Blocks() []blocks.Block
	Insert(afterID string, bs []blocks.Block) error
	Remove(ids ...string) error
	Update(b blocks.Block) error
	Replace(bs []blocks.Block)
}

// Processor is the external section processing service.
type Processor interface {
	Process(ctx context.Context, req llm.ProcessRequest) (llm.Result, error)
	Resume(ctx context.Context, req llm.ResumeRequest) (llm.Result, error)
	Rewrite(ctx context.Context, req llm.RewriteRequest) (llm.Result, error)
}

// Saver persists the whole document.
type Saver interface {
	Save(ctx context.Context, documentID, content string) error
}

// ActiveSectionFunc maps the block under the cursor to its section key.
type ActiveSectionFunc func(stream []blocks.Block, blockID string) (string, bool)

// Cursor is the editing surface's focus report. The zero value means the
// surface has no focus.
type Cursor struct {
	BlockID string
	Focused bool
}

type Timing struct {
	IdleThreshold    time.Duration
	AutosaveDelay    time.Duration
	MergeLockRelease time.Duration
	FlashRevert      time.Duration
	RequestTimeout   time.Duration
	CloseSaveTimeout time.Duration

	// ResetTimerOnEdit restarts a running idle timer whenever its
	// unfocused section changes again.
	ResetTimerOnEdit bool
	// ReprocessEdited sends edited processed sections back to draft.
	ReprocessEdited bool
}

func DefaultTiming() Timing {
	return Timing{
		IdleThreshold:    20 * time.Second,
		AutosaveDelay:    time.Second,
		MergeLockRelease: 500 * time.Millisecond,
		FlashRevert:      1500 * time.Millisecond,
		RequestTimeout:   2 * time.Minute,
		CloseSaveTimeout: 5 * time.Second,
	}
}

type Options struct {
	DocumentID    string
	Surface       Surface
	Processor     Processor
	Saver         Saver
	Observers     []Observer
	Clock         Clock
	ActiveSection ActiveSectionFunc
	Timing        Timing
	Logger        *zap.Logger
	// Disabled starts the engine with orchestration switched off.
	Disabled bool
}

type envelope struct {
	ev    any
	reply chan error
}

type Engine struct {
	docID     string
	surface   Surface
	proc      Processor
	saver     Saver
	observers []Observer
	clock     Clock
	activeOf  ActiveSectionFunc
	timing    Timing
	log       *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan envelope
	done     chan struct{}
	inflight sync.WaitGroup

	// Loop-owned state below.
	reg        *register
	baseline   map[string]string
	active     pointer
	enabled    bool
	unassigned []Fragment
	rewrites   map[string]*pendingRewrite
	locks      map[string]*mergeLock
	save       autosave
	seq        uint64
	closed     bool
}

// pointer is the active section. set is false when the surface has no focus,
// which is distinct from the doc-start section being active.
type pointer struct {
	key string
	set bool
}

func New(opts Options) (*Engine, error) {
	if opts.Surface == nil {
		return nil, errors.New("engine: surface is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("engine: processor is required")
	}
	timing := opts.Timing
	defaults := DefaultTiming()
	if timing.IdleThreshold <= 0 {
		timing.IdleThreshold = defaults.IdleThreshold
	}
	if timing.AutosaveDelay <= 0 {
		timing.AutosaveDelay = defaults.AutosaveDelay
	}
	if timing.MergeLockRelease <= 0 {
		timing.MergeLockRelease = defaults.MergeLockRelease
	}
	if timing.FlashRevert <= 0 {
		timing.FlashRevert = defaults.FlashRevert
	}
	if timing.RequestTimeout <= 0 {
		timing.RequestTimeout = defaults.RequestTimeout
	}
	if timing.CloseSaveTimeout <= 0 {
		timing.CloseSaveTimeout = defaults.CloseSaveTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	activeOf := opts.ActiveSection
	if activeOf == nil {
		activeOf = blocks.SectionOf
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		docID:     opts.DocumentID,
		surface:   opts.Surface,
		proc:      opts.Processor,
		saver:     opts.Saver,
		observers: opts.Observers,
		clock:     clock,
		activeOf:  activeOf,
		timing:    timing,
		log:       logger.With(zap.String("doc_id", opts.DocumentID)),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan envelope, 64),
		done:      make(chan struct{}),
		reg:       newRegister(),
		baseline:  map[string]string{},
		enabled:   !opts.Disabled,
		rewrites:  map[string]*pendingRewrite{},
		locks:     map[string]*mergeLock{},
	}
	e.reg.setPartition(sectionKeys(blocks.Partition(opts.Surface.Blocks())))
	go e.loop()
	return e, nil
}

func (e *Engine) DocumentID() string { return e.docID }

// Load reconciles the surface with a freshly loaded document. Sections
// present at load time are not treated as edits.
func (e *Engine) Load(bs []blocks.Block) error {
	return e.submit(documentLoaded{blocks: bs})
}

// ContentChanged reports that the surface's blocks changed.
func (e *Engine) ContentChanged(c Cursor) error {
	return e.submit(contentChanged{cursor: c})
}

// ApplyEdit runs apply on the engine's loop, so no merge can interleave with
// it, and then handles the change like ContentChanged. An error from apply is
// returned and nothing is observed.
func (e *Engine) ApplyEdit(apply func() error, c Cursor) error {
	return e.submit(editApplied{apply: apply, cursor: c})
}

func (e *Engine) MoveCursor(c Cursor) error {
	return e.submit(cursorMoved{cursor: c})
}

// InjectContext routes a side-channel fragment to the active section.
func (e *Engine) InjectContext(kind Kind, text string) error {
	if kind != KindAudio && kind != KindOCR {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return e.submit(contextArrived{fragment: Fragment{Kind: kind, Text: text}})
}

// SubmitAnswer resumes a section paused on a question.
func (e *Engine) SubmitAnswer(key, answer string) error {
	return e.submit(answerSubmitted{key: key, answer: answer})
}

// RequestRewrite asks for a section to be rewritten following instruction,
// whatever its status.
func (e *Engine) RequestRewrite(key, instruction string) error {
	return e.submit(rewriteRequested{key: key, instruction: instruction})
}

// SetEnabled switches orchestration. Disabling cancels every idle timer and
// leaves statuses alone.
func (e *Engine) SetEnabled(enabled bool) error {
	return e.submit(enabledSet{enabled: enabled})
}

func (e *Engine) Snapshot() (State, error) {
	var st State
	if err := e.submit(snapshotTaken{out: &st}); err != nil {
		return State{}, err
	}
	return st, nil
}

// Close tears the register down, stops every timer and aborts in-flight
// requests. A pending autosave is flushed first.
func (e *Engine) Close() error {
	err := e.submit(closeRequested{})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (e *Engine) submit(ev any) error {
	reply := make(chan error, 1)
	select {
	case e.events <- envelope{ev: ev, reply: reply}:
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// post enqueues an event from a timer or request goroutine.
func (e *Engine) post(ev any) {
	select {
	case e.events <- envelope{ev: ev}:
	case <-e.done:
	}
}

func (e *Engine) loop() {
	defer close(e.done)
	for env := range e.events {
		err := e.handle(env.ev)
		if env.reply != nil {
			env.reply <- err
		}
		if e.closed {
			return
		}
	}
}

func (e *Engine) handle(ev any) error {
	switch ev := ev.(type) {
	case documentLoaded:
		e.onLoad(ev.blocks)
	case contentChanged:
		e.onContentChanged(ev.cursor)
	case editApplied:
		if err := ev.apply(); err != nil {
			return err
		}
		e.onContentChanged(ev.cursor)
	case cursorMoved:
		e.onCursorMoved(ev.cursor)
	case contextArrived:
		e.onContext(ev.fragment)
	case answerSubmitted:
		return e.resume(ev.key, ev.answer)
	case rewriteRequested:
		return e.rewrite(ev.key, ev.instruction)
	case enabledSet:
		e.enabled = ev.enabled
		e.reconcileTimers()
	case snapshotTaken:
		*ev.out = e.snapshot()
	case closeRequested:
		e.teardown()
	case idleTimerFired:
		e.onIdle(ev)
	case responseReceived:
		e.onResponse(ev)
	case autosaveFired:
		e.onAutosave(ev)
	case lockReleased:
		e.onLockReleased(ev)
	case flashExpired:
		e.onFlashExpired(ev)
	default:
		return fmt.Errorf("engine: unknown event %T", ev)
	}
	return nil
}

func (e *Engine) onLoad(bs []blocks.Block) {
	for _, sec := range e.reg.sections {
		e.stopTimer(sec)
		sec.dropRequest()
	}
	for key, rw := range e.rewrites {
		rw.cancel()
		delete(e.rewrites, key)
	}
	e.reg = newRegister()
	e.surface.Replace(bs)

	parts := blocks.Partition(e.surface.Blocks())
	e.baseline = make(map[string]string, len(parts))
	for _, part := range parts {
		e.baseline[part.Key] = blocks.Fingerprint(part.Blocks)
	}
	e.reg.setPartition(sectionKeys(parts))
	e.log.Debug("document loaded", zap.Int("blocks", len(bs)), zap.Int("sections", len(parts)))
}

func (e *Engine) onContentChanged(c Cursor) {
	e.setPointer(c)
	e.observe()
	e.reconcileTimers()
	e.scheduleAutosave()
}

func (e *Engine) onCursorMoved(c Cursor) {
	e.setPointer(c)
	e.reconcileTimers()
}

func (e *Engine) setPointer(c Cursor) {
	if !c.Focused {
		e.active = pointer{}
		return
	}
	key, ok := e.activeOf(e.surface.Blocks(), c.BlockID)
	if !ok || key == "" {
		key = blocks.DocStartKey
	}
	e.active = pointer{key: key, set: true}
}

func (e *Engine) isActive(key string) bool {
	return e.active.set && e.active.key == key
}

// observe re-partitions the stream and moves every changed section to the
// status its change calls for.
func (e *Engine) observe() {
	parts := blocks.Partition(e.surface.Blocks())
	e.reg.setPartition(sectionKeys(parts))
	for _, part := range parts {
		fp := blocks.Fingerprint(part.Blocks)
		sec, known := e.reg.get(part.Key)
		if known && sec.Snapshot == fp {
			continue
		}
		base, loaded := e.baseline[part.Key]
		if !known && loaded && base == fp {
			continue
		}

		isNew := !known && !loaded
		if e.lockedFor(part.Key, isNew) {
			sec = e.reg.ensure(part.Key)
			sec.Snapshot, sec.Payload = fp, part.Blocks
			if sec.Status != StatusProcessed {
				sec.dropRequest()
				sec.Question, sec.Failure = "", ""
				e.transition(sec, StatusProcessed)
			}
			continue
		}

		if known && sec.Status == StatusProcessed && !e.timing.ReprocessEdited {
			sec.Snapshot, sec.Payload = fp, part.Blocks
			continue
		}

		sec = e.reg.ensure(part.Key)
		sec.Snapshot, sec.Payload = fp, part.Blocks
		e.toDraft(sec)
	}
}

// toDraft records a user edit on sec.
func (e *Engine) toDraft(sec *Section) {
	if sec.Status == StatusDraft {
		if e.timing.ResetTimerOnEdit && sec.timer != nil {
			e.stopTimer(sec)
		}
	} else {
		sec.dropRequest()
		sec.Question, sec.Failure = "", ""
		e.transition(sec, StatusDraft)
	}
	if e.isActive(sec.Key) {
		e.flushUnassigned(sec)
	}
}

// transition moves sec to status and notifies observers.
func (e *Engine) transition(sec *Section, to Status) bool {
	if !e.setStatus(sec, to) {
		return false
	}
	e.announce(sec)
	return true
}

// setStatus applies a transition from the table. Anything else is refused
// and logged.
func (e *Engine) setStatus(sec *Section, to Status) bool {
	from := sec.Status
	if from == to {
		return false
	}
	if !canTransition(from, to) {
		e.log.Error("refused section transition",
			zap.String("section", sec.Key), zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	sec.Status = to
	e.log.Debug("section transition",
		zap.String("section", sec.Key), zap.String("from", string(from)), zap.String("to", string(to)))
	return true
}

func (e *Engine) announce(sec *Section) {
	e.emit(Event{Key: sec.Key, Kind: EventStatus, Status: sec.Status, Question: sec.Question})
	if sec.Status == StatusProcessed {
		e.scheduleFlash(sec)
	}
}

func (e *Engine) emit(ev Event) {
	ev.DocumentID = e.docID
	for _, o := range e.observers {
		o.SectionChanged(ev)
	}
}

func (e *Engine) scheduleFlash(sec *Section) {
	sec.flashSeq++
	key, seq := sec.Key, sec.flashSeq
	e.clock.AfterFunc(e.timing.FlashRevert, func() {
		e.post(flashExpired{key: key, seq: seq})
	})
}

func (e *Engine) onFlashExpired(ev flashExpired) {
	sec, ok := e.reg.get(ev.key)
	if !ok || sec.flashSeq != ev.seq || sec.Status != StatusProcessed {
		return
	}
	e.emit(Event{Key: sec.Key, Kind: EventSettled, Status: sec.Status})
}

// spawn runs a network call off the loop. Its context dies with the engine.
func (e *Engine) spawn(fn func(ctx context.Context)) context.CancelFunc {
	ctx, cancel := context.WithTimeout(e.ctx, e.timing.RequestTimeout)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		fn(ctx)
	}()
	return cancel
}

func (e *Engine) nextID() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) teardown() {
	e.flushAutosave()
	for _, sec := range e.reg.sections {
		e.stopTimer(sec)
		sec.dropRequest()
	}
	for _, rw := range e.rewrites {
		rw.cancel()
	}
	for key := range e.locks {
		e.releaseLock(key)
	}
	e.cancel()
	e.reg = newRegister()
	e.rewrites = map[string]*pendingRewrite{}
	e.unassigned = nil
	e.closed = true
	e.log.Debug("engine closed")
}

func sectionKeys(parts []blocks.Section) []string {
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		keys = append(keys, p.Key)
	}
	return keys
}
