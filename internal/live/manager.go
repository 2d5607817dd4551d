// Package live hosts the editing sessions that are open against the
// orchestration engine, one per document.
package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"scribe/api/internal/blocks"
	"scribe/api/internal/engine"
	"scribe/api/internal/present"
	"scribe/api/internal/store"
)

var ErrNoSession = errors.New("no live session for document")

// DocumentStore loads and saves document content. Its Save doubles as the
// engine's autosave target.
type DocumentStore interface {
	Load(ctx context.Context, id string) (string, error)
	Save(ctx context.Context, id, content string) error
}

type Options struct {
	Store     DocumentStore
	Processor engine.Processor
	Timing    engine.Timing
	Clock     engine.Clock
	Logger    *zap.Logger
	// Observers are attached to every session in addition to its presenter.
	Observers []engine.Observer
}

type Manager struct {
	opts     Options
	log      *zap.Logger
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for id, starting one when none is open. created
// reports whether this call started it. A document the store does not know
// opens empty; content that does not parse as blocks opens empty too.
func (m *Manager) Open(ctx context.Context, id string) (sess *Session, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, false, nil
	}

	stream, err := m.load(ctx, id)
	if err != nil {
		return nil, false, err
	}

	doc := blocks.NewDocument(nil)
	events := newEventLog(eventLogSize)
	observers := append([]engine.Observer{present.New(doc), events}, m.opts.Observers...)
	eng, err := engine.New(engine.Options{
		DocumentID: id,
		Surface:    doc,
		Processor:  m.opts.Processor,
		Saver:      m.opts.Store,
		Observers:  observers,
		Clock:      m.opts.Clock,
		Timing:     m.opts.Timing,
		Logger:     m.log,
	})
	if err != nil {
		return nil, false, fmt.Errorf("start engine for %s: %w", id, err)
	}
	if err := eng.Load(stream); err != nil {
		_ = eng.Close()
		return nil, false, fmt.Errorf("load %s into engine: %w", id, err)
	}

	sess = &Session{id: id, doc: doc, eng: eng, events: events}
	m.sessions[id] = sess
	m.log.Info("live session opened", zap.String("doc_id", id), zap.Int("blocks", len(stream)))
	return sess, true, nil
}

func (m *Manager) load(ctx context.Context, id string) ([]blocks.Block, error) {
	content, err := m.opts.Store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	stream, err := blocks.Parse(content)
	if err != nil {
		m.log.Warn("stored content is not a block document, opening empty", zap.String("doc_id", id), zap.Error(err))
		return nil, nil
	}
	return stream, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNoSession)
	}
	return sess, nil
}

// Close ends the session for id, flushing any pending autosave.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNoSession)
	}
	m.log.Info("live session closed", zap.String("doc_id", id))
	return sess.eng.Close()
}

// CloseAll ends every session and reports every close failure.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var err error
	for id, sess := range sessions {
		if cerr := sess.eng.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", id, cerr))
		}
	}
	return err
}

// Inject routes a context fragment to the document's open session.
func (m *Manager) Inject(id string, kind engine.Kind, text string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Inject(kind, text)
}

// Evict closes the session for id if one is open. Renamed and deleted
// documents are evicted so their engine stops saving under the old id.
func (m *Manager) Evict(id string) error {
	err := m.Close(id)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// IDs lists the documents with an open session.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
