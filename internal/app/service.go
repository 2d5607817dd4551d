package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"scribe/api/internal/blocks"
	"scribe/api/internal/export"
	"scribe/api/internal/feed"
	"scribe/api/internal/gitrepo"
	"scribe/api/internal/media"
	"scribe/api/internal/search"
	"scribe/api/internal/store"
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SafeID strips everything but letters, digits, '_' and '-'.
func SafeID(value string) string {
	return unsafeIDChars.ReplaceAllString(value, "")
}

type dataStore interface {
	ListDocuments(context.Context) ([]store.DocumentSummary, error)
	GetDocument(context.Context, string) (store.Document, error)
	CreateDocument(context.Context, store.Document) error
	SaveDocument(context.Context, string, string, string) (bool, error)
	RenameDocument(context.Context, string, string, string) error
	RecordMedia(context.Context, store.MediaFile) error
	ListMedia(context.Context) ([]store.MediaFile, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	Commit(string, string, string) (store.CommitInfo, bool, error)
	History(string, int) ([]store.CommitInfo, error)
	ContentAt(string, string) (string, error)
	Rename(string, string) error
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexDocument(documentID, name, content, previous string)
	RemoveDocument(documentID, content string)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type mediaStore interface {
	PutPDF(context.Context, string, io.Reader, int64) (int64, error)
	OpenPDF(context.Context, string) (*media.Object, error)
	Ping(context.Context) error
}

type contextFeed interface {
	Publish(context.Context, feed.Fragment) error
	Recent(context.Context, string, int) ([]feed.Fragment, error)
	Ping(context.Context) error
}

// Options wires the service. Search, Media and Feed are optional.
type Options struct {
	Store    *store.PostgresStore
	Git      *gitrepo.Service
	Search   *search.Service
	Exporter *export.Service
	Media    *media.Store
	Feed     *feed.Feed
	Logger   *zap.Logger
}

type Service struct {
	store    dataStore
	git      gitService
	search   searchService
	exporter exporter
	media    mediaStore
	feed     contextFeed
	log      *zap.Logger
	now      func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		store: opts.Store,
		log:   opts.Logger,
		now:   time.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	// Typed nils must not leak into the interfaces.
	if opts.Git != nil {
		s.git = opts.Git
	}
	if opts.Search != nil {
		s.search = opts.Search
	}
	if opts.Exporter != nil {
		s.exporter = opts.Exporter
	}
	if opts.Media != nil {
		s.media = opts.Media
	}
	if opts.Feed != nil {
		s.feed = opts.Feed
	}
	return s
}

type DocumentListItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Service) ListDocuments(ctx context.Context) ([]DocumentListItem, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]DocumentListItem, 0, len(docs))
	for _, d := range docs {
		items = append(items, DocumentListItem{ID: d.ID, Name: d.Name})
	}
	return items, nil
}

// CreateDocument starts an empty untitled document.
func (s *Service) CreateDocument(ctx context.Context) (DocumentListItem, error) {
	id := fmt.Sprintf("untitled-%d", s.now().UnixMilli())
	item := store.Document{ID: id, Name: "Untitled", Content: "[]"}
	if err := s.store.CreateDocument(ctx, item); err != nil {
		return DocumentListItem{}, err
	}
	s.commit(id, item.Content, "Create document")
	return DocumentListItem{ID: id, Name: item.Name}, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	id := SafeID(documentID)
	if id == "" {
		return store.Document{}, invalidID()
	}
	return s.store.GetDocument(ctx, id)
}

// SaveDocument stores content, records a revision when it changed and
// refreshes the search index.
func (s *Service) SaveDocument(ctx context.Context, documentID, content string) (changed bool, err error) {
	id := SafeID(documentID)
	if id == "" {
		return false, invalidID()
	}

	var previous, name string
	if existing, err := s.store.GetDocument(ctx, id); err == nil {
		previous, name = existing.Content, existing.Name
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	plain := ""
	if parsed, perr := blocks.Parse(content); perr == nil {
		plain = blocks.DocumentText(parsed)
	}
	changed, err = s.store.SaveDocument(ctx, id, content, plain)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if name == "" {
		name = id
	}
	s.commit(id, content, "")
	if s.search != nil {
		s.search.IndexDocument(id, name, content, previous)
	}
	return true, nil
}

func (s *Service) commit(documentID, content, message string) {
	if s.git == nil {
		return
	}
	info, changed, err := s.git.Commit(documentID, content, message)
	if err != nil {
		s.log.Warn("record revision", zap.String("doc_id", documentID), zap.Error(err))
		return
	}
	if changed {
		s.log.Debug("revision recorded", zap.String("doc_id", documentID), zap.String("hash", info.Hash))
	}
}

type RenameInput struct {
	NewID   string `json:"new_id"`
	NewName string `json:"new_name"`
}

type RenameResult struct {
	OK      bool   `json:"ok"`
	OldID   string `json:"oldId"`
	NewID   string `json:"newId"`
	NewName string `json:"newName"`
}

// RenameDocument moves a document, its history and its index entries to a
// new id.
func (s *Service) RenameDocument(ctx context.Context, documentID string, input RenameInput) (RenameResult, error) {
	oldID, newID := SafeID(documentID), SafeID(input.NewID)
	if oldID == "" || newID == "" {
		return RenameResult{}, invalidID()
	}
	name := strings.TrimSpace(input.NewName)
	if name == "" {
		name = newID
	}

	doc, err := s.store.GetDocument(ctx, oldID)
	if err != nil {
		return RenameResult{}, err
	}
	if err := s.store.RenameDocument(ctx, oldID, newID, name); err != nil {
		return RenameResult{}, err
	}
	if s.git != nil {
		if err := s.git.Rename(oldID, newID); err != nil {
			s.log.Warn("rename history", zap.String("doc_id", oldID), zap.String("new_id", newID), zap.Error(err))
		}
	}
	if s.search != nil && oldID != newID {
		s.search.RemoveDocument(oldID, doc.Content)
		s.search.IndexDocument(newID, name, doc.Content, "")
	}
	return RenameResult{OK: true, OldID: oldID, NewID: newID, NewName: name}, nil
}

func (s *Service) History(ctx context.Context, documentID string, limit int) ([]store.CommitInfo, error) {
	id := SafeID(documentID)
	if id == "" {
		return nil, invalidID()
	}
	if s.git == nil {
		return []store.CommitInfo{}, nil
	}
	if _, err := s.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	commits, err := s.git.History(id, limit)
	if errors.Is(err, store.ErrNotFound) {
		return []store.CommitInfo{}, nil
	}
	return commits, err
}

func (s *Service) ContentAt(documentID, hash string) (string, error) {
	id := SafeID(documentID)
	if id == "" {
		return "", invalidID()
	}
	if s.git == nil {
		return "", store.ErrNotFound
	}
	return s.git.ContentAt(id, hash)
}

func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if s.exporter == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "Export is not configured")
	}
	req.DocumentID = SafeID(req.DocumentID)
	if req.DocumentID == "" {
		return nil, invalidID()
	}
	return s.exporter.Export(ctx, req)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) PutPDF(ctx context.Context, pdfID string, body io.Reader, size int64) (store.MediaFile, error) {
	if s.media == nil {
		return store.MediaFile{}, mediaUnavailable()
	}
	id := SafeID(pdfID)
	if id == "" {
		return store.MediaFile{}, invalidID()
	}
	written, err := s.media.PutPDF(ctx, id, body, size)
	if err != nil {
		return store.MediaFile{}, err
	}
	item := store.MediaFile{ID: id, ContentType: "application/pdf", SizeBytes: written, UploadedAt: s.now().UTC()}
	if err := s.store.RecordMedia(ctx, item); err != nil {
		return store.MediaFile{}, err
	}
	return item, nil
}

func (s *Service) OpenPDF(ctx context.Context, pdfID string) (*media.Object, string, error) {
	if s.media == nil {
		return nil, "", mediaUnavailable()
	}
	id := SafeID(pdfID)
	if id == "" {
		return nil, "", invalidID()
	}
	obj, err := s.media.OpenPDF(ctx, id)
	return obj, id, err
}

func (s *Service) ListMedia(ctx context.Context) ([]store.MediaFile, error) {
	return s.store.ListMedia(ctx)
}

// FeedEnabled reports whether context fragments travel through Redis.
func (s *Service) FeedEnabled() bool {
	return s.feed != nil
}

func (s *Service) PublishContext(ctx context.Context, frag feed.Fragment) error {
	if s.feed == nil {
		return errors.New("context feed is not configured")
	}
	if frag.At.IsZero() {
		frag.At = s.now().UTC()
	}
	return s.feed.Publish(ctx, frag)
}

func (s *Service) RecentContext(ctx context.Context, documentID string, n int) ([]feed.Fragment, error) {
	if s.feed == nil {
		return []feed.Fragment{}, nil
	}
	return s.feed.Recent(ctx, SafeID(documentID), n)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Checks pings every configured dependency by name.
func (s *Service) Checks(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.feed != nil {
		checks["redis"] = s.feed.Ping(ctx)
	}
	if s.media != nil {
		checks["media"] = s.media.Ping(ctx)
	}
	return checks
}

// LiveStore adapts the service to a live session's document store. Saves
// go through SaveDocument so autosaves are versioned and indexed too.
func (s *Service) LiveStore() *LiveStore {
	return &LiveStore{service: s}
}

type LiveStore struct {
	service *Service
}

func (l *LiveStore) Load(ctx context.Context, id string) (string, error) {
	doc, err := l.service.store.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}

func (l *LiveStore) Save(ctx context.Context, id, content string) error {
	_, err := l.service.SaveDocument(ctx, id, content)
	return err
}
