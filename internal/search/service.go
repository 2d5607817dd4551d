package search

import (
	"context"

	"go.uber.org/zap"
)

// Searcher is one search backend.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer pushes records into a search index.
type Indexer interface {
	IndexDocuments(docs []DocumentRecord) error
	IndexSections(sections []SectionRecord) error
	DeleteDocument(id string) error
	DeleteSection(id string) error
}

// Index is a backend that both searches and indexes.
type Index interface {
	Searcher
	Indexer
}

// Service tries the index first and falls back to PG FTS.
type Service struct {
	index Index
	pgfts *PgFTS
	log   *zap.Logger
}

// NewService creates a search service. index and pgfts may each be nil.
func NewService(index Index, pgfts *PgFTS, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{index: index, pgfts: pgfts, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("index search failed, falling back to pgfts", zap.Error(err))
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document and its sections in the background.
// Sections present in previous but gone from content are removed.
func (s *Service) IndexDocument(documentID, name, content, previous string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	doc, sections := BuildRecords(documentID, name, content)
	_, old := BuildRecords(documentID, name, previous)
	stale := StaleSections(old, sections)
	go s.push(doc, sections, stale)
}

func (s *Service) push(doc DocumentRecord, sections []SectionRecord, stale []string) {
	log := s.log.With(zap.String("doc_id", doc.ID))
	if err := s.index.IndexDocuments([]DocumentRecord{doc}); err != nil {
		log.Warn("index document", zap.Error(err))
	}
	if err := s.index.IndexSections(sections); err != nil {
		log.Warn("index sections", zap.Error(err))
	}
	for _, id := range stale {
		if err := s.index.DeleteSection(id); err != nil {
			log.Warn("delete stale section", zap.String("section_id", id), zap.Error(err))
		}
	}
}

// RemoveDocument drops a document and the given content's sections.
func (s *Service) RemoveDocument(documentID, content string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	_, sections := BuildRecords(documentID, "", content)
	go func() {
		if err := s.index.DeleteDocument(documentID); err != nil {
			s.log.Warn("delete document from index", zap.String("doc_id", documentID), zap.Error(err))
		}
		for _, sec := range sections {
			if err := s.index.DeleteSection(sec.ID); err != nil {
				s.log.Warn("delete section from index", zap.String("section_id", sec.ID), zap.Error(err))
			}
		}
	}()
}

// ReindexAllFromPG pushes every stored document into the index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.pgfts == nil {
		return
	}
	documents, sections, err := s.pgfts.LoadAll(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		s.log.Error("reindex documents", zap.Error(err))
	}
	if err := s.index.IndexSections(sections); err != nil {
		s.log.Error("reindex sections", zap.Error(err))
	}
	s.log.Info("search reindexed", zap.Int("documents", len(documents)), zap.Int("sections", len(sections)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
