package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"scribe/api/internal/blocks"
	"scribe/api/internal/store"
)

// DocumentSource loads the stored head of a document.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

// RevisionSource loads a document's content at a past revision.
type RevisionSource interface {
	ContentAt(documentID, hash string) (string, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service provides document export functionality
type Service struct {
	docs      DocumentSource
	revisions RevisionSource
	now       func() time.Time
	pdf       renderFunc
	docx      renderFunc
}

// NewService creates an export service. revisions may be nil, in which case
// only the latest version can be exported.
func NewService(docs DocumentSource, revisions RevisionSource) *Service {
	return &Service{
		docs:      docs,
		revisions: revisions,
		now:       time.Now,
		pdf:       exportPDF,
		docx:      exportDOCX,
	}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.docs.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	content := doc.Content
	version := ""
	if req.Version != "" && req.Version != "latest" {
		if s.revisions == nil {
			return nil, fmt.Errorf("revision %s: %w", req.Version, ErrContentUnavailable)
		}
		content, err = s.revisions.ContentAt(req.DocumentID, req.Version)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		version = req.Version
	}

	stream, err := blocks.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	title := doc.Name
	if title == "" {
		title = doc.ID
	}
	page, err := RenderDocumentHTML(TemplateData{
		Title:       title,
		Version:     version,
		ContentHTML: template.HTML(BlocksToHTML(stream)),
		ExportedAt:  s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, page, title)
	case FormatDOCX:
		return s.docx(ctx, page, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
