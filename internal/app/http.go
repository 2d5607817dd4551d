package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scribe/api/internal/blocks"
	"scribe/api/internal/engine"
	"scribe/api/internal/export"
	"scribe/api/internal/feed"
	"scribe/api/internal/live"
	"scribe/api/internal/media"
	"scribe/api/internal/search"
	"scribe/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	live       *live.Manager
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, sessions *live.Manager, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, live: sessions, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) >= 2 && parts[0] == "api" && parts[1] == "docs":
		s.handleDocuments(w, r, parts[2:])
		return
	case len(parts) == 2 && parts[0] == "docs":
		s.handleStorage(w, r, parts[1])
		return
	case len(parts) >= 2 && parts[0] == "api" && parts[1] == "media":
		s.handleMedia(w, r, parts[2:])
		return
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "live":
		s.handleLive(w, r, parts[2], parts[3:])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Checks(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListDocuments(r.Context())
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
		case http.MethodPost:
			item, err := s.service.CreateDocument(r.Context())
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, item)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	documentID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":        doc.ID,
			"docId":     doc.ID,
			"name":      doc.Name,
			"content":   doc.Content,
			"updatedAt": doc.UpdatedAt,
		})

	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			Content *string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Content == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
			return
		}
		changed, err := s.service.SaveDocument(r.Context(), documentID, *body.Content)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "docId": SafeID(documentID), "changed": changed})

	case len(parts) == 2 && parts[1] == "rename" && r.Method == http.MethodPost:
		var body RenameInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		// A session left open would autosave under the old id.
		if s.live != nil {
			if err := s.live.Evict(SafeID(documentID)); err != nil {
				s.log.Warn("evict session before rename", zap.String("doc_id", documentID), zap.Error(err))
			}
		}
		result, err := s.service.RenameDocument(r.Context(), documentID, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		commits, err := s.service.History(r.Context(), documentID, limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(commits))
		for _, c := range commits {
			items = append(items, commitPayload(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"docId": SafeID(documentID), "commits": items})

	case len(parts) == 3 && parts[1] == "history" && r.Method == http.MethodGet:
		content, err := s.service.ContentAt(documentID, parts[2])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"docId": SafeID(documentID), "hash": parts[2], "content": content})

	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		result, err := s.service.Export(r.Context(), export.Request{
			DocumentID: documentID,
			Version:    r.URL.Query().Get("version"),
			Format:     format,
		})
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// handleStorage serves the bare document storage contract the live
// sessions can load from and save to.
func (s *HTTPServer) handleStorage(w http.ResponseWriter, r *http.Request, documentID string) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": doc.Content})
	case http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if _, err := s.service.SaveDocument(r.Context(), documentID, body.Content); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleMedia(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 && r.Method == http.MethodGet {
		items, err := s.service.ListMedia(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, m := range items {
			out = append(out, map[string]any{
				"id":          m.ID,
				"contentType": m.ContentType,
				"sizeBytes":   m.SizeBytes,
				"uploadedAt":  m.UploadedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	if len(parts) != 2 || parts[0] != "pdf" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		obj, id, err := s.service.OpenPDF(r.Context(), parts[1])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		defer obj.Close()
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "inline; filename=\""+id+".pdf\"")
		if obj.Size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		}
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, obj); err != nil {
			s.log.Warn("stream pdf", zap.String("pdf_id", id), zap.Error(err))
		}
	case http.MethodPut:
		body := http.MaxBytesReader(w, r.Body, media.MaxPDFSize+1)
		item, err := s.service.PutPDF(r.Context(), parts[1], body, r.ContentLength)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				err = media.ErrTooLarge
			}
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": item.ID, "sizeBytes": item.SizeBytes})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		FilterType: search.ResultType(query.Get("type")),
		DocumentID: SafeID(query.Get("doc")),
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}
	if q.Text == "" {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}})
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

type cursorInput struct {
	BlockID string `json:"block_id"`
	Focused bool   `json:"focused"`
}

func (c cursorInput) cursor() engine.Cursor {
	return engine.Cursor{BlockID: c.BlockID, Focused: c.Focused && c.BlockID != ""}
}

func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, rawID string, parts []string) {
	if s.live == nil {
		writeError(w, http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live sessions are not enabled", nil)
		return
	}
	documentID := SafeID(rawID)
	if documentID == "" {
		s.writeMappedError(w, r, invalidID())
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			sess, created, err := s.live.Open(r.Context(), documentID)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			s.writeSnapshot(w, r, sess, status)
		case http.MethodGet:
			sess, err := s.live.Get(documentID)
			if err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			s.writeSnapshot(w, r, sess, http.StatusOK)
		case http.MethodDelete:
			if err := s.live.Close(documentID); err != nil {
				s.writeMappedError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "docId": documentID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// Recent context reads the feed and needs no open session.
	if len(parts) == 1 && parts[0] == "context" && r.Method == http.MethodGet {
		n := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				n = parsed
			}
		}
		items, err := s.service.RecentContext(r.Context(), documentID, n)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"docId": documentID, "fragments": items})
		return
	}

	sess, err := s.live.Get(documentID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "blocks" && r.Method == http.MethodPut:
		var body struct {
			Revision *int64        `json:"revision"`
			Blocks   []blocks.Block `json:"blocks"`
			Cursor   cursorInput    `json:"cursor"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Blocks == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "blocks is required", nil)
			return
		}
		if body.Revision == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "revision is required", nil)
			return
		}
		err := sess.Edit(*body.Revision, body.Blocks, body.Cursor.cursor())
		if errors.Is(err, blocks.ErrStaleRevision) {
			err = staleRevision(sess.Revision())
		}
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.writeSnapshot(w, r, sess, http.StatusOK)

	case len(parts) == 1 && parts[0] == "cursor" && r.Method == http.MethodPost:
		var body cursorInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := sess.MoveCursor(body.cursor()); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 1 && parts[0] == "context" && r.Method == http.MethodPost:
		var body struct {
			Kind string `json:"kind"`
			Text string `json:"text"`
			Page int    `json:"page"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		kind := engine.Kind(strings.ToLower(strings.TrimSpace(body.Kind)))
		if kind != engine.KindAudio && kind != engine.KindOCR {
			s.writeMappedError(w, r, engine.ErrUnknownKind)
			return
		}
		if s.service.FeedEnabled() {
			err = s.service.PublishContext(r.Context(), feed.Fragment{
				DocumentID: documentID,
				Kind:       string(kind),
				Text:       body.Text,
				Page:       body.Page,
			})
		} else {
			err = sess.Inject(kind, body.Text)
		}
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "published": s.service.FeedEnabled()})

	case len(parts) == 3 && parts[0] == "sections" && parts[2] == "answer" && r.Method == http.MethodPost:
		var body struct {
			Answer string `json:"answer"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := sess.Answer(parts[1], body.Answer); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "key": parts[1]})

	case len(parts) == 3 && parts[0] == "sections" && parts[2] == "rewrite" && r.Method == http.MethodPost:
		var body struct {
			Instruction string `json:"instruction"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := sess.Rewrite(parts[1], body.Instruction); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "key": parts[1]})

	case len(parts) == 1 && parts[0] == "orchestration" && r.Method == http.MethodPut:
		var body struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Enabled == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "enabled is required", nil)
			return
		}
		if err := sess.SetEnabled(*body.Enabled); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": *body.Enabled})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) writeSnapshot(w http.ResponseWriter, r *http.Request, sess *live.Session, status int) {
	snap, err := sess.Snapshot()
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, status, snap)
}

func commitPayload(c store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":      c.Hash,
		"message":   c.Message,
		"author":    c.Author,
		"createdAt": c.CreatedAt,
	}
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrExists):
		return http.StatusBadRequest, "ALREADY_EXISTS", "A document with this id already exists", nil
	case errors.Is(err, live.ErrNoSession):
		return http.StatusNotFound, "NO_SESSION", "No live session for this document", nil
	case errors.Is(err, engine.ErrUnknownSection):
		return http.StatusNotFound, "UNKNOWN_SECTION", "Unknown section", nil
	case errors.Is(err, engine.ErrNoPendingQuestion):
		return http.StatusConflict, "NO_PENDING_QUESTION", "Section has no pending question", nil
	case errors.Is(err, blocks.ErrStaleRevision):
		return http.StatusConflict, "STALE_REVISION", "Blocks were reported against an outdated revision", nil
	case errors.Is(err, engine.ErrClosed):
		return http.StatusConflict, "SESSION_CLOSED", "Live session is closed", nil
	case errors.Is(err, engine.ErrEmptyAnswer), errors.Is(err, engine.ErrEmptyInstruction), errors.Is(err, engine.ErrUnknownKind):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "PDF not found", nil
	case errors.Is(err, media.ErrNotPDF):
		return http.StatusUnsupportedMediaType, "NOT_PDF", "Upload is not a PDF", nil
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", "Upload exceeds the size limit", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Supported formats are html, pdf and docx", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, export.ErrContentUnavailable):
		return http.StatusUnprocessableEntity, "EXPORT_FAILED", "Document content could not be rendered", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
