package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scribe/api/internal/engine"
	"scribe/api/internal/export"
	"scribe/api/internal/live"
	"scribe/api/internal/llm"
	"scribe/api/internal/media"
	"scribe/api/internal/search"
	"scribe/api/internal/store"
)

// idleClock never fires, so no section is dispatched during a test.
type idleClock struct{}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (idleClock) AfterFunc(time.Duration, func()) engine.Timer { return idleTimer{} }

type fakeProcessor struct{}

func (fakeProcessor) Process(context.Context, llm.ProcessRequest) (llm.Result, error) {
	return llm.Result{}, errors.New("not expected")
}

func (fakeProcessor) Resume(context.Context, llm.ResumeRequest) (llm.Result, error) {
	return llm.Result{}, errors.New("not expected")
}

func (fakeProcessor) Rewrite(context.Context, llm.RewriteRequest) (llm.Result, error) {
	return llm.Result{}, errors.New("not expected")
}

type testServer struct {
	handler http.Handler
	svc     *Service
	store   *fakeStore
	git     *fakeGit
	live    *live.Manager
}

func newTestServer(t *testing.T, docs ...store.Document) *testServer {
	t.Helper()
	fs := newFakeStore(docs...)
	fg := &fakeGit{}
	svc := newTestService(fs, fg)
	manager := live.NewManager(live.Options{
		Store:     svc.LiveStore(),
		Processor: fakeProcessor{},
		Timing:    engine.DefaultTiming(),
		Clock:     idleClock{},
	})
	t.Cleanup(func() { _ = manager.CloseAll() })
	return &testServer{
		handler: NewHTTPServer(svc, manager, "*", nil).Handler(),
		svc:     svc,
		store:   fs,
		git:     fg,
		live:    manager,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &payload)
	}
	return rr, payload
}

func TestDocumentEndpoints(t *testing.T) {
	ts := newTestServer(t, store.Document{ID: "phys", Name: "Physics", Content: "[]"})

	rr, _ := ts.do(t, http.MethodGet, "/api/docs", nil)
	var list []DocumentListItem
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].ID != "phys" {
		t.Fatalf("list = %s", rr.Body.String())
	}

	rr, payload := ts.do(t, http.MethodPut, "/api/docs/phys", map[string]any{"content": noteContent})
	if rr.Code != http.StatusOK || payload["changed"] != true {
		t.Fatalf("PUT = %d %v", rr.Code, payload)
	}

	rr, payload = ts.do(t, http.MethodGet, "/api/docs/phys", nil)
	if rr.Code != http.StatusOK || payload["content"] != noteContent || payload["name"] != "Physics" {
		t.Fatalf("GET = %d %v", rr.Code, payload)
	}

	rr, payload = ts.do(t, http.MethodGet, "/api/docs/ghost", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("GET ghost = %d %v", rr.Code, payload)
	}

	rr, payload = ts.do(t, http.MethodPut, "/api/docs/phys", map[string]any{})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("PUT without content = %d %v", rr.Code, payload)
	}

	rr, _ = ts.do(t, http.MethodPut, "/api/docs/phys", "{not json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("PUT bad json = %d", rr.Code)
	}

	rr, payload = ts.do(t, http.MethodPost, "/api/docs", nil)
	if rr.Code != http.StatusCreated || !strings.HasPrefix(fmt.Sprint(payload["id"]), "untitled-") {
		t.Fatalf("POST = %d %v", rr.Code, payload)
	}
}

func TestStorageEndpointsMirrorDocuments(t *testing.T) {
	ts := newTestServer(t)

	rr, _ := ts.do(t, http.MethodPut, "/docs/lecture", map[string]any{"content": "[]"})
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT /docs = %d", rr.Code)
	}
	rr, payload := ts.do(t, http.MethodGet, "/docs/lecture", nil)
	if rr.Code != http.StatusOK || payload["content"] != "[]" {
		t.Fatalf("GET /docs = %d %v", rr.Code, payload)
	}
	rr, _ = ts.do(t, http.MethodGet, "/docs/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET /docs/missing = %d", rr.Code)
	}
}

func TestRenameEndpoint(t *testing.T) {
	ts := newTestServer(t,
		store.Document{ID: "exam", Name: "Exam", Content: "[]"},
		store.Document{ID: "taken", Name: "Taken", Content: "[]"},
	)

	if _, _, err := ts.live.Open(context.Background(), "exam"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
	}{
		{name: "missing source", path: "/api/docs/ghost/rename", body: map[string]any{"new_id": "x", "new_name": "X"}, status: http.StatusNotFound},
		{name: "existing target", path: "/api/docs/exam/rename", body: map[string]any{"new_id": "taken", "new_name": "T"}, status: http.StatusBadRequest},
		{name: "renamed", path: "/api/docs/exam/rename", body: map[string]any{"new_id": "exam_v2", "new_name": "Exam V2"}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, payload := ts.do(t, http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%v)", rr.Code, tt.status, payload)
			}
		})
	}

	if _, err := ts.live.Get("exam"); !errors.Is(err, live.ErrNoSession) {
		t.Fatalf("session under old id still open: %v", err)
	}
	if _, ok := ts.store.docs["exam"]; ok {
		t.Fatal("old id recreated by a flushed autosave")
	}
}

func TestHistoryEndpoints(t *testing.T) {
	ts := newTestServer(t, store.Document{ID: "d", Content: "[]"})
	ts.git.historyFn = func(string, int) ([]store.CommitInfo, error) {
		return []store.CommitInfo{{Hash: "abc1234", Message: "Update document", Author: "Scribe"}}, nil
	}
	ts.git.contentFn = func(_, hash string) (string, error) {
		if hash != "abc1234" {
			return "", store.ErrNotFound
		}
		return "[]", nil
	}

	rr, payload := ts.do(t, http.MethodGet, "/api/docs/d/history?limit=5", nil)
	commits, _ := payload["commits"].([]any)
	if rr.Code != http.StatusOK || len(commits) != 1 {
		t.Fatalf("history = %d %v", rr.Code, payload)
	}
	rr, payload = ts.do(t, http.MethodGet, "/api/docs/d/history/abc1234", nil)
	if rr.Code != http.StatusOK || payload["content"] != "[]" {
		t.Fatalf("content at = %d %v", rr.Code, payload)
	}
	rr, _ = ts.do(t, http.MethodGet, "/api/docs/d/history/fffffff", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown hash = %d", rr.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr, _ := ts.do(t, http.MethodGet, "/api/docs/d/export?format=html", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("export without exporter = %d", rr.Code)
	}

	var got export.Request
	ts.svc.exporter = &fakeExporter{exportFn: func(_ context.Context, req export.Request) (*export.Result, error) {
		got = req
		return &export.Result{Data: []byte("<html></html>"), Filename: "Notes.html", MimeType: "text/html; charset=utf-8"}, nil
	}}
	rr, _ = ts.do(t, http.MethodGet, "/api/docs/d/export?format=html&version=abc1234", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "<html></html>" {
		t.Fatalf("export = %d %q", rr.Code, rr.Body.String())
	}
	if got.DocumentID != "d" || got.Version != "abc1234" || got.Format != export.FormatHTML {
		t.Fatalf("request = %+v", got)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="Notes.html"` {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	rr, _ = ts.do(t, http.MethodGet, "/api/docs/d/export?format=odt", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("odt export = %d", rr.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var got search.Query
	ts.svc.search = &fakeSearch{searchFn: func(_ context.Context, q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{Type: search.ResultSection, ID: "d__h1"}}, Total: 1, Query: q.Text}
	}}

	rr, payload := ts.do(t, http.MethodGet, "/api/search?q=entropy&type=section&limit=5", nil)
	if rr.Code != http.StatusOK || payload["total"] != 1.0 {
		t.Fatalf("search = %d %v", rr.Code, payload)
	}
	if got.Text != "entropy" || got.FilterType != search.ResultSection || got.Limit != 5 {
		t.Fatalf("query = %+v", got)
	}

	rr, payload = ts.do(t, http.MethodGet, "/api/search?q=", nil)
	if results, _ := payload["results"].([]any); rr.Code != http.StatusOK || results == nil || len(results) != 0 {
		t.Fatalf("empty search = %d %v", rr.Code, payload)
	}
}

func TestMediaEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.svc.media = &fakeMedia{}

	rr, _ := ts.do(t, http.MethodPut, "/api/media/pdf/page_1", "%PDF-1.7 body")
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", rr.Code, rr.Body.String())
	}
	rr, _ = ts.do(t, http.MethodGet, "/api/media/pdf/page_1", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "%PDF-1.7 body" {
		t.Fatalf("download = %d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("Content-Type = %q", ct)
	}
	rr, _ = ts.do(t, http.MethodGet, "/api/media/pdf/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing pdf = %d", rr.Code)
	}
	rr, _ = ts.do(t, http.MethodPut, "/api/media/pdf/page_2", "GIF89a")
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("non-pdf upload = %d", rr.Code)
	}

	rr, _ = ts.do(t, http.MethodGet, "/api/media", nil)
	var items []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil || len(items) != 1 || items[0]["id"] != "page_1" {
		t.Fatalf("media list = %s", rr.Body.String())
	}
}

// liveEdit is the editor's report of two blocks, based on revision.
func liveEdit(revision any) string {
	return fmt.Sprintf(`{"revision":%v,"blocks":[
	{"id":"h1","type":"heading","props":{"level":2},"content":[{"type":"text","text":"Entropy","styles":{}}]},
	{"id":"p1","type":"paragraph","content":[{"type":"text","text":"disorder grows","styles":{}}]}
],"cursor":{"block_id":"p1","focused":true}}`, revision)
}

func TestLiveSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, store.Document{ID: "d", Name: "D", Content: "[]"})

	rr, _ := ts.do(t, http.MethodGet, "/api/live/d", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET before open = %d", rr.Code)
	}

	rr, payload := ts.do(t, http.MethodPost, "/api/live/d", nil)
	if rr.Code != http.StatusCreated || payload["doc_id"] != "d" || payload["enabled"] != true {
		t.Fatalf("open = %d %v", rr.Code, payload)
	}
	revision := payload["revision"]
	rr, _ = ts.do(t, http.MethodPost, "/api/live/d", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second open = %d", rr.Code)
	}

	rr, payload = ts.do(t, http.MethodPut, "/api/live/d/blocks", liveEdit(revision))
	if rr.Code != http.StatusOK {
		t.Fatalf("edit = %d %v", rr.Code, payload)
	}
	if payload["active"] != "h1" || payload["focused"] != true {
		t.Fatalf("cursor state = %v", payload)
	}
	sections, _ := payload["sections"].([]any)
	if len(sections) != 1 {
		t.Fatalf("sections = %v", payload["sections"])
	}
	if sec, _ := sections[0].(map[string]any); sec["key"] != "h1" || sec["status"] != string(engine.StatusDraft) {
		t.Fatalf("section = %v", sec)
	}

	rr, _ = ts.do(t, http.MethodPost, "/api/live/d/context", map[string]any{"kind": "audio", "text": "entropy never decreases"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("context = %d", rr.Code)
	}
	_, payload = ts.do(t, http.MethodGet, "/api/live/d", nil)
	sections, _ = payload["sections"].([]any)
	sec, _ := sections[0].(map[string]any)
	if audio, _ := sec["audio"].([]any); len(audio) != 1 || audio[0] != "entropy never decreases" {
		t.Fatalf("audio buffer = %v", sec["audio"])
	}

	rr, _ = ts.do(t, http.MethodPost, "/api/live/d/cursor", map[string]any{"block_id": "", "focused": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("cursor = %d", rr.Code)
	}

	rr, _ = ts.do(t, http.MethodPut, "/api/live/d/orchestration", map[string]any{"enabled": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("orchestration = %d", rr.Code)
	}
	_, payload = ts.do(t, http.MethodGet, "/api/live/d", nil)
	if payload["enabled"] != false {
		t.Fatalf("enabled = %v", payload["enabled"])
	}

	rr, _ = ts.do(t, http.MethodDelete, "/api/live/d", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("close = %d", rr.Code)
	}
	if ts.store.docs["d"].Content == "[]" {
		t.Fatal("close did not flush the pending autosave")
	}
	rr, _ = ts.do(t, http.MethodDelete, "/api/live/d", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second close = %d", rr.Code)
	}
}

func TestLiveSessionErrors(t *testing.T) {
	ts := newTestServer(t, store.Document{ID: "d", Content: "[]"})
	rr, payload := ts.do(t, http.MethodPost, "/api/live/d", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("open = %d", rr.Code)
	}
	if rr, _ := ts.do(t, http.MethodPut, "/api/live/d/blocks", liveEdit(payload["revision"])); rr.Code != http.StatusOK {
		t.Fatalf("edit = %d", rr.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"answer without question", http.MethodPost, "/api/live/d/sections/h1/answer", map[string]any{"answer": "yes"}, http.StatusConflict, "NO_PENDING_QUESTION"},
		{"rewrite unknown section", http.MethodPost, "/api/live/d/sections/zzz/rewrite", map[string]any{"instruction": "shorter"}, http.StatusNotFound, "UNKNOWN_SECTION"},
		{"rewrite empty instruction", http.MethodPost, "/api/live/d/sections/h1/rewrite", map[string]any{"instruction": "  "}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"unknown context kind", http.MethodPost, "/api/live/d/context", map[string]any{"kind": "video", "text": "x"}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"orchestration without flag", http.MethodPut, "/api/live/d/orchestration", map[string]any{}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"blocks missing", http.MethodPut, "/api/live/d/blocks", map[string]any{}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"revision missing", http.MethodPut, "/api/live/d/blocks", map[string]any{"blocks": []any{}}, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"no session", http.MethodPost, "/api/live/other/cursor", map[string]any{"block_id": "p1"}, http.StatusNotFound, "NO_SESSION"},
		{"invalid id", http.MethodGet, "/api/live/..", nil, http.StatusBadRequest, "INVALID_ID"},
		{"unknown route", http.MethodGet, "/api/live/d/unknown", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, payload := ts.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.status || payload["code"] != tt.code {
				t.Fatalf("got %d %v, want %d %s", rr.Code, payload, tt.status, tt.code)
			}
		})
	}
}

func TestLiveBlocksRejectStaleRevision(t *testing.T) {
	ts := newTestServer(t, store.Document{ID: "d", Content: "[]"})
	_, opened := ts.do(t, http.MethodPost, "/api/live/d", nil)
	base := opened["revision"]

	rr, payload := ts.do(t, http.MethodPut, "/api/live/d/blocks", liveEdit(base))
	if rr.Code != http.StatusOK {
		t.Fatalf("edit = %d %v", rr.Code, payload)
	}
	current := payload["revision"]
	if current == base {
		t.Fatalf("revision did not advance: %v", current)
	}

	stale := strings.Replace(liveEdit(base), "disorder grows", "stale text", 1)
	rr, payload = ts.do(t, http.MethodPut, "/api/live/d/blocks", stale)
	if rr.Code != http.StatusConflict || payload["code"] != "STALE_REVISION" {
		t.Fatalf("stale edit = %d %v", rr.Code, payload)
	}
	if details, _ := payload["details"].(map[string]any); details["revision"] != current {
		t.Fatalf("details = %v, want revision %v", payload["details"], current)
	}

	_, payload = ts.do(t, http.MethodGet, "/api/live/d", nil)
	if strings.Contains(fmt.Sprint(payload["blocks"]), "stale text") {
		t.Fatalf("stale edit was applied: %v", payload["blocks"])
	}
	if payload["revision"] != current {
		t.Fatalf("revision = %v, want %v", payload["revision"], current)
	}
}

func TestLiveContextPublishesToFeed(t *testing.T) {
	ts := newTestServer(t, store.Document{ID: "d", Content: "[]"})
	ff := &fakeFeed{}
	ts.svc.feed = ff

	if rr, _ := ts.do(t, http.MethodPost, "/api/live/d/context", map[string]any{"kind": "ocr", "text": "slide 3"}); rr.Code != http.StatusNotFound {
		t.Fatalf("context without session = %d", rr.Code)
	}
	if rr, _ := ts.do(t, http.MethodPost, "/api/live/d", nil); rr.Code != http.StatusCreated {
		t.Fatalf("open = %d", rr.Code)
	}
	rr, payload := ts.do(t, http.MethodPost, "/api/live/d/context", map[string]any{"kind": "OCR", "text": "slide 3", "page": 3})
	if rr.Code != http.StatusAccepted || payload["published"] != true {
		t.Fatalf("context = %d %v", rr.Code, payload)
	}
	if len(ff.published) != 1 || ff.published[0].Kind != "ocr" || ff.published[0].Page != 3 || ff.published[0].At.IsZero() {
		t.Fatalf("published = %+v", ff.published)
	}

	rr, payload = ts.do(t, http.MethodGet, "/api/live/d/context", nil)
	if fragments, _ := payload["fragments"].([]any); rr.Code != http.StatusOK || len(fragments) != 1 {
		t.Fatalf("recent = %d %v", rr.Code, payload)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{newDomainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot},
		{staleRevision(3), http.StatusConflict},
		{mediaUnavailable(), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrExists, http.StatusBadRequest},
		{engine.ErrClosed, http.StatusConflict},
		{engine.ErrEmptyAnswer, http.StatusUnprocessableEntity},
		{media.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if status, _, _, _ := mapError(tt.err); status != tt.status {
			t.Errorf("mapError(%v) = %d, want %d", tt.err, status, tt.status)
		}
	}
}
