package search

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const lecture = `[
	{"id":"intro","type":"paragraph","content":[{"type":"text","text":"Welcome","styles":{}}]},
	{"id":"h1","type":"heading","props":{"level":1},"content":[{"type":"text","text":"Entropy","styles":{}}]},
	{"id":"p1","type":"paragraph","content":[{"type":"text","text":"Disorder grows","styles":{}}]}
]`

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(Query) ([]Result, int, error)
	docs     []DocumentRecord
	sections []SectionRecord
	deleted  []string
	pushed   chan struct{}
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]Result, int, error) {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return nil, 0, nil
}

func (f *fakeIndex) IndexDocuments(docs []DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeIndex) IndexSections(sections []SectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections = append(f.sections, sections...)
	return nil
}

func (f *fakeIndex) DeleteDocument(id string) error { return nil }

func (f *fakeIndex) DeleteSection(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	if f.pushed != nil {
		f.pushed <- struct{}{}
	}
	return nil
}

func TestBuildRecords(t *testing.T) {
	doc, sections := BuildRecords("phys-101", "Physics", lecture)
	if doc.ID != "phys-101" || doc.Name != "Physics" {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Text != "Welcome\nEntropy\nDisorder grows" {
		t.Fatalf("doc text = %q", doc.Text)
	}
	if len(sections) != 2 {
		t.Fatalf("sections = %+v", sections)
	}
	if sections[0].Key != "doc-start" || sections[0].Heading != "Physics" || sections[0].Text != "Welcome" {
		t.Fatalf("doc-start section = %+v", sections[0])
	}
	if sections[1].ID != "phys-101__h1" || sections[1].Heading != "Entropy" || sections[1].Text != "Disorder grows" {
		t.Fatalf("heading section = %+v", sections[1])
	}

	doc, sections = BuildRecords("x", "X", "{broken")
	if doc.Text != "" || sections != nil {
		t.Fatalf("broken content indexed: %+v %+v", doc, sections)
	}
}

func TestSectionIDIsIndexSafe(t *testing.T) {
	if got := sectionID("my doc", "a.b/c"); got != "my_doc__a_b_c" {
		t.Fatalf("sectionID = %q", got)
	}
}

func TestStaleSections(t *testing.T) {
	_, before := BuildRecords("d", "D", lecture)
	_, after := BuildRecords("d", "D", `[{"id":"h2","type":"heading","content":[]}]`)
	stale := StaleSections(before, after)
	sort.Strings(stale)
	if len(stale) != 2 || stale[0] != "d__doc-start" || stale[1] != "d__h1" {
		t.Fatalf("stale = %v", stale)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"d__h1"`),
		"documentId": json.RawMessage(`"d"`),
		"key":        json.RawMessage(`"h1"`),
		"heading":    json.RawMessage(`"Entropy"`),
		"text":       json.RawMessage(`"Disorder grows"`),
		"_formatted": json.RawMessage(`{"heading":"<mark>Entropy</mark>","text":"Disorder grows","id":"d__h1"}`),
	}
	r := hitToResult(hit, ResultSection)
	if r.Title != "<mark>Entropy</mark>" || r.DocumentID != "d" || r.SectionKey != "h1" || r.Snippet != "Disorder grows" {
		t.Fatalf("section result = %+v", r)
	}

	doc := hitToResult(meili.Hit{"id": json.RawMessage(`"d"`), "name": json.RawMessage(`"Notes"`)}, ResultDocument)
	if doc.DocumentID != "d" || doc.Title != "Notes" {
		t.Fatalf("document result = %+v", doc)
	}
	if indexToResultType(idxSections) != ResultSection || indexToResultType("other") != "" {
		t.Fatal("index mapping broken")
	}
}

func TestServiceUsesHealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		return []Result{{Type: ResultSection, ID: "d__h1"}}, 1, nil
	}}
	resp := NewService(idx, nil, nil).Search(context.Background(), Query{Text: "entropy"})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Query != "entropy" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestServiceDegradesWithoutBackends(t *testing.T) {
	idx := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("down")
	}}
	resp := NewService(idx, nil, nil).Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("response = %+v", resp)
	}
	resp = NewService(nil, nil, nil).Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil {
		t.Fatal("results must never be nil")
	}
}

func TestIndexDocumentPushesRecordsAndDropsStaleSections(t *testing.T) {
	idx := &fakeIndex{healthy: true, pushed: make(chan struct{}, 4)}
	svc := NewService(idx, nil, nil)
	svc.IndexDocument("d", "D", `[{"id":"h2","type":"heading","content":[]}]`, lecture)

	for i := 0; i < 2; i++ {
		select {
		case <-idx.pushed:
		case <-time.After(2 * time.Second):
			t.Fatal("stale sections not deleted")
		}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.docs) != 1 || idx.docs[0].ID != "d" {
		t.Fatalf("docs = %+v", idx.docs)
	}
	if len(idx.sections) != 1 || idx.sections[0].Key != "h2" {
		t.Fatalf("sections = %+v", idx.sections)
	}
	if len(idx.deleted) != 2 {
		t.Fatalf("deleted = %v", idx.deleted)
	}
}

func TestIndexDocumentSkipsUnhealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	NewService(idx, nil, nil).IndexDocument("d", "D", lecture, "")
	time.Sleep(20 * time.Millisecond)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.docs) != 0 {
		t.Fatal("unhealthy index received records")
	}
}
