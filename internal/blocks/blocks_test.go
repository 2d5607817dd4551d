package blocks

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func textContent(s string) json.RawMessage {
	return mustRaw([]InlineContent{inlineText(s, Styles{})})
}

func heading(id, text string) Block {
	return Block{ID: id, Type: TypeHeading, Props: map[string]any{"level": 1}, Content: textContent(text)}
}

func para(id, text string) Block {
	return Block{ID: id, Type: TypeParagraph, Content: textContent(text)}
}

func ids(bs []Block) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.ID)
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name   string
		stream []Block
		keys   []string
	}{
		{name: "empty", stream: nil, keys: nil},
		{name: "only prefix", stream: []Block{para("p1", "a"), para("p2", "b")}, keys: []string{DocStartKey}},
		{name: "heading first omits doc start", stream: []Block{heading("h1", "Intro"), para("p1", "hello")}, keys: []string{"h1"}},
		{
			name:   "prefix and headings",
			stream: []Block{para("p0", "x"), heading("h1", "A"), para("p1", "a"), heading("h2", "B")},
			keys:   []string{DocStartKey, "h1", "h2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sections := Partition(tt.stream)
			var keys []string
			var flat []Block
			for _, s := range sections {
				keys = append(keys, s.Key)
				flat = append(flat, s.Blocks...)
			}
			if !reflect.DeepEqual(keys, tt.keys) {
				t.Fatalf("keys = %v, want %v", keys, tt.keys)
			}
			if !reflect.DeepEqual(ids(flat), ids(tt.stream)) {
				t.Fatalf("concatenated sections = %v, want %v", ids(flat), ids(tt.stream))
			}
		})
	}
}

func TestPartitionIsIdempotent(t *testing.T) {
	stream := []Block{para("p0", "x"), heading("h1", "A"), para("p1", "a")}
	first := Partition(stream)
	second := Partition(stream)
	for i := range first {
		if first[i].Key != second[i].Key {
			t.Fatalf("key mismatch at %d", i)
		}
		if Fingerprint(first[i].Blocks) != Fingerprint(second[i].Blocks) {
			t.Fatalf("fingerprint mismatch for %s", first[i].Key)
		}
	}
}

func TestFingerprintIgnoresBackground(t *testing.T) {
	plain := []Block{heading("h1", "A"), para("p1", "a")}
	painted := CloneAll(plain)
	painted[1].Props = map[string]any{BackgroundProp: "green"}
	if Fingerprint(plain) != Fingerprint(painted) {
		t.Fatal("painting changed the fingerprint")
	}
	edited := CloneAll(plain)
	edited[1].Content = textContent("b")
	if Fingerprint(plain) == Fingerprint(edited) {
		t.Fatal("editing did not change the fingerprint")
	}
}

func TestSectionText(t *testing.T) {
	bs := []Block{heading("h1", "Intro"), para("p1", "hello"), para("p2", ""), para("p3", "world")}
	if got := SectionText(bs); got != "hello\nworld" {
		t.Fatalf("SectionText = %q", got)
	}
	if got := HeadingText(bs); got != "Intro" {
		t.Fatalf("HeadingText = %q", got)
	}
}

func TestPlainTextLinksAndChildren(t *testing.T) {
	b := Block{
		ID:   "b1",
		Type: TypeBulletListItem,
		Content: mustRaw([]InlineContent{
			inlineText("see ", Styles{}),
			{Type: "link", Href: "https://example.com", Content: []InlineContent{inlineText("docs", Styles{})}},
		}),
		Children: []Block{para("c1", "nested")},
	}
	if got := PlainText(b); got != "see docs\nnested" {
		t.Fatalf("PlainText = %q", got)
	}
}

func TestSectionOf(t *testing.T) {
	stream := []Block{para("p0", "x"), heading("h1", "A"), para("p1", "a")}
	if key, ok := SectionOf(stream, "p1"); !ok || key != "h1" {
		t.Fatalf("SectionOf(p1) = %q, %v", key, ok)
	}
	if key, ok := SectionOf(stream, "p0"); !ok || key != DocStartKey {
		t.Fatalf("SectionOf(p0) = %q, %v", key, ok)
	}
	if _, ok := SectionOf(stream, "missing"); ok {
		t.Fatal("expected unknown block")
	}
}

func TestFromMarkdown(t *testing.T) {
	bs, err := FromMarkdown("# Intro\n\nSome **bold** text.\n\n- one\n- [x] done\n\n1. first\n\n```go\nfmt.Println()\n```\n")
	if err != nil {
		t.Fatalf("FromMarkdown: %v", err)
	}
	var types []string
	for _, b := range bs {
		if b.ID == "" {
			t.Fatalf("block %s has no id", b.Type)
		}
		types = append(types, b.Type)
	}
	want := []string{TypeHeading, TypeParagraph, TypeBulletListItem, TypeCheckListItem, TypeNumberedListItem, TypeCodeBlock}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	if got := PlainText(bs[1]); got != "Some bold text." {
		t.Fatalf("paragraph text = %q", got)
	}
	var runs []InlineContent
	if err := json.Unmarshal(bs[1].Content, &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 3 || runs[1].Styles == nil || !runs[1].Styles.Bold {
		t.Fatalf("expected bold middle run, got %+v", runs)
	}
	if bs[3].Props["checked"] != true {
		t.Fatalf("check list item props = %v", bs[3].Props)
	}
	if got := PlainText(bs[5]); got != "fmt.Println()" {
		t.Fatalf("code text = %q", got)
	}
}

func TestFromMarkdownRejectsEmptyAndBadJSON(t *testing.T) {
	if _, err := FromMarkdown("   "); !errors.Is(err, ErrNoBlocks) {
		t.Fatalf("expected ErrNoBlocks, got %v", err)
	}
	if _, err := FromMarkdown(`[{"id":`); err == nil {
		t.Fatal("expected decode error")
	}
	bs, err := FromMarkdown(`[{"type":"paragraph","content":[{"type":"text","text":"x","styles":{}}]}]`)
	if err != nil {
		t.Fatalf("FromMarkdown json: %v", err)
	}
	if bs[0].ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestFromMarkdownReplacesCarriedIDs(t *testing.T) {
	bs, err := FromMarkdown(`[{"id":"b1","type":"paragraph","content":[],"children":[{"id":"c1","type":"paragraph","content":[]}]}]`)
	if err != nil {
		t.Fatalf("FromMarkdown json: %v", err)
	}
	if bs[0].ID == "" || bs[0].ID == "b1" {
		t.Fatalf("block id = %q, want a fresh one", bs[0].ID)
	}
	if len(bs[0].Children) != 1 || bs[0].Children[0].ID == "c1" {
		t.Fatalf("child ids = %+v", bs[0].Children)
	}
}

func TestDocumentPrimitives(t *testing.T) {
	doc := NewDocument([]Block{heading("h1", "A"), para("p1", "a")})
	if err := doc.Insert("h1", []Block{para("n1", "new")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := doc.Insert("", []Block{para("n0", "top")}); err != nil {
		t.Fatalf("Insert at start: %v", err)
	}
	if got := ids(doc.Blocks()); !reflect.DeepEqual(got, []string{"n0", "h1", "n1", "p1"}) {
		t.Fatalf("after insert = %v", got)
	}
	if err := doc.Remove("p1", "n0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := doc.Remove("missing"); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
	if err := doc.Update(heading("h1", "Renamed")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := HeadingText(doc.Blocks()); got != "Renamed" {
		t.Fatalf("heading = %q", got)
	}
	if got := ids(doc.Blocks()); !reflect.DeepEqual(got, []string{"h1", "n1"}) {
		t.Fatalf("after remove = %v", got)
	}
}

func TestDocumentInsertRejectsDuplicateIDs(t *testing.T) {
	doc := NewDocument([]Block{heading("h1", "A"), para("p1", "a")})
	rev := doc.Revision()
	if err := doc.Insert("h1", []Block{para("p1", "again")}); !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("insert of existing id = %v, want ErrDuplicateBlock", err)
	}
	if err := doc.Insert("h1", []Block{para("n1", "x"), para("n1", "y")}); !errors.Is(err, ErrDuplicateBlock) {
		t.Fatalf("insert of repeated id = %v, want ErrDuplicateBlock", err)
	}
	if got := ids(doc.Blocks()); !reflect.DeepEqual(got, []string{"h1", "p1"}) || doc.Revision() != rev {
		t.Fatalf("rejected insert changed the stream: %v", got)
	}
}

func TestDocumentReplaceAt(t *testing.T) {
	doc := NewDocument([]Block{heading("h1", "A"), para("p1", "a")})
	base := doc.Revision()
	if err := doc.Insert("p1", []Block{para("m1", "merged")}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := doc.ReplaceAt(base, []Block{heading("h1", "A"), para("p1", "typed")})
	if !errors.Is(err, ErrStaleRevision) {
		t.Fatalf("ReplaceAt(stale) = %v, want ErrStaleRevision", err)
	}
	if got := ids(doc.Blocks()); !reflect.DeepEqual(got, []string{"h1", "p1", "m1"}) {
		t.Fatalf("stale replace changed the stream: %v", got)
	}
	if err := doc.ReplaceAt(doc.Revision(), []Block{heading("h1", "A")}); err != nil {
		t.Fatalf("ReplaceAt(current) = %v", err)
	}
	if got := ids(doc.Blocks()); !reflect.DeepEqual(got, []string{"h1"}) {
		t.Fatalf("after replace = %v", got)
	}
}

func TestDocumentReplaceKeepsPaint(t *testing.T) {
	doc := NewDocument([]Block{heading("h1", "A"), para("p1", "a")})
	rev := doc.Revision()
	doc.Paint("green", "h1", "p1")
	if doc.Revision() != rev {
		t.Fatal("painting bumped the revision")
	}
	doc.Replace([]Block{heading("h1", "A"), para("p1", "edited"), para("p2", "b")})
	got := doc.Blocks()
	if got[1].Props[BackgroundProp] != "green" {
		t.Fatalf("paint lost on replace: %v", got[1].Props)
	}
	if _, ok := got[2].Props[BackgroundProp]; ok {
		t.Fatal("new block inherited paint")
	}
	if doc.Revision() == rev {
		t.Fatal("replace did not bump the revision")
	}
}

func TestParse(t *testing.T) {
	bs, err := Parse("")
	if err != nil || len(bs) != 0 {
		t.Fatalf("Parse empty = %v, %v", bs, err)
	}
	if _, err := Parse("{not json"); err == nil {
		t.Fatal("expected parse error")
	}
	raw, err := Marshal([]Block{para("p1", "a")})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	bs, err = Parse(raw)
	if err != nil || len(bs) != 1 || bs[0].ID != "p1" {
		t.Fatalf("Parse = %v, %v", bs, err)
	}
}
