package search

import (
	"strings"

	"scribe/api/internal/blocks"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultSection  ResultType = "section"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	SectionKey string     `json:"sectionKey,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

// SectionRecord is the data we index for one section of a document.
type SectionRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Key        string `json:"key"`
	Heading    string `json:"heading"`
	Text       string `json:"text"`
}

// BuildRecords derives the index records of a document from its content.
// Unparseable content indexes the name alone.
func BuildRecords(documentID, name, content string) (DocumentRecord, []SectionRecord) {
	doc := DocumentRecord{ID: documentID, Name: name}
	stream, err := blocks.Parse(content)
	if err != nil {
		return doc, nil
	}
	doc.Text = blocks.DocumentText(stream)

	sections := make([]SectionRecord, 0)
	for _, sec := range blocks.Partition(stream) {
		heading := blocks.HeadingText(sec.Blocks)
		if sec.Key == blocks.DocStartKey {
			heading = name
		}
		sections = append(sections, SectionRecord{
			ID:         sectionID(documentID, sec.Key),
			DocumentID: documentID,
			Key:        sec.Key,
			Heading:    heading,
			Text:       blocks.SectionText(sec.Blocks),
		})
	}
	return doc, sections
}

// StaleSections lists ids present in previous but not in current.
func StaleSections(previous, current []SectionRecord) []string {
	keep := make(map[string]bool, len(current))
	for _, rec := range current {
		keep[rec.ID] = true
	}
	var stale []string
	for _, rec := range previous {
		if !keep[rec.ID] {
			stale = append(stale, rec.ID)
		}
	}
	return stale
}

// sectionID builds an index primary key; the engine accepts only
// alphanumerics, hyphens and underscores.
func sectionID(documentID, key string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
				return r
			}
			return '_'
		}, s)
	}
	return clean(documentID) + "__" + clean(key)
}
