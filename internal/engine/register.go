package engine

import (
	"context"
	"sort"

	"scribe/api/internal/blocks"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusReview    Status = "review"
	StatusProcessed Status = "processed"
	StatusWarning   Status = "warning"
)

// transitions lists every status change the engine may perform. The empty
// status is a section entry that has just been created.
var transitions = map[Status][]Status{
	"":              {StatusDraft, StatusProcessed, StatusWarning},
	StatusDraft:     {StatusReview, StatusProcessed, StatusWarning},
	StatusReview:    {StatusProcessed, StatusWarning, StatusDraft},
	StatusWarning:   {StatusReview, StatusDraft, StatusProcessed},
	StatusProcessed: {StatusDraft, StatusWarning},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Section is the register entry for one section key. Only the event loop
// touches it.
type Section struct {
	Key      string
	Status   Status
	Snapshot string
	Payload  []blocks.Block
	Audio    []string
	OCR      []string
	Question string
	Failure  string

	timer    Timer
	timerSeq uint64

	request       uint64
	cancelRequest context.CancelFunc
	sentAudio     int
	sentOCR       int

	flashSeq uint64
}

// dropRequest forgets the in-flight dispatch or resume so its answer is ignored.
func (s *Section) dropRequest() {
	if s.cancelRequest != nil {
		s.cancelRequest()
		s.cancelRequest = nil
	}
	s.request = 0
	s.sentAudio, s.sentOCR = 0, 0
}

// register maps section keys to their state. Entries live until the
// document is closed.
type register struct {
	sections map[string]*Section
	order    []string
	present  map[string]bool
}

func newRegister() *register {
	return &register{sections: map[string]*Section{}, present: map[string]bool{}}
}

func (r *register) get(key string) (*Section, bool) {
	s, ok := r.sections[key]
	return s, ok
}

func (r *register) ensure(key string) *Section {
	if s, ok := r.sections[key]; ok {
		return s
	}
	s := &Section{Key: key}
	r.sections[key] = s
	return s
}

// setPartition records which keys the current stream contains, in order.
func (r *register) setPartition(keys []string) {
	r.order = keys
	r.present = make(map[string]bool, len(keys))
	for _, k := range keys {
		r.present[k] = true
	}
}

// keys returns registered keys in stream order, then vanished ones sorted.
func (r *register) keys() []string {
	out := make([]string, 0, len(r.sections))
	seen := make(map[string]bool, len(r.sections))
	for _, k := range r.order {
		if _, ok := r.sections[k]; ok {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range r.sections {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
