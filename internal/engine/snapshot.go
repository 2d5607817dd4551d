package engine

import "sort"

// State is a read-only copy of the engine's register.
type State struct {
	DocumentID      string         `json:"doc_id"`
	Enabled         bool           `json:"enabled"`
	Focused         bool           `json:"focused"`
	Active          string         `json:"active,omitempty"`
	Sections        []SectionState `json:"sections"`
	Unassigned      []Fragment     `json:"unassigned"`
	PendingRewrites []string       `json:"pending_rewrites,omitempty"`
}

type SectionState struct {
	Key          string   `json:"key"`
	Status       Status   `json:"status"`
	Present      bool     `json:"present"`
	Question     string   `json:"question,omitempty"`
	Failure      string   `json:"failure,omitempty"`
	Audio        []string `json:"audio"`
	OCR          []string `json:"ocr"`
	TimerRunning bool     `json:"timer_running"`
	InFlight     bool     `json:"in_flight"`
	Locked       bool     `json:"locked"`
}

// Section returns the state of key, if it is registered.
func (s State) Section(key string) (SectionState, bool) {
	for _, sec := range s.Sections {
		if sec.Key == key {
			return sec, true
		}
	}
	return SectionState{}, false
}

func (e *Engine) snapshot() State {
	st := State{
		DocumentID: e.docID,
		Enabled:    e.enabled,
		Focused:    e.active.set,
		Active:     e.active.key,
		Sections:   make([]SectionState, 0, len(e.reg.sections)),
		Unassigned: append([]Fragment{}, e.unassigned...),
	}
	for _, key := range e.reg.keys() {
		sec := e.reg.sections[key]
		_, locked := e.locks[key]
		st.Sections = append(st.Sections, SectionState{
			Key:          key,
			Status:       sec.Status,
			Present:      e.reg.present[key],
			Question:     sec.Question,
			Failure:      sec.Failure,
			Audio:        append([]string{}, sec.Audio...),
			OCR:          append([]string{}, sec.OCR...),
			TimerRunning: sec.timer != nil,
			InFlight:     sec.request != 0,
			Locked:       locked,
		})
	}
	for key := range e.rewrites {
		st.PendingRewrites = append(st.PendingRewrites, key)
	}
	sort.Strings(st.PendingRewrites)
	return st
}
