package engine

import (
	"strings"

	"go.uber.org/zap"
)

// Kind names a side channel.
type Kind string

const (
	KindAudio Kind = "audio"
	KindOCR   Kind = "ocr"
)

// Fragment is one piece of side-channel text.
type Fragment struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

// onContext deposits a fragment in the active section when it is
// registered, and in the unassigned buffer otherwise.
func (e *Engine) onContext(f Fragment) {
	if strings.TrimSpace(f.Text) == "" {
		return
	}
	if e.active.set {
		if sec, ok := e.reg.get(e.active.key); ok {
			appendFragment(sec, f)
			return
		}
	}
	for _, u := range e.unassigned {
		if u == f {
			return
		}
	}
	e.unassigned = append(e.unassigned, f)
	e.log.Debug("context buffered without a section", zap.String("kind", string(f.Kind)))
}

// flushUnassigned moves the unassigned buffer into sec and clears it.
func (e *Engine) flushUnassigned(sec *Section) {
	if len(e.unassigned) == 0 {
		return
	}
	for _, f := range e.unassigned {
		appendFragment(sec, f)
	}
	e.log.Debug("unassigned context moved", zap.String("section", sec.Key), zap.Int("fragments", len(e.unassigned)))
	e.unassigned = nil
}

func appendFragment(sec *Section, f Fragment) {
	switch f.Kind {
	case KindAudio:
		sec.Audio = appendUnique(sec.Audio, f.Text)
	case KindOCR:
		sec.OCR = appendUnique(sec.OCR, f.Text)
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
