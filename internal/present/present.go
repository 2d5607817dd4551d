// Package present maps section status events to background colors on the
// editing surface. The engine never reads these colors back.
package present

import (
	"scribe/api/internal/blocks"
	"scribe/api/internal/engine"
)

const (
	ColorDefault = "default"
	ColorDraft   = "gray"
	ColorBlue    = "blue"
	ColorGreen   = "green"
	ColorOrange  = "orange"
	ColorRed     = "red"
)

// Surface is the part of the editing surface the presenter paints on.
type Surface interface {
	Blocks() []blocks.Block
	Paint(color string, ids ...string)
}

type Presenter struct {
	surface Surface
}

func New(surface Surface) *Presenter {
	return &Presenter{surface: surface}
}

func (p *Presenter) SectionChanged(ev engine.Event) {
	ids := blocks.SectionBlockIDs(p.surface.Blocks(), ev.Key)
	if len(ids) == 0 {
		return
	}
	p.surface.Paint(ColorFor(ev), ids...)
}

// ColorFor is the color a section shows after ev.
func ColorFor(ev engine.Event) string {
	switch ev.Kind {
	case engine.EventFailed:
		return ColorRed
	case engine.EventSettled:
		return ColorDefault
	}
	switch ev.Status {
	case engine.StatusDraft:
		return ColorDraft
	case engine.StatusReview:
		return ColorBlue
	case engine.StatusProcessed:
		return ColorGreen
	case engine.StatusWarning:
		return ColorOrange
	default:
		return ColorDefault
	}
}
