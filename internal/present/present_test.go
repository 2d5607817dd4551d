package present

import (
	"encoding/json"
	"errors"
	"testing"

	"scribe/api/internal/blocks"
	"scribe/api/internal/engine"
)

func TestColorFor(t *testing.T) {
	tests := []struct {
		name string
		ev   engine.Event
		want string
	}{
		{name: "draft", ev: engine.Event{Kind: engine.EventStatus, Status: engine.StatusDraft}, want: ColorDraft},
		{name: "review", ev: engine.Event{Kind: engine.EventStatus, Status: engine.StatusReview}, want: ColorBlue},
		{name: "processed flashes", ev: engine.Event{Kind: engine.EventStatus, Status: engine.StatusProcessed}, want: ColorGreen},
		{name: "warning", ev: engine.Event{Kind: engine.EventStatus, Status: engine.StatusWarning}, want: ColorOrange},
		{name: "failure", ev: engine.Event{Kind: engine.EventFailed, Status: engine.StatusWarning, Err: errors.New("x")}, want: ColorRed},
		{name: "settled", ev: engine.Event{Kind: engine.EventSettled, Status: engine.StatusProcessed}, want: ColorDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ColorFor(tt.ev); got != tt.want {
				t.Fatalf("ColorFor = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPresenterPaintsOnlyTheSection(t *testing.T) {
	text := json.RawMessage(`[{"type":"text","text":"x","styles":{}}]`)
	doc := blocks.NewDocument([]blocks.Block{
		{ID: "h1", Type: blocks.TypeHeading, Content: text},
		{ID: "p1", Type: blocks.TypeParagraph, Content: text},
		{ID: "h2", Type: blocks.TypeHeading, Content: text},
		{ID: "p2", Type: blocks.TypeParagraph, Content: text},
	})
	New(doc).SectionChanged(engine.Event{Key: "h1", Kind: engine.EventStatus, Status: engine.StatusReview})

	for _, b := range doc.Blocks() {
		color, _ := b.Props[blocks.BackgroundProp].(string)
		switch b.ID {
		case "h1", "p1":
			if color != ColorBlue {
				t.Fatalf("%s color = %q", b.ID, color)
			}
		default:
			if color != "" {
				t.Fatalf("sibling %s was painted %q", b.ID, color)
			}
		}
	}
}
