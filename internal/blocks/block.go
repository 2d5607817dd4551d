package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Block type tags the engine cares about. Every other type is carried opaquely.
const (
	TypeHeading          = "heading"
	TypeParagraph        = "paragraph"
	TypeBulletListItem   = "bulletListItem"
	TypeNumberedListItem = "numberedListItem"
	TypeCheckListItem    = "checkListItem"
	TypeCodeBlock        = "codeBlock"
	TypeQuote            = "quote"
	TypeTable            = "table"
)

// BackgroundProp is the presentation slot written by the status presenter.
const BackgroundProp = "backgroundColor"

var ErrBlockNotFound = errors.New("block not found")

var ErrDuplicateBlock = errors.New("block id already in the stream")

// ErrStaleRevision reports content based on a revision that is no longer current.
var ErrStaleRevision = errors.New("stale revision")

// Block is one editor block in BlockNote's JSON shape. Content is kept raw so
// that block kinds the engine does not understand survive a round trip.
type Block struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Props    map[string]any  `json:"props,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Children []Block         `json:"children,omitempty"`
}

// InlineContent is a text or link run inside a block.
type InlineContent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Href    string          `json:"href,omitempty"`
	Styles  *Styles         `json:"styles,omitempty"`
	Content []InlineContent `json:"content,omitempty"`
}

type Styles struct {
	Bold   bool `json:"bold,omitempty"`
	Italic bool `json:"italic,omitempty"`
	Code   bool `json:"code,omitempty"`
	Strike bool `json:"strike,omitempty"`
}

// TableContent is BlockNote's content shape for table blocks.
type TableContent struct {
	Type string     `json:"type"`
	Rows []TableRow `json:"rows"`
}

type TableRow struct {
	Cells [][]InlineContent `json:"cells"`
}

func IsHeading(b Block) bool {
	return b.Type == TypeHeading
}

// Clone returns a copy that shares no mutable state with b.
func (b Block) Clone() Block {
	out := Block{ID: b.ID, Type: b.Type}
	if b.Props != nil {
		out.Props = make(map[string]any, len(b.Props))
		for k, v := range b.Props {
			out.Props[k] = v
		}
	}
	if b.Content != nil {
		out.Content = append(json.RawMessage(nil), b.Content...)
	}
	if len(b.Children) > 0 {
		out.Children = CloneAll(b.Children)
	}
	return out
}

func CloneAll(bs []Block) []Block {
	out := make([]Block, len(bs))
	for i, b := range bs {
		out[i] = b.Clone()
	}
	return out
}

// Parse decodes a persisted document. Empty content is an empty document.
func Parse(content string) ([]Block, error) {
	if strings.TrimSpace(content) == "" {
		return []Block{}, nil
	}
	var out []Block
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("parse blocks: %w", err)
	}
	if out == nil {
		out = []Block{}
	}
	return out, nil
}

// Marshal encodes blocks the way they are persisted.
func Marshal(bs []Block) (string, error) {
	if bs == nil {
		bs = []Block{}
	}
	raw, err := json.Marshal(bs)
	if err != nil {
		return "", fmt.Errorf("marshal blocks: %w", err)
	}
	return string(raw), nil
}

func inlineText(text string, styles Styles) InlineContent {
	return InlineContent{Type: "text", Text: text, Styles: &styles}
}

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
