package blocks

import (
	"encoding/json"
	"strings"
)

// TextDelimiter separates block texts in a section's outbound notes.
const TextDelimiter = "\n"

// PlainText reduces a block and its children to plain text.
func PlainText(b Block) string {
	parts := make([]string, 0, 1+len(b.Children))
	if t := contentText(b.Content); t != "" {
		parts = append(parts, t)
	}
	for _, c := range b.Children {
		if t := PlainText(c); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, TextDelimiter)
}

// SectionText is the typed text of a section: the text of every body block
// in order. The heading names the section and is not part of its notes.
func SectionText(bs []Block) string {
	parts := make([]string, 0, len(bs))
	for i, b := range bs {
		if i == 0 && IsHeading(b) {
			continue
		}
		if t := PlainText(b); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, TextDelimiter)
}

// DocumentText is the text of every block, headings included.
func DocumentText(bs []Block) string {
	parts := make([]string, 0, len(bs))
	for _, b := range bs {
		if t := PlainText(b); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, TextDelimiter)
}

// HeadingText returns the text of a section's heading, if it has one.
func HeadingText(bs []Block) string {
	if len(bs) == 0 || !IsHeading(bs[0]) {
		return ""
	}
	return contentText(bs[0].Content)
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var runs []InlineContent
	if err := json.Unmarshal(raw, &runs); err == nil {
		return inlineRunsText(runs)
	}
	var table TableContent
	if err := json.Unmarshal(raw, &table); err == nil && len(table.Rows) > 0 {
		rows := make([]string, 0, len(table.Rows))
		for _, row := range table.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, inlineRunsText(cell))
			}
			rows = append(rows, strings.Join(cells, "\t"))
		}
		return strings.Join(rows, TextDelimiter)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func inlineRunsText(runs []InlineContent) string {
	var sb strings.Builder
	for _, r := range runs {
		switch r.Type {
		case "link":
			sb.WriteString(inlineRunsText(r.Content))
		default:
			sb.WriteString(r.Text)
		}
	}
	return sb.String()
}
