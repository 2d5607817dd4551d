package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"scribe/api/internal/blocks"
)

// BlocksToHTML renders a block stream as HTML body markup. Consecutive list
// items of one kind share a list element. The presentation slot is not
// exported.
func BlocksToHTML(stream []blocks.Block) string {
	var b strings.Builder
	renderBlocks(&b, stream)
	return b.String()
}

func renderBlocks(b *strings.Builder, stream []blocks.Block) {
	for i := 0; i < len(stream); {
		tag := listTag(stream[i].Type)
		if tag == "" {
			renderBlock(b, stream[i])
			i++
			continue
		}
		j := i
		for j < len(stream) && stream[j].Type == stream[i].Type {
			j++
		}
		fmt.Fprintf(b, "<%s>\n", tag)
		for _, item := range stream[i:j] {
			b.WriteString("<li>")
			if item.Type == blocks.TypeCheckListItem {
				if checked, _ := item.Props["checked"].(bool); checked {
					b.WriteString(`<input type="checkbox" checked disabled> `)
				} else {
					b.WriteString(`<input type="checkbox" disabled> `)
				}
			}
			b.WriteString(inlineHTML(item.Content))
			if len(item.Children) > 0 {
				b.WriteString("\n")
				renderBlocks(b, item.Children)
			}
			b.WriteString("</li>\n")
		}
		fmt.Fprintf(b, "</%s>\n", tag)
		i = j
	}
}

func listTag(typ string) string {
	switch typ {
	case blocks.TypeBulletListItem, blocks.TypeCheckListItem:
		return "ul"
	case blocks.TypeNumberedListItem:
		return "ol"
	}
	return ""
}

func renderBlock(b *strings.Builder, blk blocks.Block) {
	switch blk.Type {
	case blocks.TypeHeading:
		level := headingLevel(blk.Props)
		fmt.Fprintf(b, "<h%d>%s</h%d>\n", level, inlineHTML(blk.Content), level)
	case blocks.TypeCodeBlock:
		lang, _ := blk.Props["language"].(string)
		if lang != "" {
			fmt.Fprintf(b, `<pre><code class="language-%s">%s</code></pre>`+"\n", html.EscapeString(lang), html.EscapeString(blocks.PlainText(blk)))
		} else {
			fmt.Fprintf(b, "<pre><code>%s</code></pre>\n", html.EscapeString(blocks.PlainText(blk)))
		}
	case blocks.TypeQuote:
		fmt.Fprintf(b, "<blockquote>%s</blockquote>\n", inlineHTML(blk.Content))
	case blocks.TypeTable:
		renderTable(b, blk.Content)
	default:
		fmt.Fprintf(b, "<p>%s</p>\n", inlineHTML(blk.Content))
	}
	if len(blk.Children) > 0 {
		b.WriteString("<div class=\"nested\">\n")
		renderBlocks(b, blk.Children)
		b.WriteString("</div>\n")
	}
}

func headingLevel(props map[string]any) int {
	level := 1
	switch v := props["level"].(type) {
	case float64:
		level = int(v)
	case int:
		level = v
	}
	if level < 1 || level > 6 {
		level = 1
	}
	return level
}

func renderTable(b *strings.Builder, raw json.RawMessage) {
	var table blocks.TableContent
	if err := json.Unmarshal(raw, &table); err != nil {
		return
	}
	b.WriteString("<table>\n")
	for i, row := range table.Rows {
		cell := "td"
		if i == 0 {
			cell = "th"
		}
		b.WriteString("<tr>")
		for _, runs := range row.Cells {
			fmt.Fprintf(b, "<%s>%s</%s>", cell, runsHTML(runs), cell)
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")
}

func inlineHTML(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var runs []blocks.InlineContent
	if err := json.Unmarshal(raw, &runs); err != nil {
		return ""
	}
	return runsHTML(runs)
}

func runsHTML(runs []blocks.InlineContent) string {
	var b strings.Builder
	for _, run := range runs {
		switch run.Type {
		case "link":
			fmt.Fprintf(&b, `<a href="%s">%s</a>`, html.EscapeString(run.Href), runsHTML(run.Content))
		default:
			b.WriteString(styled(run))
		}
	}
	return b.String()
}

func styled(run blocks.InlineContent) string {
	out := strings.ReplaceAll(html.EscapeString(run.Text), "\n", "<br>")
	if out == "" || run.Styles == nil {
		return out
	}
	if run.Styles.Code {
		out = "<code>" + out + "</code>"
	}
	if run.Styles.Strike {
		out = "<s>" + out + "</s>"
	}
	if run.Styles.Italic {
		out = "<em>" + out + "</em>"
	}
	if run.Styles.Bold {
		out = "<strong>" + out + "</strong>"
	}
	return out
}
