package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var ErrNoBlocks = errors.New("content produced no blocks")

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// FromMarkdown converts returned section content into blocks with fresh ids.
// Content that is already a JSON block array is decoded as such; ids it
// carries are discarded.
func FromMarkdown(src string) ([]Block, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, ErrNoBlocks
	}
	if strings.HasPrefix(trimmed, "[") {
		var out []Block
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("decode block content: %w", err)
		}
		if len(out) == 0 {
			return nil, ErrNoBlocks
		}
		assignFreshIDs(out)
		return out, nil
	}

	source := []byte(src)
	root := markdown.Parser().Parse(text.NewReader(source))
	c := converter{src: source}
	var out []Block
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		out = append(out, c.block(n)...)
	}
	if len(out) == 0 {
		return nil, ErrNoBlocks
	}
	return out, nil
}

func assignFreshIDs(bs []Block) {
	for i := range bs {
		bs[i].ID = uuid.NewString()
		assignFreshIDs(bs[i].Children)
	}
}

type converter struct {
	src []byte
}

func newBlock(typ string, props map[string]any, content any) Block {
	b := Block{ID: uuid.NewString(), Type: typ, Props: props}
	if content != nil {
		b.Content = mustRaw(content)
	}
	return b
}

func (c converter) block(n ast.Node) []Block {
	switch node := n.(type) {
	case *ast.Heading:
		return []Block{newBlock(TypeHeading, map[string]any{"level": node.Level}, c.inline(node))}
	case *ast.Paragraph, *ast.TextBlock:
		runs := c.inline(node)
		if len(runs) == 0 {
			return nil
		}
		return []Block{newBlock(TypeParagraph, nil, runs)}
	case *ast.List:
		var out []Block
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			out = append(out, c.listItem(item, node.IsOrdered()))
		}
		return out
	case *ast.FencedCodeBlock:
		props := map[string]any{}
		if lang := string(node.Language(c.src)); lang != "" {
			props["language"] = lang
		}
		return []Block{newBlock(TypeCodeBlock, props, []InlineContent{inlineText(c.lines(node), Styles{})})}
	case *ast.CodeBlock:
		return []Block{newBlock(TypeCodeBlock, nil, []InlineContent{inlineText(c.lines(node), Styles{})})}
	case *ast.Blockquote:
		var runs []InlineContent
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			if len(runs) > 0 {
				runs = append(runs, inlineText("\n", Styles{}))
			}
			runs = append(runs, c.inline(child)...)
		}
		return []Block{newBlock(TypeQuote, nil, runs)}
	case *extast.Table:
		return []Block{c.table(node)}
	case *ast.HTMLBlock:
		raw := strings.TrimSpace(c.lines(node))
		if raw == "" {
			return nil
		}
		return []Block{newBlock(TypeParagraph, nil, []InlineContent{inlineText(raw, Styles{})})}
	case *ast.ThematicBreak:
		return nil
	default:
		runs := c.inline(node)
		if len(runs) == 0 {
			return nil
		}
		return []Block{newBlock(TypeParagraph, nil, runs)}
	}
}

func (c converter) listItem(item ast.Node, ordered bool) Block {
	typ := TypeBulletListItem
	if ordered {
		typ = TypeNumberedListItem
	}
	var props map[string]any
	var runs []InlineContent
	var children []Block
	first := true
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		if _, ok := child.(*ast.List); ok || !first {
			children = append(children, c.block(child)...)
			continue
		}
		first = false
		if box, ok := child.FirstChild().(*extast.TaskCheckBox); ok {
			typ = TypeCheckListItem
			props = map[string]any{"checked": box.IsChecked}
		}
		runs = c.inline(child)
	}
	b := newBlock(typ, props, runs)
	if runs == nil {
		b.Content = mustRaw([]InlineContent{})
	}
	b.Children = children
	return b
}

func (c converter) table(node *extast.Table) Block {
	content := TableContent{Type: "tableContent"}
	for row := node.FirstChild(); row != nil; row = row.NextSibling() {
		var r TableRow
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			runs := c.inline(cell)
			if runs == nil {
				runs = []InlineContent{}
			}
			r.Cells = append(r.Cells, runs)
		}
		content.Rows = append(content.Rows, r)
	}
	return newBlock(TypeTable, nil, content)
}

func (c converter) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(c.src))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c converter) inline(n ast.Node) []InlineContent {
	var out []InlineContent
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		out = c.appendInline(out, child, Styles{})
	}
	return out
}

func (c converter) appendInline(out []InlineContent, n ast.Node, st Styles) []InlineContent {
	switch node := n.(type) {
	case *ast.Text:
		out = appendText(out, string(node.Segment.Value(c.src)), st)
		if node.HardLineBreak() {
			out = appendText(out, "\n", st)
		} else if node.SoftLineBreak() {
			out = appendText(out, " ", st)
		}
	case *ast.String:
		out = appendText(out, string(node.Value), st)
	case *ast.CodeSpan:
		code := st
		code.Code = true
		out = appendText(out, c.plain(node), code)
	case *ast.Emphasis:
		inner := st
		if node.Level >= 2 {
			inner.Bold = true
		} else {
			inner.Italic = true
		}
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			out = c.appendInline(out, child, inner)
		}
	case *extast.Strikethrough:
		inner := st
		inner.Strike = true
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			out = c.appendInline(out, child, inner)
		}
	case *ast.Link:
		var label []InlineContent
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			label = c.appendInline(label, child, st)
		}
		out = append(out, InlineContent{Type: "link", Href: string(node.Destination), Content: label})
	case *ast.AutoLink:
		url := string(node.URL(c.src))
		out = append(out, InlineContent{Type: "link", Href: url, Content: []InlineContent{inlineText(url, st)}})
	case *ast.Image:
		out = appendText(out, c.plain(node), st)
	case *extast.TaskCheckBox, *ast.RawHTML:
	default:
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			out = c.appendInline(out, child, st)
		}
	}
	return out
}

func (c converter) plain(n ast.Node) string {
	var sb strings.Builder
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch t := child.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(c.src))
		case *ast.String:
			sb.Write(t.Value)
		default:
			sb.WriteString(c.plain(child))
		}
	}
	return sb.String()
}

// appendText merges adjacent runs that share styles.
func appendText(out []InlineContent, s string, st Styles) []InlineContent {
	if s == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Type == "text" && out[n-1].Styles != nil && *out[n-1].Styles == st {
		out[n-1].Text += s
		return out
	}
	return append(out, inlineText(s, st))
}
