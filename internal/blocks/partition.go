package blocks

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// DocStartKey keys the blocks that precede the first heading.
const DocStartKey = "doc-start"

// Section is a contiguous run of blocks starting at a heading, or the
// pre-heading prefix of the document.
type Section struct {
	Key    string
	Blocks []Block
}

// Partition groups the stream into sections. A new section starts at every
// heading. The doc-start section is omitted when it has no blocks.
func Partition(stream []Block) []Section {
	var out []Section
	cur := Section{Key: DocStartKey}
	for _, b := range stream {
		if IsHeading(b) {
			if len(cur.Blocks) > 0 {
				out = append(out, cur)
			}
			cur = Section{Key: b.ID}
		}
		cur.Blocks = append(cur.Blocks, b)
	}
	if len(cur.Blocks) > 0 {
		out = append(out, cur)
	}
	return out
}

// SectionOf returns the key of the section containing blockID.
func SectionOf(stream []Block, blockID string) (string, bool) {
	key := DocStartKey
	for _, b := range stream {
		if IsHeading(b) {
			key = b.ID
		}
		if b.ID == blockID {
			return key, true
		}
	}
	return "", false
}

// SectionBlockIDs lists the ids of the blocks currently belonging to key.
func SectionBlockIDs(stream []Block, key string) []string {
	for _, sec := range Partition(stream) {
		if sec.Key != key {
			continue
		}
		ids := make([]string, 0, len(sec.Blocks))
		for _, b := range sec.Blocks {
			ids = append(ids, b.ID)
		}
		return ids
	}
	return nil
}

// Fingerprint hashes a section's content. The presentation slot is excluded
// so that repainting a section never reads as an edit.
func Fingerprint(bs []Block) string {
	canon := make([]any, 0, len(bs))
	for _, b := range bs {
		canon = append(canon, canonical(b))
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func canonical(b Block) map[string]any {
	out := map[string]any{"id": b.ID, "type": b.Type}
	if len(b.Props) > 0 {
		props := make(map[string]any, len(b.Props))
		for k, v := range b.Props {
			if k == BackgroundProp {
				continue
			}
			props[k] = v
		}
		if len(props) > 0 {
			out["props"] = props
		}
	}
	if len(b.Content) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b.Content); err == nil {
			out["content"] = json.RawMessage(buf.Bytes())
		} else {
			out["content"] = string(b.Content)
		}
	}
	if len(b.Children) > 0 {
		children := make([]any, 0, len(b.Children))
		for _, c := range b.Children {
			children = append(children, canonical(c))
		}
		out["children"] = children
	}
	return out
}
