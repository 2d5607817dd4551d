package blocks

import (
	"fmt"
	"sync"
)

// Document is the in-memory editing surface for one open document. The
// editor replaces its content wholesale; the engine mutates it only through
// Insert, Remove and Update. Paint writes the presentation slot.
type Document struct {
	mu       sync.RWMutex
	blocks   []Block
	revision int64
}

func NewDocument(bs []Block) *Document {
	return &Document{blocks: CloneAll(bs)}
}

// Blocks returns a copy of the current stream.
func (d *Document) Blocks() []Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return CloneAll(d.blocks)
}

// Revision increases on every content mutation. Painting does not count.
func (d *Document) Revision() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// Insert places bs after the block with afterID, or at the start when afterID
// is empty. Ids already in the stream, or repeated within bs, are rejected.
func (d *Document) Insert(afterID string, bs []Block) error {
	if len(bs) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	at := 0
	if afterID != "" {
		idx := d.indexOf(afterID)
		if idx < 0 {
			return fmt.Errorf("insert after %s: %w", afterID, ErrBlockNotFound)
		}
		at = idx + 1
	}
	seen := make(map[string]struct{}, len(d.blocks)+len(bs))
	for _, b := range d.blocks {
		seen[b.ID] = struct{}{}
	}
	for _, b := range bs {
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("insert %s: %w", b.ID, ErrDuplicateBlock)
		}
		seen[b.ID] = struct{}{}
	}
	next := make([]Block, 0, len(d.blocks)+len(bs))
	next = append(next, d.blocks[:at]...)
	next = append(next, CloneAll(bs)...)
	next = append(next, d.blocks[at:]...)
	d.blocks = next
	d.revision++
	return nil
}

// Remove deletes the given blocks. Unknown ids are an error and nothing is removed.
func (d *Document) Remove(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if d.indexOf(id) < 0 {
			return fmt.Errorf("remove %s: %w", id, ErrBlockNotFound)
		}
		drop[id] = struct{}{}
	}
	kept := d.blocks[:0:0]
	for _, b := range d.blocks {
		if _, ok := drop[b.ID]; ok {
			continue
		}
		kept = append(kept, b)
	}
	d.blocks = kept
	d.revision++
	return nil
}

// Update replaces the block with the same id.
func (d *Document) Update(b Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.indexOf(b.ID)
	if idx < 0 {
		return fmt.Errorf("update %s: %w", b.ID, ErrBlockNotFound)
	}
	d.blocks[idx] = b.Clone()
	d.revision++
	return nil
}

// Replace swaps in a whole new stream. Background colors already painted on
// blocks that survive the replacement are kept.
func (d *Document) Replace(bs []Block) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replace(bs)
}

// ReplaceAt is Replace for an editor that last saw revision base. If the
// stream moved on since, nothing changes and ErrStaleRevision is returned.
func (d *Document) ReplaceAt(base int64, bs []Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if base != d.revision {
		return fmt.Errorf("base %d, current %d: %w", base, d.revision, ErrStaleRevision)
	}
	d.replace(bs)
	return nil
}

func (d *Document) replace(bs []Block) {
	painted := make(map[string]any)
	for _, b := range d.blocks {
		if c, ok := b.Props[BackgroundProp]; ok {
			painted[b.ID] = c
		}
	}
	next := CloneAll(bs)
	for i := range next {
		c, ok := painted[next[i].ID]
		if !ok {
			continue
		}
		if next[i].Props == nil {
			next[i].Props = map[string]any{}
		}
		next[i].Props[BackgroundProp] = c
	}
	d.blocks = next
	d.revision++
}

// Paint sets the background color of the given blocks. Unknown ids are skipped.
func (d *Document) Paint(color string, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range d.blocks {
		if _, ok := want[d.blocks[i].ID]; !ok {
			continue
		}
		if d.blocks[i].Props == nil {
			d.blocks[i].Props = map[string]any{}
		}
		d.blocks[i].Props[BackgroundProp] = color
	}
}

func (d *Document) indexOf(id string) int {
	for i, b := range d.blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}
