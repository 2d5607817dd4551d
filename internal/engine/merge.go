package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"scribe/api/internal/blocks"
)

var errSectionGone = errors.New("section heading no longer in the stream")

// mergeLock marks a section whose region is being rewritten by a merge.
// While any lock is held, observations of the locked key, and of keys that
// have never been seen, count as processed rather than as user edits.
type mergeLock struct {
	seq   uint64
	timer Timer
}

func (e *Engine) lockedFor(key string, isNew bool) bool {
	if _, ok := e.locks[key]; ok {
		return true
	}
	return isNew && len(e.locks) > 0
}

// acquireLock takes the lock for key. A lock still held from an earlier
// merge of the same key is released first.
func (e *Engine) acquireLock(key string) *mergeLock {
	e.releaseLock(key)
	l := &mergeLock{seq: e.nextID()}
	e.locks[key] = l
	return l
}

func (e *Engine) releaseLock(key string) {
	l, ok := e.locks[key]
	if !ok {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	delete(e.locks, key)
}

func (e *Engine) onLockReleased(ev lockReleased) {
	l, ok := e.locks[ev.key]
	if !ok || l.seq != ev.seq {
		return
	}
	delete(e.locks, ev.key)
	e.log.Debug("merge lock released", zap.String("section", ev.key))
}

// merge replaces the body of section key with the returned content. A parse
// failure leaves the stream untouched.
func (e *Engine) merge(key, content string) {
	parsed, err := blocks.FromMarkdown(content)
	if err != nil {
		e.log.Warn("returned content could not be parsed, stream left unchanged",
			zap.String("section", key), zap.Error(err))
		return
	}

	l := e.acquireLock(key)
	if err := e.splice(key, parsed); err != nil {
		e.log.Warn("merge skipped", zap.String("section", key), zap.Error(err))
	}
	e.observe()
	e.scheduleAutosave()

	seq := l.seq
	l.timer = e.clock.AfterFunc(e.timing.MergeLockRelease, func() {
		e.post(lockReleased{key: key, seq: seq})
	})
}

// splice swaps the blocks strictly inside the section's boundary for the
// parsed body. A leading returned heading only updates the visible content
// of the existing heading so the section keeps its key; for the document
// start section it becomes a paragraph. The heading is updated last, and a
// failed insert puts the old body back.
func (e *Engine) splice(key string, parsed []blocks.Block) error {
	stream := e.surface.Blocks()
	anchor := ""
	start := 0
	var head *blocks.Block
	if key == blocks.DocStartKey {
		if len(parsed) > 0 && blocks.IsHeading(parsed[0]) {
			parsed[0] = asParagraph(parsed[0])
		}
	} else {
		idx := -1
		for i, b := range stream {
			if b.ID == key {
				idx = i
				break
			}
		}
		if idx < 0 || !blocks.IsHeading(stream[idx]) {
			return errSectionGone
		}
		anchor, start = key, idx+1

		if len(parsed) > 0 && blocks.IsHeading(parsed[0]) {
			h := stream[idx].Clone()
			h.Content = parsed[0].Content
			head = &h
			parsed = parsed[1:]
		}
	}

	end := start
	for end < len(stream) && !blocks.IsHeading(stream[end]) {
		end++
	}
	body := stream[start:end]
	old := make([]string, 0, len(body))
	for _, b := range body {
		old = append(old, b.ID)
	}
	if err := e.surface.Remove(old...); err != nil {
		return fmt.Errorf("remove old body: %w", err)
	}
	if err := e.surface.Insert(anchor, parsed); err != nil {
		if rerr := e.surface.Insert(anchor, body); rerr != nil {
			e.log.Error("old body could not be restored", zap.String("section", key), zap.Error(rerr))
		}
		return fmt.Errorf("insert new body: %w", err)
	}
	if head != nil {
		if err := e.surface.Update(*head); err != nil {
			return fmt.Errorf("update heading: %w", err)
		}
	}
	return nil
}

func asParagraph(b blocks.Block) blocks.Block {
	p := b.Clone()
	p.Type = blocks.TypeParagraph
	delete(p.Props, "level")
	return p
}
