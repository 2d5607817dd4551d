package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"scribe/api/internal/blocks"
	"scribe/api/internal/llm"
)

// pendingRewrite tracks the newest rewrite for a key. Rewrites bypass the
// register so they work on sections that were never edited.
type pendingRewrite struct {
	id     uint64
	cancel context.CancelFunc
}

// dispatch sends a draft section's notes and buffered context for processing.
func (e *Engine) dispatch(sec *Section) {
	req := llm.ProcessRequest{
		DocID: e.docID,
		ParID: sec.Key,
		Notes: blocks.SectionText(sec.Payload),
		Audio: strings.Join(sec.Audio, "\n"),
		OCR:   strings.Join(sec.OCR, "\n"),
	}
	if !e.transition(sec, StatusReview) {
		return
	}
	sec.sentAudio, sec.sentOCR = len(sec.Audio), len(sec.OCR)
	id := e.nextID()
	sec.request = id
	key := sec.Key
	sec.cancelRequest = e.spawn(func(ctx context.Context) {
		res, err := e.proc.Process(ctx, req)
		e.post(responseReceived{key: key, id: id, op: opProcess, result: res, err: err})
	})
	e.log.Info("section dispatched", zap.String("section", key), zap.Uint64("request", id))
}

// resume answers the pending question of a section in warning.
func (e *Engine) resume(key, answer string) error {
	sec, ok := e.reg.get(key)
	if !ok || sec.Status != StatusWarning || sec.Question == "" {
		return ErrNoPendingQuestion
	}
	if strings.TrimSpace(answer) == "" {
		return ErrEmptyAnswer
	}
	sec.Failure = ""
	if !e.transition(sec, StatusReview) {
		return ErrNoPendingQuestion
	}
	req := llm.ResumeRequest{DocID: e.docID, ParID: key, Answer: answer}
	id := e.nextID()
	sec.request = id
	sec.cancelRequest = e.spawn(func(ctx context.Context) {
		res, err := e.proc.Resume(ctx, req)
		e.post(responseReceived{key: key, id: id, op: opResume, result: res, err: err})
	})
	e.log.Info("section resumed", zap.String("section", key), zap.Uint64("request", id))
	return nil
}

// rewrite issues a user instruction for a section. A newer rewrite for the
// same key supersedes an older one.
func (e *Engine) rewrite(key, instruction string) error {
	if _, ok := e.reg.get(key); !ok && !e.reg.present[key] {
		return ErrUnknownSection
	}
	if strings.TrimSpace(instruction) == "" {
		return ErrEmptyInstruction
	}
	if prev, ok := e.rewrites[key]; ok {
		prev.cancel()
	}
	req := llm.RewriteRequest{DocID: e.docID, ParID: key, Instruction: instruction}
	id := e.nextID()
	cancel := e.spawn(func(ctx context.Context) {
		res, err := e.proc.Rewrite(ctx, req)
		e.post(responseReceived{key: key, id: id, op: opRewrite, result: res, err: err})
	})
	e.rewrites[key] = &pendingRewrite{id: id, cancel: cancel}
	e.log.Info("section rewrite requested", zap.String("section", key), zap.Uint64("request", id))
	return nil
}

func (e *Engine) onResponse(ev responseReceived) {
	if ev.err == nil {
		ev.err = ev.result.Validate()
	}
	if ev.op == opRewrite {
		e.onRewriteResponse(ev)
		return
	}

	sec, ok := e.reg.get(ev.key)
	if !ok || sec.request != ev.id || sec.Status != StatusReview {
		e.log.Debug("stale response ignored", zap.String("section", ev.key), zap.Stringer("op", ev.op))
		return
	}
	sec.cancelRequest = nil
	sec.request = 0

	if ev.err != nil {
		sec.sentAudio, sec.sentOCR = 0, 0
		if ev.op == opProcess {
			e.log.Warn("dispatch failed, section back to draft", zap.String("section", sec.Key), zap.Error(ev.err))
			e.transition(sec, StatusDraft)
			e.reconcileTimers()
			return
		}
		e.log.Warn("resume failed", zap.String("section", sec.Key), zap.Error(ev.err))
		sec.Failure = ev.err.Error()
		e.transition(sec, StatusWarning)
		e.emit(Event{Key: sec.Key, Kind: EventFailed, Status: sec.Status, Question: sec.Question, Err: ev.err})
		return
	}

	switch ev.result.Status {
	case llm.StatusCompleted:
		sec.Audio = trimSent(sec.Audio, sec.sentAudio)
		sec.OCR = trimSent(sec.OCR, sec.sentOCR)
		sec.sentAudio, sec.sentOCR = 0, 0
		e.complete(sec, ev.result.Markdown)
	case llm.StatusPaused:
		sec.sentAudio, sec.sentOCR = 0, 0
		sec.Question = ev.result.Interrupt
		e.transition(sec, StatusWarning)
	}
}

func (e *Engine) onRewriteResponse(ev responseReceived) {
	pending, ok := e.rewrites[ev.key]
	if !ok || pending.id != ev.id {
		e.log.Debug("stale rewrite ignored", zap.String("section", ev.key))
		return
	}
	delete(e.rewrites, ev.key)

	if ev.err != nil {
		if errors.Is(ev.err, context.Canceled) {
			return
		}
		e.log.Warn("rewrite failed", zap.String("section", ev.key), zap.Error(ev.err))
		st := Status("")
		question := ""
		if sec, ok := e.reg.get(ev.key); ok {
			sec.Failure = ev.err.Error()
			st, question = sec.Status, sec.Question
		}
		e.emit(Event{Key: ev.key, Kind: EventFailed, Status: st, Question: question, Err: ev.err})
		return
	}

	sec := e.adopt(ev.key)
	sec.dropRequest()
	sec.Failure = ""
	switch ev.result.Status {
	case llm.StatusCompleted:
		e.complete(sec, ev.result.Markdown)
	case llm.StatusPaused:
		sec.Question = ev.result.Interrupt
		if sec.Status == StatusWarning {
			e.announce(sec)
		} else {
			e.transition(sec, StatusWarning)
		}
		e.reconcileTimers()
	}
}

// complete marks a section processed and merges the returned content. The
// status is set before the merge so the merge's own observation finds it
// processed; observers hear about it once the new blocks are in place.
func (e *Engine) complete(sec *Section, markdown string) {
	sec.Question, sec.Failure = "", ""
	if sec.Status != StatusProcessed && !e.setStatus(sec, StatusProcessed) {
		return
	}
	e.merge(sec.Key, markdown)
	e.announce(sec)
	e.reconcileTimers()
}

// adopt returns the register entry for key, creating it from the current
// stream when the section has never been edited.
func (e *Engine) adopt(key string) *Section {
	if sec, ok := e.reg.get(key); ok {
		return sec
	}
	sec := e.reg.ensure(key)
	for _, part := range blocks.Partition(e.surface.Blocks()) {
		if part.Key == key {
			sec.Snapshot, sec.Payload = blocks.Fingerprint(part.Blocks), part.Blocks
			break
		}
	}
	return sec
}

func trimSent(list []string, sent int) []string {
	if sent >= len(list) {
		return nil
	}
	return append([]string(nil), list[sent:]...)
}
