package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"scribe/api/internal/blocks"
)

// autosave debounces whole-document saves. Only the newest schedule may
// save, and starting a save cancels the one before it.
type autosave struct {
	timer  Timer
	seq    uint64
	cancel context.CancelFunc
}

func (e *Engine) scheduleAutosave() {
	if e.saver == nil {
		return
	}
	if e.save.timer != nil {
		e.save.timer.Stop()
	}
	e.save.seq++
	seq := e.save.seq
	e.save.timer = e.clock.AfterFunc(e.timing.AutosaveDelay, func() {
		e.post(autosaveFired{seq: seq})
	})
}

func (e *Engine) onAutosave(ev autosaveFired) {
	if ev.seq != e.save.seq || e.save.timer == nil {
		return
	}
	e.save.timer = nil
	if e.save.cancel != nil {
		e.save.cancel()
	}
	content, err := blocks.Marshal(e.surface.Blocks())
	if err != nil {
		e.log.Error("autosave encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.save.cancel = cancel
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer cancel()
		if err := e.saver.Save(ctx, e.docID, content); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.log.Warn("autosave failed", zap.Error(err))
		}
	}()
}

// flushAutosave runs a pending save synchronously. Used on close.
func (e *Engine) flushAutosave() {
	if e.saver == nil || e.save.timer == nil {
		return
	}
	e.save.timer.Stop()
	e.save.timer = nil
	e.save.seq++
	if e.save.cancel != nil {
		e.save.cancel()
	}
	content, err := blocks.Marshal(e.surface.Blocks())
	if err != nil {
		e.log.Error("autosave encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timing.CloseSaveTimeout)
	defer cancel()
	if err := e.saver.Save(ctx, e.docID, content); err != nil {
		e.log.Warn("final save failed", zap.Error(err))
	}
}
