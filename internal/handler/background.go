package handler

import (
	"context"
	"log/slog"
	"sync"
)

// Background runs work accepted by a handler after the response was sent.
// At most one task per key runs at a time.
type Background struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	wg      sync.WaitGroup
	m       sync.Mutex
	running map[string]struct{}
}

func NewBackground(logger *slog.Logger) *Background {
	ctx, cancel := context.WithCancel(context.Background())
	return &Background{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		running: make(map[string]struct{}),
	}
}

// Go starts fn unless a task with the same key is running.
func (b *Background) Go(key string, fn func(context.Context) error) bool {
	b.m.Lock()
	defer b.m.Unlock()
	if _, ok := b.running[key]; ok {
		return false
	}
	if b.ctx.Err() != nil {
		return false
	}
	b.running[key] = struct{}{}
	b.wg.Go(func() {
		defer b.remove(key)
		if err := fn(b.ctx); err != nil {
			b.logger.Error("background task failed", "task", key, "error", err)
		}
	})
	return true
}

func (b *Background) Running(key string) bool {
	b.m.Lock()
	defer b.m.Unlock()
	_, ok := b.running[key]
	return ok
}

func (b *Background) remove(key string) {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.running, key)
}

// Wait blocks until every started task returned.
func (b *Background) Wait() {
	b.wg.Wait()
}

// Shutdown cancels running tasks and waits for them.
func (b *Background) Shutdown() {
	b.cancel()
	b.wg.Wait()
}
