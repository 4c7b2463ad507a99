// Package persistence keeps a durable local cache of each room's replicated
// document so a participant can resume offline.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ltoc/collab/internal/crdt"
	"ltoc/collab/internal/logging"
)

// Adapter stores binary document state keyed by room. Load returns chunks in the
// order they were written.
type Adapter interface {
	Load(ctx context.Context, room string) ([][]byte, error)
	Append(ctx context.Context, room string, update []byte) error
	Compact(ctx context.Context, room string, snapshot []byte) error
	Close() error
}

// DefaultCompactEvery matches the trim size used by browser caches.
const DefaultCompactEvery = 500

type Options struct {
	CompactEvery int
	Timeout      time.Duration
	Logger       *zap.Logger
}

// Binding keeps one document's cache current.
type Binding struct {
	adapter Adapter
	room    string
	doc     *crdt.Document
	opts    Options
	logger  *zap.Logger

	mu          sync.Mutex
	closed      bool
	appends     int
	unsubscribe func()
	// Restored reports whether cached state was merged into the document.
	Restored bool
}

// Bind restores cached state into doc and starts recording every later change.
// A cache that cannot be read or decoded is logged and ignored: the document
// starts empty and the cache is rewritten from it.
func Bind(ctx context.Context, doc *crdt.Document, adapter Adapter, room string, opts Options) *Binding {
	if opts.CompactEvery <= 0 {
		opts.CompactEvery = DefaultCompactEvery
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	b := &Binding{
		adapter: adapter,
		room:    room,
		doc:     doc,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).With(zap.String("room", room)),
	}

	restored, err := b.restore(ctx)
	switch {
	case err != nil:
		b.logger.Warn("persistence: discarding unreadable cache", zap.Error(err))
		b.rewrite(ctx)
	case restored:
		b.Restored = true
	}

	b.unsubscribe = doc.OnUpdate(b.record)
	return b
}

func (b *Binding) restore(ctx context.Context) (bool, error) {
	loadCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	chunks, err := b.adapter.Load(loadCtx, b.room)
	if err != nil {
		return false, fmt.Errorf("load cache: %w", err)
	}
	if len(chunks) == 0 {
		return false, nil
	}

	// decode into a scratch replica first so a corrupt chunk never touches doc
	scratch, err := crdt.New()
	if err != nil {
		return false, err
	}
	defer scratch.Close()
	for i, chunk := range chunks {
		if err := scratch.ApplyStored(crdt.OriginPersistence, chunk); err != nil {
			return false, fmt.Errorf("decode chunk %d: %w", i, err)
		}
	}
	if err := b.doc.Merge(crdt.OriginPersistence, scratch); err != nil {
		return false, fmt.Errorf("merge cache: %w", err)
	}
	b.appends = len(chunks)
	return true, nil
}

func (b *Binding) rewrite(ctx context.Context) {
	writeCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	if err := b.adapter.Compact(writeCtx, b.room, b.doc.Save()); err != nil {
		b.logger.Warn("persistence: reset cache", zap.Error(err))
	}
}

func (b *Binding) record(update crdt.Update) {
	if update.Origin == crdt.OriginPersistence {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	if err := b.adapter.Append(ctx, b.room, update.Delta); err != nil {
		// the in-memory replica stays authoritative, the next compaction repairs the cache
		b.logger.Warn("persistence: append update", zap.Error(err))
		return
	}
	b.appends++
	if b.appends >= b.opts.CompactEvery {
		if err := b.adapter.Compact(ctx, b.room, b.doc.Save()); err != nil {
			b.logger.Warn("persistence: compact", zap.Error(err))
			return
		}
		b.appends = 1
	}
}

// Close stores a final snapshot and stops recording. It does not close the adapter,
// which may be shared by several rooms.
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	snapshot := b.doc.Save()
	if err := b.adapter.Compact(ctx, b.room, snapshot); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}
