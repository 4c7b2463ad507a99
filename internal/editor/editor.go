// Package editor binds an editing surface to a room's replicated text and
// renders remote cursors as decorations.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"ltoc/collab/internal/awareness"
	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/crdt"
	"ltoc/collab/internal/richtext"
)

var ErrUnmounted = errors.New("editor: unmounted")

// Options holds the host callbacks. Each runs on the goroutine that changed the
// content or presence, or on one already delivering an earlier change. They may
// call Insert, Delete, Replace or Select; the resulting change is reported after
// the current callback returns. They must not call Unmount.
type Options struct {
	// InitialContent is HTML used only when the room's text is still empty
	// once the initial sync with peers is over.
	InitialContent string
	// OnContentChange receives the HTML after every local edit.
	OnContentChange func(html string)
	// OnRemoteChange receives the HTML after edits merged from peers.
	OnRemoteChange func(html string)
	// OnDecorations receives the remote cursors whenever presence changes.
	OnDecorations func([]Decoration)
}

// Decoration is a remote participant's caret or selection, clamped to the text.
type Decoration struct {
	ConnectionID string
	Name         string
	Color        string
	From         int
	To           int
}

type Editor struct {
	m    *collab.Manager
	text *crdt.Text
	opts Options

	unmounted atomic.Bool
	mu        sync.Mutex
	detach    []func()
}

// Mount binds m's content to a new editor. When the content is empty and
// InitialContent has text, the content is seeded with it in one change that
// does not report through OnContentChange. With InitialContent set, Mount first
// waits for the room's initial sync so text peers already wrote is kept.
func Mount(m *collab.Manager, opts Options) (*Editor, error) {
	return MountContext(context.Background(), m, opts)
}

// MountContext is Mount with ctx bounding the wait for the initial sync.
func MountContext(ctx context.Context, m *collab.Manager, opts Options) (*Editor, error) {
	if opts.InitialContent != "" {
		if err := m.WaitSynced(ctx); err != nil {
			return nil, fmt.Errorf("wait for initial sync: %w", err)
		}
	}
	e := &Editor{m: m, text: m.Content(), opts: opts}
	if err := e.seed(); err != nil {
		return nil, err
	}
	e.detach = append(e.detach, m.Document().OnUpdate(e.onUpdate))
	if opts.OnDecorations != nil {
		e.detach = append(e.detach, m.Awareness().OnChange(func(awareness.Change) {
			if !e.unmounted.Load() {
				opts.OnDecorations(e.Decorations())
			}
		}))
	}
	return e, nil
}

func (e *Editor) seed() error {
	if e.opts.InitialContent == "" || e.text.Len() > 0 {
		return nil
	}
	plain, err := richtext.ToText(e.opts.InitialContent)
	if err != nil {
		return fmt.Errorf("parse initial content: %w", err)
	}
	if strings.TrimSpace(plain) == "" {
		return nil
	}
	return crdt.SetTextWithOrigin(e.text, crdt.OriginSeed, plain)
}

func (e *Editor) onUpdate(u crdt.Update) {
	if e.unmounted.Load() {
		return
	}
	switch {
	case u.Local && u.Origin == crdt.OriginLocal:
		if e.opts.OnContentChange != nil {
			e.opts.OnContentChange(e.HTML())
		}
	case !u.Local:
		if e.opts.OnRemoteChange != nil {
			e.opts.OnRemoteChange(e.HTML())
		}
	}
}

func (e *Editor) Insert(pos int, s string) error {
	if e.unmounted.Load() {
		return ErrUnmounted
	}
	return e.text.Insert(pos, s)
}

func (e *Editor) Delete(pos, n int) error {
	if e.unmounted.Load() {
		return ErrUnmounted
	}
	return e.text.Delete(pos, n)
}

// Replace sets the whole content from HTML in one change.
func (e *Editor) Replace(html string) error {
	if e.unmounted.Load() {
		return ErrUnmounted
	}
	plain, err := richtext.ToText(html)
	if err != nil {
		return err
	}
	return collab.SetText(e.text, plain)
}

// Select publishes the local selection, clamped to the text.
func (e *Editor) Select(from, to int) error {
	if e.unmounted.Load() {
		return ErrUnmounted
	}
	from, to = clamp(from, to, e.text.Len())
	e.m.UpdateCursor(awareness.Cursor{From: from, To: to})
	return nil
}

func (e *Editor) Text() string { return e.text.String() }

// HTML renders the content as paragraphs, the format handed to the host
// application.
func (e *Editor) HTML() string {
	return richtext.FromText(e.text.String())
}

// Decorations lists remote cursors, sorted by connection id.
func (e *Editor) Decorations() []Decoration {
	if e.unmounted.Load() {
		return nil
	}
	length := e.text.Len()
	var out []Decoration
	for _, u := range e.m.ConnectedUsers() {
		if u.Cursor == nil {
			continue
		}
		from, to := clamp(u.Cursor.From, u.Cursor.To, length)
		out = append(out, Decoration{
			ConnectionID: u.ConnectionID,
			Name:         u.Name,
			Color:        u.Color,
			From:         from,
			To:           to,
		})
	}
	return out
}

// Unmount detaches every listener and then destroys the manager. Later calls
// are no-ops.
func (e *Editor) Unmount() {
	if !e.unmounted.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	detach := e.detach
	e.detach = nil
	e.mu.Unlock()
	for _, fn := range detach {
		fn()
	}
	e.m.Destroy()
}

func clamp(from, to, length int) (int, int) {
	if from > to {
		from, to = to, from
	}
	from = min(max(from, 0), length)
	to = min(max(to, 0), length)
	return from, to
}
