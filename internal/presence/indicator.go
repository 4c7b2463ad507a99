// Package presence renders the "who is editing" indicator of a room.
package presence

import (
	"fmt"
	"sync"

	"ltoc/collab/internal/awareness"
	"ltoc/collab/internal/collab"
)

// Entry is one colored participant badge.
type Entry struct {
	ConnectionID string
	Name         string
	Color        string
	Local        bool
}

type Snapshot struct {
	Count   int
	Label   string
	Entries []Entry
}

// Label is "1 user editing" or "N users editing".
func Label(count int) string {
	if count == 1 {
		return "1 user editing"
	}
	return fmt.Sprintf("%d users editing", count)
}

// Indicator recomputes its snapshot on every presence change.
type Indicator struct {
	m *collab.Manager

	mu          sync.Mutex
	nextID      int
	renderers   map[int]func(Snapshot)
	closed      bool
	unsubscribe func()
}

func NewIndicator(m *collab.Manager) *Indicator {
	i := &Indicator{m: m, renderers: make(map[int]func(Snapshot))}
	i.unsubscribe = m.Awareness().OnChange(func(awareness.Change) { i.render() })
	return i
}

// Snapshot lists the local participant first as "You", then everyone else.
func (i *Indicator) Snapshot() Snapshot {
	entries := []Entry{{
		ConnectionID: i.m.ConnectionID(),
		Name:         "You",
		Color:        i.m.Color(),
		Local:        true,
	}}
	for _, u := range i.m.ConnectedUsers() {
		entries = append(entries, Entry{ConnectionID: u.ConnectionID, Name: u.Name, Color: u.Color})
	}
	return Snapshot{Count: len(entries), Label: Label(len(entries)), Entries: entries}
}

// OnRender registers fn and calls it once with the current snapshot.
func (i *Indicator) OnRender(fn func(Snapshot)) (unsubscribe func()) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return func() {}
	}
	id := i.nextID
	i.nextID++
	i.renderers[id] = fn
	i.mu.Unlock()

	fn(i.Snapshot())
	return func() {
		i.mu.Lock()
		delete(i.renderers, id)
		i.mu.Unlock()
	}
}

func (i *Indicator) render() {
	i.mu.Lock()
	if i.closed || len(i.renderers) == 0 {
		i.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(i.renderers))
	for id := 0; id < i.nextID; id++ {
		if fn, ok := i.renderers[id]; ok {
			fns = append(fns, fn)
		}
	}
	i.mu.Unlock()

	snap := i.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func (i *Indicator) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.renderers = make(map[int]func(Snapshot))
	i.mu.Unlock()
	i.unsubscribe()
}
