// Package awareness tracks ephemeral per-connection presence: who is connected
// to a room, their display color and their cursor. Nothing here is persisted.
package awareness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"ltoc/collab/internal/notify"
)

// Origins used for locally generated changes. Remote changes carry the origin
// passed to ApplyUpdate.
const (
	OriginLocal   = "local"
	OriginTimeout = "timeout"
)

// DefaultOutdated is how long a remote state survives without being renewed.
const DefaultOutdated = 30 * time.Second

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a selection in code point offsets; From == To is a caret.
type Cursor struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type State struct {
	User   *User   `json:"user,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

func (s State) clone() State {
	out := State{}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Cursor != nil {
		c := *s.Cursor
		out.Cursor = &c
	}
	return out
}

// Change lists connection ids touched by one update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type Option func(*Awareness)

// WithOutdated overrides the remote state timeout. The local state is renewed
// at half of it.
func WithOutdated(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.outdated = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		if now != nil {
			a.now = now
		}
	}
}

type Awareness struct {
	connID   string
	outdated time.Duration
	now      func() time.Time

	mu     sync.Mutex
	events *notify.Queue[Change]
	states map[string]State
	meta   map[string]meta

	nextObs   int
	observers map[int]func(Change)

	destroyed bool
	stop      chan struct{}
	done      chan struct{}
}

// New starts a tracker for one connection with an empty local state. A
// background loop renews the local state and expires silent peers until
// Destroy is called.
func New(connID string, opts ...Option) *Awareness {
	a := &Awareness{
		connID:    connID,
		outdated:  DefaultOutdated,
		now:       time.Now,
		states:    make(map[string]State),
		meta:      make(map[string]meta),
		observers: make(map[int]func(Change)),
		events:    notify.New[Change](),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.states[connID] = State{}
	a.meta[connID] = meta{clock: 0, lastUpdated: a.now()}
	go a.loop()
	return a
}

func (a *Awareness) ConnectionID() string { return a.connID }

// LocalState returns a copy of the local state, or nil after Destroy.
func (a *Awareness) LocalState() *State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.connID]
	if !ok {
		return nil
	}
	out := s.clone()
	return &out
}

// SetLocalState replaces the local state. nil removes this connection from
// every peer's view.
func (a *Awareness) SetLocalState(state *State) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.pushLocked(a.setLocalLocked(state))
	a.mu.Unlock()
	a.events.Drain()
}

// SetLocalField updates one field of the local state: "user" takes a User or
// *User, "cursor" takes a Cursor, *Cursor or nil.
func (a *Awareness) SetLocalField(name string, value any) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	current, ok := a.states[a.connID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	next := current.clone()
	switch name {
	case "user":
		switch v := value.(type) {
		case User:
			next.User = &v
		case *User:
			next.User = v
		case nil:
			next.User = nil
		default:
			a.mu.Unlock()
			return fmt.Errorf("awareness: user field cannot hold %T", value)
		}
	case "cursor":
		switch v := value.(type) {
		case Cursor:
			next.Cursor = &v
		case *Cursor:
			next.Cursor = v
		case nil:
			next.Cursor = nil
		default:
			a.mu.Unlock()
			return fmt.Errorf("awareness: cursor field cannot hold %T", value)
		}
	default:
		a.mu.Unlock()
		return fmt.Errorf("awareness: unknown field %q", name)
	}
	a.pushLocked(a.setLocalLocked(&next))
	a.mu.Unlock()
	a.events.Drain()
	return nil
}

func (a *Awareness) setLocalLocked(state *State) Change {
	m := a.meta[a.connID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.connID] = m

	prev, existed := a.states[a.connID]
	change := Change{Origin: OriginLocal}
	if state == nil {
		delete(a.states, a.connID)
		if existed {
			change.Removed = []string{a.connID}
		}
		return change
	}
	next := state.clone()
	a.states[a.connID] = next
	switch {
	case !existed:
		change.Added = []string{a.connID}
	case !reflect.DeepEqual(prev, next):
		change.Updated = []string{a.connID}
	}
	return change
}

// States returns a copy of every known state keyed by connection id, local
// state included.
func (a *Awareness) States() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]State, len(a.states))
	for id, s := range a.states {
		out[id] = s.clone()
	}
	return out
}

// OnChange registers an observer. Changes are delivered in order outside the
// tracker's locks, so an observer may update the local state; that change is
// delivered after the current one.
func (a *Awareness) OnChange(fn func(Change)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return func() {}
	}
	id := a.nextObs
	a.nextObs++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

type wireEntry struct {
	ConnectionID string `json:"connectionId"`
	Clock        uint64 `json:"clock"`
	State        *State `json:"state"`
}

type wireUpdate struct {
	Entries []wireEntry `json:"entries"`
}

// EncodeUpdate serializes the given connections, or every known connection when
// ids is empty. Removed connections encode with a nil state.
func (a *Awareness) EncodeUpdate(ids ...string) ([]byte, error) {
	a.mu.Lock()
	if len(ids) == 0 {
		for id := range a.states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	update := wireUpdate{Entries: make([]wireEntry, 0, len(ids))}
	for _, id := range ids {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entry := wireEntry{ConnectionID: id, Clock: m.clock}
		if s, ok := a.states[id]; ok {
			c := s.clone()
			entry.State = &c
		}
		update.Entries = append(update.Entries, entry)
	}
	a.mu.Unlock()
	return json.Marshal(update)
}

// ApplyUpdate merges an encoded update from a peer. Entries with a clock not newer
// than the known one are ignored. An entry for the local connection is only
// honored as a removal, and then the local state is re-asserted instead.
func (a *Awareness) ApplyUpdate(data []byte, origin string) error {
	var update wireUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	now := a.now()
	change := Change{Origin: origin}
	var reassert bool
	var remoteClock uint64
	for _, entry := range update.Entries {
		id := entry.ConnectionID
		if id == "" {
			continue
		}
		current, known := a.meta[id]
		_, present := a.states[id]
		newer := !known || entry.Clock > current.clock
		if !newer && !(entry.Clock == current.clock && entry.State == nil && present) {
			continue
		}
		if id == a.connID {
			if entry.State == nil && present {
				reassert = true
				remoteClock = max(remoteClock, entry.Clock)
			}
			continue
		}
		a.meta[id] = meta{clock: entry.Clock, lastUpdated: now}
		if entry.State == nil {
			if present {
				delete(a.states, id)
				change.Removed = append(change.Removed, id)
			}
			continue
		}
		next := entry.State.clone()
		prev, existed := a.states[id]
		a.states[id] = next
		switch {
		case !existed:
			change.Added = append(change.Added, id)
		case !reflect.DeepEqual(prev, next):
			change.Updated = append(change.Updated, id)
		}
	}
	var local Change
	if reassert {
		m := a.meta[a.connID]
		m.clock = max(m.clock, remoteClock) + 1
		m.lastUpdated = now
		a.meta[a.connID] = m
		local = Change{Origin: OriginLocal, Updated: []string{a.connID}}
	}
	a.pushLocked(change, local)
	a.mu.Unlock()
	a.events.Drain()
	return nil
}

// RemoveStates drops remote states, for peers the transport knows are gone.
// The local connection cannot be removed this way.
func (a *Awareness) RemoveStates(ids []string, origin string) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	change := Change{Origin: origin}
	for _, id := range ids {
		if id == a.connID {
			continue
		}
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	a.pushLocked(change)
	a.mu.Unlock()
	a.events.Drain()
}

// Destroy publishes the local removal, stops the background loop and drops all
// observers. Later calls are no-ops.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.pushLocked(a.setLocalLocked(nil))
	a.destroyed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	// delivers the removal before dropping the observers
	a.events.Close()

	a.mu.Lock()
	a.observers = make(map[int]func(Change))
	a.states = make(map[string]State)
	a.mu.Unlock()
}

func (a *Awareness) loop() {
	defer close(a.done)
	interval := a.outdated / 10
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.check()
		}
	}
}

// check renews the local state and expires remote states that were not renewed.
func (a *Awareness) check() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	now := a.now()
	var renew Change
	if _, ok := a.states[a.connID]; ok {
		m := a.meta[a.connID]
		if now.Sub(m.lastUpdated) >= a.outdated/2 {
			m.clock++
			m.lastUpdated = now
			a.meta[a.connID] = m
			renew = Change{Origin: OriginLocal, Updated: []string{a.connID}}
		}
	}
	expired := Change{Origin: OriginTimeout}
	for id := range a.states {
		if id == a.connID {
			continue
		}
		if now.Sub(a.meta[id].lastUpdated) >= a.outdated {
			delete(a.states, id)
			expired.Removed = append(expired.Removed, id)
		}
	}
	sort.Strings(expired.Removed)
	a.pushLocked(renew, expired)
	a.mu.Unlock()
	a.events.Drain()
}

func (a *Awareness) observersLocked() []func(Change) {
	fns := make([]func(Change), 0, len(a.observers))
	for id := 0; id < a.nextObs; id++ {
		if fn, ok := a.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// pushLocked queues the non-empty changes for the current observers.
func (a *Awareness) pushLocked(changes ...Change) {
	var observers []func(Change)
	for _, change := range changes {
		if change.empty() {
			continue
		}
		if observers == nil {
			observers = a.observersLocked()
		}
		a.events.Push(observers, change)
	}
}
