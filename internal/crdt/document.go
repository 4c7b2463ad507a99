// Package crdt holds the replicated document shared by every participant of a room.
//
// It wraps an automerge document. All replicas fork from the same genesis change,
// which creates the "content" text object, so two editors typing into a brand new
// room never race on creating the text itself. Concurrent inserts at the same
// offset are ordered by automerge: the insert with the greater operation id
// (Lamport counter, then actor id) comes first.
package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/automerge/automerge-go"

	"ltoc/collab/internal/notify"
)

// ContentField is the text field bound to the editor.
const ContentField = "content"

// Origin tags where a change came from.
type Origin string

const (
	OriginLocal       Origin = "local"
	OriginSeed        Origin = "seed"
	OriginPersistence Origin = "persistence"
)

var (
	ErrClosed     = errors.New("crdt: document closed")
	ErrOutOfRange = errors.New("crdt: position out of range")
	ErrCorrupt    = errors.New("crdt: corrupt stored state")
)

const genesisActor = "6c746f632d67656e65736973"

var genesisTime = time.Unix(0, 0).UTC()

// Update is delivered to observers once per transaction or applied remote batch.
type Update struct {
	Origin Origin
	Local  bool
	// Delta is the incremental binary state added by this change.
	Delta []byte
}

type Document struct {
	mu     sync.Mutex
	doc    *automerge.Doc
	events *notify.Queue[Update]

	closed    bool
	nextObs   int
	observers map[int]func(Update)
}

// New returns an empty replica forked from the shared genesis.
func New() (*Document, error) {
	doc, err := genesis()
	if err != nil {
		return nil, err
	}
	// every replica recreates genesis, deltas never need to carry it
	_ = doc.SaveIncremental()
	return &Document{
		doc:       doc,
		events:    notify.New[Update](),
		observers: make(map[int]func(Update)),
	}, nil
}

func genesis() (*automerge.Doc, error) {
	base := automerge.New()
	if err := base.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("set genesis actor: %w", err)
	}
	if err := base.Path(ContentField).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("create content text: %w", err)
	}
	if _, err := base.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
		return nil, fmt.Errorf("commit genesis: %w", err)
	}
	doc, err := base.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork genesis: %w", err)
	}
	return doc, nil
}

// ActorID identifies this replica in the operation history.
func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.ActorID()
}

// Text returns a handle on a text field. Handles are cheap and stay valid for the
// document's lifetime.
func (d *Document) Text(field string) *Text {
	return &Text{d: d, field: field}
}

// OnUpdate registers an observer. Observers see updates in commit order, outside
// the document's locks, so they may change the document again; that change is
// delivered once the current update has reached every observer. An update made
// while another goroutine is delivering is delivered by that goroutine.
func (d *Document) OnUpdate(fn func(Update)) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() {}
	}
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Transact applies fn as one atomic change: one commit, one observer event and one
// network update no matter how many operations fn performs.
func (d *Document) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	tx := &Tx{doc: d.doc}
	fnErr := fn(tx)
	var delta []byte
	if tx.dirty {
		if _, err := d.doc.Commit(string(origin)); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("commit %s change: %w", origin, err)
		}
		delta = d.doc.SaveIncremental()
	}
	if len(delta) > 0 {
		d.events.Push(d.observersLocked(), Update{Origin: origin, Local: true, Delta: delta})
	}
	d.mu.Unlock()

	d.events.Drain()
	return fnErr
}

// Apply loads incremental (or full) binary state produced by another replica.
func (d *Document) Apply(origin Origin, data []byte) error {
	return d.mutateRemote(origin, func(doc *automerge.Doc) error {
		if err := doc.LoadIncremental(data); err != nil {
			return fmt.Errorf("load incremental state: %w", err)
		}
		return nil
	})
}

// ApplyStored is Apply for state read back from storage, which only ever holds
// chunks that added changes or full saves. A chunk that adds nothing and does
// not load as a document is rejected with ErrCorrupt, since the loader accepts
// some damaged input without complaint.
func (d *Document) ApplyStored(origin Origin, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrCorrupt)
	}
	var unchanged bool
	err := d.mutateRemote(origin, func(doc *automerge.Doc) error {
		before := doc.Heads()
		if err := doc.LoadIncremental(data); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		unchanged = slices.Equal(before, doc.Heads())
		return nil
	})
	if err != nil || !unchanged {
		return err
	}
	if _, err := automerge.Load(data); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return nil
}

// Merge folds every change of other into d.
func (d *Document) Merge(origin Origin, other *Document) error {
	other.mu.Lock()
	snapshot := other.doc.Save()
	other.mu.Unlock()
	return d.Apply(origin, snapshot)
}

func (d *Document) mutateRemote(origin Origin, fn func(*automerge.Doc) error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if err := fn(d.doc); err != nil {
		d.mu.Unlock()
		return err
	}
	if delta := d.doc.SaveIncremental(); len(delta) > 0 {
		d.events.Push(d.observersLocked(), Update{Origin: origin, Delta: delta})
	}
	d.mu.Unlock()

	d.events.Drain()
	return nil
}

// Save returns the full binary state.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads identifies the current version; equal heads mean equal state.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

// Close drops every observer and rejects further changes. It waits for in-flight
// observer calls, so nothing fires once Close returns; it must not be called
// from an observer.
func (d *Document) Close() {
	d.mu.Lock()
	d.closed = true
	d.observers = make(map[int]func(Update))
	d.mu.Unlock()
	d.events.Close()
}

// hasChanges reports whether every hash is part of this replica's history.
func (d *Document) hasChanges(hashes []automerge.ChangeHash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hashes {
		if _, err := d.doc.Change(h); err != nil {
			return false
		}
	}
	return true
}

func (d *Document) observersLocked() []func(Update) {
	if len(d.observers) == 0 {
		return nil
	}
	// registration order keeps persistence ahead of the transport
	fns := make([]func(Update), 0, len(d.observers))
	for id := 0; id < d.nextObs; id++ {
		if fn, ok := d.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

func (d *Document) readText(field string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readText(d.doc, field)
}

func readText(doc *automerge.Doc, field string) (string, error) {
	value, err := doc.Path(field).Get()
	if err != nil {
		return "", fmt.Errorf("read field %s: %w", field, err)
	}
	switch value.Kind() {
	case automerge.KindVoid:
		return "", nil
	case automerge.KindText:
		return value.Text().Get()
	default:
		return "", fmt.Errorf("field %s is %v, not text", field, value.Kind())
	}
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
