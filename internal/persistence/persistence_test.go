package persistence

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"ltoc/collab/internal/crdt"
)

func openStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := OpenBolt(filepath.Join(t.TempDir(), "cache", "collab.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newDoc(t *testing.T) *crdt.Document {
	t.Helper()
	doc, err := crdt.New()
	if err != nil {
		t.Fatalf("crdt.New() error = %v", err)
	}
	t.Cleanup(doc.Close)
	return doc
}

func TestBoltStoreRoomsAreIsolated(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "room-a", []byte("one")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, "room-a", []byte("two")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, "room-b", []byte("other")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	chunks, err := store.Load(ctx, "room-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(chunks) != 2 || string(chunks[0]) != "one" || string(chunks[1]) != "two" {
		t.Fatalf("unexpected chunks %q", chunks)
	}

	if err := store.Compact(ctx, "room-a", []byte("snap")); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	chunks, _ = store.Load(ctx, "room-a")
	if len(chunks) != 1 || string(chunks[0]) != "snap" {
		t.Fatalf("expected single snapshot, got %q", chunks)
	}
	other, _ := store.Load(ctx, "room-b")
	if len(other) != 1 || string(other[0]) != "other" {
		t.Fatalf("compaction leaked into room-b: %q", other)
	}

	rooms, err := store.Rooms()
	if err != nil {
		t.Fatalf("Rooms() error = %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %v", rooms)
	}

	if _, err := store.Load(ctx, ""); !errors.Is(err, ErrEmptyRoom) {
		t.Fatalf("expected ErrEmptyRoom, got %v", err)
	}
	missing, err := store.Load(ctx, "never-written")
	if err != nil || len(missing) != 0 {
		t.Fatalf("expected empty load, got %v %v", missing, err)
	}
}

func TestBoltStoreClosed(t *testing.T) {
	store := openStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := store.Append(context.Background(), "room", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBindResumesFromCache(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := newDoc(t)
	binding := Bind(ctx, first, store, "room-1", Options{})
	if binding.Restored {
		t.Fatal("fresh cache should not report restored state")
	}
	text := first.Text(crdt.ContentField)
	if err := text.Insert(0, "offline "); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := text.Insert(8, "draft"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// a second session on the same room resumes before any peer connects
	second := newDoc(t)
	resumed := Bind(ctx, second, store, "room-1", Options{})
	defer resumed.Close()
	if !resumed.Restored {
		t.Fatal("expected cached state to be restored")
	}
	if got := second.Text(crdt.ContentField).String(); got != "offline draft" {
		t.Fatalf("expected resumed text %q, got %q", "offline draft", got)
	}

	if err := binding.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := binding.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	other := newDoc(t)
	isolated := Bind(ctx, other, store, "room-2", Options{})
	defer isolated.Close()
	if other.Text(crdt.ContentField).String() != "" {
		t.Fatal("room-2 must not see room-1 state")
	}
}

func TestBindCompacts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	doc := newDoc(t)
	binding := Bind(ctx, doc, store, "room", Options{CompactEvery: 3})
	defer binding.Close()

	text := doc.Text(crdt.ContentField)
	for i := 0; i < 5; i++ {
		if err := text.Insert(text.Len(), "x"); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	chunks, err := store.Load(ctx, "room")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(chunks) >= 5 {
		t.Fatalf("expected compaction to trim the log, got %d chunks", len(chunks))
	}

	restored := newDoc(t)
	again := Bind(ctx, restored, store, "room", Options{})
	defer again.Close()
	if got := restored.Text(crdt.ContentField).String(); got != "xxxxx" {
		t.Fatalf("expected %q after compaction, got %q", "xxxxx", got)
	}
}

func savedText(t *testing.T, content string) []byte {
	t.Helper()
	doc := newDoc(t)
	if err := doc.Text(crdt.ContentField).Insert(0, content); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return doc.Save()
}

func TestBindIgnoresCorruptCache(t *testing.T) {
	full := savedText(t, "a long enough paragraph to cut in half")
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{name: "garbage", chunks: [][]byte{[]byte("definitely not automerge")}},
		{name: "truncated snapshot", chunks: [][]byte{full[:len(full)/2]}},
		{name: "valid snapshot then garbage", chunks: [][]byte{savedText(t, "lost"), {0x85, 0x6f, 0x4a, 0x83}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openStore(t)
			ctx := context.Background()
			for _, chunk := range tt.chunks {
				if err := store.Append(ctx, "room", chunk); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}

			doc := newDoc(t)
			binding := Bind(ctx, doc, store, "room", Options{})
			if binding.Restored {
				t.Fatal("corrupt cache must not be reported as restored")
			}
			if got := doc.Text(crdt.ContentField).String(); got != "" {
				t.Fatalf("expected empty document, got %q", got)
			}

			// the cache was replaced by the empty state right away
			chunks, err := store.Load(ctx, "room")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(chunks) != 1 {
				t.Fatalf("expected the rewritten snapshot only, got %d chunks", len(chunks))
			}
			for _, bad := range tt.chunks {
				if bytes.Equal(chunks[0], bad) {
					t.Fatal("corrupt chunk is still cached")
				}
			}

			if err := doc.Text(crdt.ContentField).Insert(0, "fresh"); err != nil {
				t.Fatalf("document unusable after corrupt cache: %v", err)
			}
			if err := binding.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			next := newDoc(t)
			resumed := Bind(ctx, next, store, "room", Options{})
			defer resumed.Close()
			if !resumed.Restored {
				t.Fatal("rewritten cache should restore")
			}
			if got := next.Text(crdt.ContentField).String(); got != "fresh" {
				t.Fatalf("expected %q, got %q", "fresh", got)
			}
		})
	}
}

type failingAdapter struct{}

func (failingAdapter) Load(context.Context, string) ([][]byte, error) {
	return nil, errors.New("quota exceeded")
}
func (failingAdapter) Append(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}
func (failingAdapter) Compact(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}
func (failingAdapter) Close() error { return nil }

func TestBindSurvivesFailingAdapter(t *testing.T) {
	doc := newDoc(t)
	binding := Bind(context.Background(), doc, failingAdapter{}, "room", Options{})
	if err := doc.Text(crdt.ContentField).Insert(0, "still editable"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if got := doc.Text(crdt.ContentField).String(); got != "still editable" {
		t.Fatalf("unexpected text %q", got)
	}
	if err := binding.Close(); err == nil {
		t.Fatal("expected flush error from failing adapter")
	}
}
