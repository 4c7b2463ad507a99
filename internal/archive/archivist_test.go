package archive

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/crdt"
	"ltoc/collab/internal/metrics"
	"ltoc/collab/internal/persistence"
	"ltoc/collab/internal/search"
	"ltoc/collab/internal/signaling"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSnapshots struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (f *fakeSnapshots) PutSnapshot(_ context.Context, room string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string][]byte)
	}
	f.saved[room] = data
	return "rooms/" + room + "/0.automerge", nil
}

func (f *fakeSnapshots) get(room string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[room]
}

type fakeIndex struct {
	mu      sync.Mutex
	records []search.RoomRecord
}

func (f *fakeIndex) IndexRoom(r search.RoomRecord) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
}

func (f *fakeIndex) all() []search.RoomRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.RoomRecord(nil), f.records...)
}

type fixture struct {
	relay     string
	archivist *Archivist
	store     *persistence.BoltStore
	snapshots *fakeSnapshots
	index     *fakeIndex
	metrics   *metrics.Collector
	clock     *fakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.OpenBolt(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}

	hub := signaling.NewHub(signaling.HubOptions{})
	srv := httptest.NewServer(hub)
	relay := "ws" + strings.TrimPrefix(srv.URL, "http")

	f := &fixture{
		relay:     relay,
		store:     store,
		snapshots: &fakeSnapshots{},
		index:     &fakeIndex{},
		metrics:   metrics.New("test"),
		clock:     &fakeClock{now: time.Unix(1700000000, 0)},
	}
	f.archivist, err = New(Options{
		Signaling:   []string{relay},
		Adapter:     store,
		Snapshots:   f.snapshots,
		Index:       f.index,
		IdleTimeout: time.Minute,
		CheckEvery:  time.Hour,
		Metrics:     f.metrics,
		MinBackoff:  20 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.archivist.now = f.clock.Now
	hub.OnTopicOpened(f.archivist.Open)

	t.Cleanup(func() {
		f.archivist.Close()
		_ = hub.Close()
		srv.Close()
		_ = store.Close()
	})
	return f
}

func (f *fixture) editor(t *testing.T, room, password string) *collab.Manager {
	t.Helper()
	m, err := collab.New(context.Background(), collab.Config{
		RoomID:     room,
		User:       collab.User{ID: "u-ada", DisplayName: "Ada"},
		Signaling:  []string{f.relay},
		Password:   password,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("collab.New() error = %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func (f *fixture) roomText(room string) (string, bool) {
	f.archivist.mu.Lock()
	r, ok := f.archivist.rooms[room]
	f.archivist.mu.Unlock()
	if !ok {
		return "", false
	}
	return r.m.Content().String(), true
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestArchivistKeepsRoomAfterEditorsLeave(t *testing.T) {
	f := setup(t)
	ada := f.editor(t, "room-archived", "")
	if err := ada.Content().Insert(0, "keep me"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	eventually(t, "archivist to replicate the room", func() bool {
		text, ok := f.roomText("room-archived")
		return ok && text == "keep me"
	})
	if got := testutil.ToFloat64(f.metrics.ArchivedRooms); got != 1 {
		t.Fatalf("open rooms gauge = %v", got)
	}

	ada.Destroy()
	eventually(t, "archivist to lose its peer", func() bool {
		f.archivist.mu.Lock()
		defer f.archivist.mu.Unlock()
		r := f.archivist.rooms["room-archived"]
		return r != nil && len(r.m.Peers()) == 0
	})

	f.archivist.sweep()
	if rooms := f.archivist.Rooms(); len(rooms) != 1 {
		t.Fatalf("room closed before the idle timeout: %v", rooms)
	}
	f.clock.Advance(time.Minute)
	f.archivist.sweep()
	if rooms := f.archivist.Rooms(); len(rooms) != 0 {
		t.Fatalf("idle room still open: %v", rooms)
	}

	restored, err := crdt.New()
	if err != nil {
		t.Fatalf("crdt.New() error = %v", err)
	}
	defer restored.Close()
	if err := restored.Apply(crdt.OriginPersistence, f.snapshots.get("room-archived")); err != nil {
		t.Fatalf("uploaded snapshot does not decode: %v", err)
	}
	if got := restored.Text(crdt.ContentField).String(); got != "keep me" {
		t.Fatalf("uploaded snapshot text = %q", got)
	}

	records := f.index.all()
	if len(records) != 1 || records[0].ID != "room-archived" || records[0].Text != "keep me" || records[0].UpdatedAt != 1700000060 {
		t.Fatalf("unexpected index records %+v", records)
	}

	chunks, err := f.store.Load(context.Background(), "room-archived")
	if err != nil || len(chunks) != 1 {
		t.Fatalf("expected one compacted chunk, got %d (%v)", len(chunks), err)
	}
	if got := testutil.ToFloat64(f.metrics.SnapshotsSaved.WithLabelValues("minio", "ok")); got != 1 {
		t.Fatalf("minio snapshots counter = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.SnapshotsSaved.WithLabelValues("postgres", "ok")); got != 1 {
		t.Fatalf("postgres snapshots counter = %v", got)
	}
}

func TestArchivistSkipsUnreadableRooms(t *testing.T) {
	f := setup(t)
	ada := f.editor(t, "room-secret", "hunter2")
	if err := ada.Content().Insert(0, "private"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	eventually(t, "archivist to join", func() bool {
		_, ok := f.roomText("room-secret")
		return ok
	})
	time.Sleep(200 * time.Millisecond)
	if text, _ := f.roomText("room-secret"); text != "" {
		t.Fatalf("archivist decrypted a password room: %q", text)
	}

	f.archivist.Close()
	if f.snapshots.get("room-secret") != nil || len(f.index.all()) != 0 {
		t.Fatal("unreadable room was archived")
	}
	chunks, err := f.store.Load(context.Background(), "room-secret")
	if err != nil || len(chunks) != 0 {
		t.Fatalf("unreadable room left %d cached chunks (%v)", len(chunks), err)
	}
}

func TestOpenAfterCloseIsIgnored(t *testing.T) {
	f := setup(t)
	f.archivist.Close()
	f.archivist.Open("room-late")
	if rooms := f.archivist.Rooms(); len(rooms) != 0 {
		t.Fatalf("closed archivist opened %v", rooms)
	}
}

func TestNewRequiresSignaling(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a signaling url")
	}
}
