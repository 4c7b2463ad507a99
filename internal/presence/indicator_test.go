package presence

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/signaling"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startRelay(t *testing.T) string {
	t.Helper()
	hub := signaling.NewHub(signaling.HubOptions{})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func manager(t *testing.T, cfg collab.Config) *collab.Manager {
	t.Helper()
	cfg.RoomID = "room-presence"
	cfg.MinBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	m, err := collab.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("collab.New() error = %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func TestLabel(t *testing.T) {
	tests := []struct {
		count int
		want  string
	}{
		{1, "1 user editing"},
		{2, "2 users editing"},
		{12, "12 users editing"},
	}
	for _, tt := range tests {
		if got := Label(tt.count); got != tt.want {
			t.Errorf("Label(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}

func TestSnapshotAlone(t *testing.T) {
	m := manager(t, collab.Config{User: collab.User{ID: "u1", DisplayName: "Ada"}, Signaling: []string{"ws://127.0.0.1:1"}})
	ind := NewIndicator(m)
	defer ind.Close()

	snap := ind.Snapshot()
	if snap.Count != 1 || snap.Label != "1 user editing" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	you := snap.Entries[0]
	if !you.Local || you.Name != "You" || you.Color != collab.ColorFor("u1") {
		t.Fatalf("unexpected local entry %+v", you)
	}
}

func TestIndicatorFollowsPeers(t *testing.T) {
	relay := startRelay(t)
	ada := manager(t, collab.Config{User: collab.User{ID: "u-ada", DisplayName: "Ada"}, Signaling: []string{relay}})
	ind := NewIndicator(ada)
	defer ind.Close()

	var mu sync.Mutex
	var rendered []Snapshot
	ind.OnRender(func(s Snapshot) {
		mu.Lock()
		rendered = append(rendered, s)
		mu.Unlock()
	})
	latest := func() Snapshot {
		mu.Lock()
		defer mu.Unlock()
		return rendered[len(rendered)-1]
	}
	if latest().Count != 1 {
		t.Fatal("OnRender did not render the current snapshot")
	}

	bob := manager(t, collab.Config{User: collab.User{ID: "u-bob", DisplayName: "Bob"}, Signaling: []string{relay}})
	manager(t, collab.Config{Headless: true, Signaling: []string{relay}})

	eventually(t, "bob to appear", func() bool { return latest().Count == 2 })
	snap := latest()
	if snap.Label != "2 users editing" || snap.Entries[0].Name != "You" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if e := snap.Entries[1]; e.Name != "Bob" || e.Color != collab.ColorFor("u-bob") || e.Local {
		t.Fatalf("unexpected remote entry %+v", e)
	}

	bob.Destroy()
	eventually(t, "bob to leave", func() bool { return latest().Count == 1 })
}

func TestCloseStopsRendering(t *testing.T) {
	m := manager(t, collab.Config{User: collab.User{ID: "u1"}, Signaling: []string{"ws://127.0.0.1:1"}})
	ind := NewIndicator(m)
	calls := 0
	ind.OnRender(func(Snapshot) { calls++ })
	ind.Close()
	ind.Close()

	if err := m.Awareness().SetLocalField("user", nil); err != nil {
		t.Fatalf("SetLocalField() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected only the initial render, got %d", calls)
	}
	if unsub := ind.OnRender(func(Snapshot) { calls++ }); unsub == nil || calls != 1 {
		t.Fatal("closed indicator accepted a renderer")
	}
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
