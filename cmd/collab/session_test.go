package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"ltoc/collab/internal/collab"
)

func newTestSession(t *testing.T, initial string) (*session, *bytes.Buffer) {
	t.Helper()
	m, err := collab.New(context.Background(), collab.Config{
		RoomID:     "room-cli",
		User:       collab.User{ID: "u1", DisplayName: "Ada"},
		Signaling:  []string{"ws://127.0.0.1:1"},
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
		SyncGrace:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("collab.New() error = %v", err)
	}
	var buf bytes.Buffer
	s, err := newSession(m, initial, bufio.NewWriter(&buf))
	if err != nil {
		m.Destroy()
		t.Fatalf("newSession() error = %v", err)
	}
	t.Cleanup(s.close)
	return s, &buf
}

func TestSessionCommands(t *testing.T) {
	s, buf := newTestSession(t, "<p>Goal</p>")
	if !strings.Contains(buf.String(), "~ 1 user editing") {
		t.Fatalf("expected the presence label, got %q", buf.String())
	}

	for _, line := range []string{
		"append : thrive",
		"newline",
		"insert 0 Our",
		"delete 0 3",
		"select 0 4",
	} {
		if !s.exec(line) {
			t.Fatalf("exec(%q) ended the session", line)
		}
	}
	if got := s.editor.Text(); got != "Goal: thrive\n" {
		t.Fatalf("unexpected text %q", got)
	}

	buf.Reset()
	s.exec("print")
	s.exec("who")
	s.exec("share https://ltoc.example/editor")
	out := buf.String()
	for _, want := range []string{
		"Goal: thrive\n",
		collab.ColorFor("u1") + " You\n",
		"https://ltoc.example/editor?room=room-cli\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q is missing %q", out, want)
		}
	}
}

func TestSessionErrors(t *testing.T) {
	s, buf := newTestSession(t, "")
	tests := []struct {
		line string
		want string
	}{
		{"insert x hi", `! invalid position "x"`},
		{"insert 5 hi", "! "},
		{"delete 1", "! expected two numbers"},
		{"dance", `! unknown command "dance"`},
	}
	for _, tt := range tests {
		buf.Reset()
		if !s.exec(tt.line) {
			t.Fatalf("exec(%q) ended the session", tt.line)
		}
		if !strings.HasPrefix(buf.String(), tt.want) {
			t.Errorf("exec(%q) printed %q, want prefix %q", tt.line, buf.String(), tt.want)
		}
	}
	if s.exec("quit") {
		t.Fatal("quit should end the session")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" ws://a/signal, ,ws://b/signal ")
	if len(got) != 2 || got[0] != "ws://a/signal" || got[1] != "ws://b/signal" {
		t.Fatalf("splitList() = %v", got)
	}
}
