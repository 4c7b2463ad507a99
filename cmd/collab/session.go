package main

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/editor"
	"ltoc/collab/internal/presence"
)

const help = `commands:
  print                 show the text
  html                  show the text as HTML
  insert <pos> <text>   insert text at a rune offset
  append <text>         add text at the end
  newline               add a line break at the end
  delete <pos> <n>      delete n runes
  replace <html>        replace the whole text
  select <from> <to>    share a selection
  who                   list participants
  share <base url>      print a link to this room
  quit                  leave the room`

// session drives an editor from text commands. Output may arrive from sync
// goroutines, so every write goes through mu.
type session struct {
	manager   *collab.Manager
	editor    *editor.Editor
	indicator *presence.Indicator

	mu    sync.Mutex
	out   *bufio.Writer
	label string
}

func newSession(m *collab.Manager, initial string, out *bufio.Writer) (*session, error) {
	s := &session{manager: m, out: out}
	e, err := editor.Mount(m, editor.Options{
		InitialContent: initial,
		OnRemoteChange: func(string) { s.printf("~ text changed by a peer\n") },
	})
	if err != nil {
		return nil, err
	}
	s.editor = e
	s.indicator = presence.NewIndicator(m)
	s.indicator.OnRender(s.onPresence)
	return s, nil
}

// onPresence prints the indicator label whenever the head count changes.
func (s *session) onPresence(snap presence.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Label == s.label {
		return
	}
	s.label = snap.Label
	fmt.Fprintf(s.out, "~ %s\n", snap.Label)
	s.out.Flush()
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
	s.out.Flush()
}

// exec runs one command line and reports whether the session should continue.
func (s *session) exec(line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch cmd {
	case "":
	case "help":
		s.printf("%s\n", help)
	case "print":
		s.printf("%s\n", s.editor.Text())
	case "html":
		s.printf("%s", s.editor.HTML())
	case "insert":
		var pos int
		var text string
		if pos, text, err = intAndRest(rest); err == nil {
			err = s.editor.Insert(pos, text)
		}
	case "append":
		err = s.editor.Insert(len([]rune(s.editor.Text())), rest)
	case "newline":
		err = s.editor.Insert(len([]rune(s.editor.Text())), "\n")
	case "delete":
		var pos, n int
		if pos, n, err = twoInts(rest); err == nil {
			err = s.editor.Delete(pos, n)
		}
	case "replace":
		err = s.editor.Replace(rest)
	case "select":
		var from, to int
		if from, to, err = twoInts(rest); err == nil {
			err = s.editor.Select(from, to)
		}
	case "who":
		for _, entry := range s.indicator.Snapshot().Entries {
			s.printf("%s %s\n", entry.Color, entry.Name)
		}
	case "share":
		var link string
		if link, err = collab.ShareURL(strings.TrimSpace(rest), s.manager.RoomID()); err == nil {
			s.printf("%s\n", link)
		}
	case "quit", "exit":
		return false
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		s.printf("! %v\n", err)
	}
	return true
}

func (s *session) close() {
	s.indicator.Close()
	s.editor.Unmount()
}

func intAndRest(args string) (int, string, error) {
	head, rest, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok {
		return 0, "", fmt.Errorf("expected <pos> <text>")
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", fmt.Errorf("invalid position %q", head)
	}
	return n, rest, nil
}

func twoInts(args string) (int, int, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected two numbers")
	}
	a, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid number %q", fields[0])
	}
	b, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid number %q", fields[1])
	}
	return a, b, nil
}
