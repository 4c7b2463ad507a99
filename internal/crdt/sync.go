package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// SyncSession tracks what one remote peer is known to have. Sessions are not
// durable; a reconnect starts a fresh one.
type SyncSession struct {
	d     *Document
	state *automerge.SyncState

	// heads the peer reported in its latest message, guarded by d.mu
	theirHeads []automerge.ChangeHash
	heard      bool
}

func (d *Document) NewSyncSession() *SyncSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncSession{d: d, state: automerge.NewSyncState(d.doc)}
}

// Generate returns the next message for the peer, or false when the peer is
// already up to date as far as this session knows.
func (s *SyncSession) Generate() ([]byte, bool) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.d.closed {
		return nil, false
	}
	msg, ok := s.state.GenerateMessage()
	if !ok || msg == nil {
		return nil, false
	}
	return msg.Bytes(), true
}

// Receive applies a sync message from the peer. Observers see one update if the
// message carried changes new to this replica.
func (s *SyncSession) Receive(origin Origin, data []byte) error {
	return s.d.mutateRemote(origin, func(*automerge.Doc) error {
		msg, err := s.state.ReceiveMessage(data)
		if err != nil {
			return fmt.Errorf("receive sync message: %w", err)
		}
		s.theirHeads = msg.Heads()
		s.heard = true
		return nil
	})
}

// CaughtUp reports whether a message from the peer has arrived and this replica
// now holds every change the peer had when it sent its latest one.
func (s *SyncSession) CaughtUp() bool {
	s.d.mu.Lock()
	heard, heads := s.heard, s.theirHeads
	s.d.mu.Unlock()
	return heard && s.d.hasChanges(heads)
}
