// Package collab composes the replicated document, its local cache, the relay
// transport and the presence tracker into one session per room.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ltoc/collab/internal/awareness"
	"ltoc/collab/internal/crdt"
	"ltoc/collab/internal/logging"
	"ltoc/collab/internal/persistence"
	"ltoc/collab/internal/transport"
	"ltoc/collab/internal/util"
)

// Palette holds the participant colors; ColorFor indexes into it.
var Palette = [8]string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E2",
}

// ColorFor maps a user id to a palette color: the sum of its UTF-16 code units
// modulo the palette size, so browser clients pick the same color.
func ColorFor(userID string) string {
	sum := 0
	for _, u := range utf16.Encode([]rune(userID)) {
		sum += int(u)
	}
	return Palette[sum%len(Palette)]
}

type User struct {
	ID          string
	DisplayName string
}

type Config struct {
	RoomID string
	User   User
	// Signaling defaults to transport.DefaultSignaling.
	Signaling []string
	Password  string
	// Persistence caches the document locally; nil disables the cache.
	Persistence persistence.Adapter
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
	// Headless joins without publishing a presence record, for server-side peers.
	Headless bool

	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	PeerTimeout time.Duration
	// SyncGrace and SyncTimeout bound WaitSynced, see transport.Options.
	SyncGrace   time.Duration
	SyncTimeout time.Duration
}

// ConnectedUser is a remote participant as seen on the presence channel.
type ConnectedUser struct {
	ConnectionID string
	UserID       string
	Name         string
	Color        string
	Cursor       *awareness.Cursor
}

type Manager struct {
	roomID string
	user   User
	color  string
	logger *zap.Logger

	doc      *crdt.Document
	aw       *awareness.Awareness
	binding  *persistence.Binding
	provider *transport.Provider

	mu        sync.Mutex
	destroyed bool
}

// New opens a session for cfg.RoomID and starts syncing right away. Relays that
// cannot be reached never fail construction; the session edits locally and
// reconnects in the background.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("collab: room id is required")
	}
	logger := logging.OrNop(cfg.Logger).With(zap.String("room", cfg.RoomID))

	doc, err := crdt.New()
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	m := &Manager{
		roomID: cfg.RoomID,
		user:   cfg.User,
		color:  ColorFor(cfg.User.ID),
		logger: logger,
		doc:    doc,
	}

	if cfg.Persistence != nil {
		m.binding = persistence.Bind(ctx, doc, cfg.Persistence, cfg.RoomID, persistence.Options{Logger: logger})
	}

	m.aw = awareness.New(uuid.NewString())
	if !cfg.Headless {
		if err := m.aw.SetLocalField("user", awareness.User{
			ID:    cfg.User.ID,
			Name:  cfg.User.DisplayName,
			Color: m.color,
		}); err != nil {
			m.teardown()
			return nil, err
		}
	}

	m.provider, err = transport.New(doc, m.aw, transport.Options{
		Room:        cfg.RoomID,
		Signaling:   cfg.Signaling,
		Password:    cfg.Password,
		PeerID:      m.aw.ConnectionID(),
		Dialer:      cfg.Dialer,
		MinBackoff:  cfg.MinBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		PeerTimeout: cfg.PeerTimeout,
		SyncGrace:   cfg.SyncGrace,
		SyncTimeout: cfg.SyncTimeout,
		Logger:      logger,
	})
	if err != nil {
		m.teardown()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	m.provider.Connect()
	logger.Debug("collab: session opened", zap.String("connection", m.aw.ConnectionID()))
	return m, nil
}

func (m *Manager) RoomID() string { return m.roomID }

func (m *Manager) Document() *crdt.Document { return m.doc }

// Content is the text field bound to the editor.
func (m *Manager) Content() *crdt.Text { return m.doc.Text(crdt.ContentField) }

func (m *Manager) Awareness() *awareness.Awareness { return m.aw }

func (m *Manager) ConnectionID() string { return m.aw.ConnectionID() }

// Color is the local participant's color.
func (m *Manager) Color() string { return m.color }

func (m *Manager) User() User { return m.user }

// Restored reports whether the session resumed from the local cache.
func (m *Manager) Restored() bool { return m.binding != nil && m.binding.Restored }

// Connected reports whether at least one relay is reachable.
func (m *Manager) Connected() bool {
	if m.isDestroyed() {
		return false
	}
	return m.provider.Connected()
}

// Peers lists the connection ids of replicas currently syncing with this one,
// including headless peers without a presence record.
func (m *Manager) Peers() []string {
	if m.isDestroyed() {
		return nil
	}
	return m.provider.Peers()
}

// WaitSynced blocks until the room's initial sync is over, so the content
// reflects what peers already wrote. Without reachable peers it returns after
// the grace window.
func (m *Manager) WaitSynced(ctx context.Context) error {
	if m.isDestroyed() {
		return transport.ErrDestroyed
	}
	return m.provider.WaitSynced(ctx)
}

// ConnectedUsers lists remote participants with a presence record, sorted by
// connection id. It is empty once the manager is destroyed.
func (m *Manager) ConnectedUsers() []ConnectedUser {
	if m.isDestroyed() {
		return nil
	}
	local := m.aw.ConnectionID()
	var out []ConnectedUser
	for id, state := range m.aw.States() {
		if id == local || state.User == nil {
			continue
		}
		out = append(out, ConnectedUser{
			ConnectionID: id,
			UserID:       state.User.ID,
			Name:         state.User.Name,
			Color:        state.User.Color,
			Cursor:       state.Cursor,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// UpdateCursor publishes the local selection. It is a no-op after Destroy.
func (m *Manager) UpdateCursor(c awareness.Cursor) {
	if m.isDestroyed() {
		return
	}
	if err := m.aw.SetLocalField("cursor", c); err != nil {
		m.logger.Debug("collab: update cursor", zap.Error(err))
	}
}

// Destroy leaves the room, flushes the cache and releases the document. No
// callback fires once it returns. Later calls are no-ops.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.mu.Unlock()
	m.teardown()
	m.logger.Debug("collab: session closed")
}

func (m *Manager) teardown() {
	if m.provider != nil {
		m.provider.Destroy()
	}
	if m.aw != nil {
		m.aw.Destroy()
	}
	if m.binding != nil {
		if err := m.binding.Close(); err != nil {
			m.logger.Warn("collab: flush cache", zap.Error(err))
		}
	}
	m.doc.Close()
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// SetText replaces the whole text in one transaction.
func SetText(text *crdt.Text, content string) error {
	return crdt.SetText(text, content)
}

// Transact runs fn as one local change.
func Transact(doc *crdt.Document, fn func(tx *crdt.Tx) error) error {
	return doc.Transact(crdt.OriginLocal, fn)
}

// NewRoomID returns a fresh room id of the form room-<unix millis>-<suffix>.
func NewRoomID() string {
	return util.NewRoomID()
}

// ShareURL appends the room id to base as the room query parameter.
func ShareURL(base, roomID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse share base: %w", err)
	}
	q := u.Query()
	q.Set("room", roomID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
