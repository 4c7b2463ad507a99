package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"ltoc/collab/internal/collab"
	"ltoc/collab/internal/richtext"
	"ltoc/collab/internal/search"
	"ltoc/collab/internal/store"
)

const maxRoomIDLength = 128

// RoomStore reads the room archive.
type RoomStore interface {
	Ping(ctx context.Context) error
	GetSnapshot(ctx context.Context, room string) (store.Snapshot, error)
	ListRooms(ctx context.Context, limit int) ([]store.Room, error)
}

type RoomSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveRooms reports rooms with subscribers on this relay.
type LiveRooms interface {
	Topics() []string
	Subscribers(topic string) int
}

// Options wires the service. Every dependency is optional; missing ones turn
// the matching endpoints off.
type Options struct {
	Rooms     RoomStore
	Search    RoomSearch
	Redis     Pinger
	Live      LiveRooms
	ShareBase string
}

type Service struct {
	rooms     RoomStore
	search    RoomSearch
	redis     Pinger
	live      LiveRooms
	shareBase string
}

func NewService(opts Options) *Service {
	shareBase := opts.ShareBase
	if shareBase == "" {
		shareBase = "/"
	}
	return &Service{
		rooms:     opts.Rooms,
		search:    opts.Search,
		redis:     opts.Redis,
		live:      opts.Live,
		shareBase: shareBase,
	}
}

type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready checks the database and Redis. A dependency that is not configured
// reports "disabled" and does not make the service unready.
func (s *Service) Ready(ctx context.Context) (bool, map[string]Check) {
	ready := true
	checks := map[string]Check{
		"database": pingCheck(ctx, s.rooms),
		"redis":    pingCheck(ctx, s.redis),
	}
	for _, c := range checks {
		if c.Status == "error" {
			ready = false
		}
	}
	return ready, checks
}

func pingCheck(ctx context.Context, p Pinger) Check {
	if p == nil {
		return Check{Status: "disabled"}
	}
	if err := p.Ping(ctx); err != nil {
		return Check{Status: "error", Error: err.Error()}
	}
	return Check{Status: "ok"}
}

type LiveRoom struct {
	ID          string `json:"id"`
	Subscribers int    `json:"subscribers"`
}

type RoomList struct {
	Live     []LiveRoom   `json:"live"`
	Archived []store.Room `json:"archived"`
}

func (s *Service) ListRooms(ctx context.Context, limit int) (RoomList, error) {
	list := RoomList{Live: []LiveRoom{}, Archived: []store.Room{}}
	if s.live != nil {
		for _, topic := range s.live.Topics() {
			list.Live = append(list.Live, LiveRoom{ID: topic, Subscribers: s.live.Subscribers(topic)})
		}
	}
	if s.rooms != nil {
		archived, err := s.rooms.ListRooms(ctx, limit)
		if err != nil {
			return RoomList{}, err
		}
		list.Archived = archived
	}
	return list, nil
}

type RoomView struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	HTML        string     `json:"html"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	Pending     int        `json:"pending"`
	Live        bool       `json:"live"`
	Subscribers int        `json:"subscribers"`
}

// GetRoom returns the archived text of a room. A live room that was never
// archived is returned empty.
func (s *Service) GetRoom(ctx context.Context, roomID string) (RoomView, error) {
	if err := validateRoomID(roomID); err != nil {
		return RoomView{}, err
	}
	view := RoomView{ID: roomID}
	if s.live != nil {
		view.Subscribers = s.live.Subscribers(roomID)
		view.Live = view.Subscribers > 0
	}

	found := false
	if s.rooms != nil {
		snap, err := s.rooms.GetSnapshot(ctx, roomID)
		switch {
		case err == nil:
			found = true
			view.Text = snap.Text
			view.Pending = snap.Pending
			updated := snap.UpdatedAt
			view.UpdatedAt = &updated
		case !errors.Is(err, store.ErrNotFound):
			return RoomView{}, err
		}
	}
	if !found && !view.Live {
		return RoomView{}, domainError(http.StatusNotFound, "ROOM_NOT_FOUND", "Room not found", nil)
	}
	view.HTML = richtext.FromText(view.Text)
	return view, nil
}

func (s *Service) Search(ctx context.Context, text string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_DISABLED", "Search is not configured", nil)
	}
	return s.search.Search(ctx, search.Query{Text: text, Limit: limit, Offset: offset}), nil
}

type NewRoom struct {
	RoomID   string `json:"roomId"`
	ShareURL string `json:"shareUrl"`
}

func (s *Service) CreateRoom() (NewRoom, error) {
	id := collab.NewRoomID()
	share, err := collab.ShareURL(s.shareBase, id)
	if err != nil {
		return NewRoom{}, err
	}
	return NewRoom{RoomID: id, ShareURL: share}, nil
}

func validateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" || len(roomID) > maxRoomIDLength {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "room id must be 1-128 characters", nil)
	}
	return nil
}
